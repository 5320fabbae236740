// Package pipeline turns a MediaRequest into a sticker by running a pass
// ladder over the codec engine until an output fits the size ceiling.
//
// A request moves through Received, Validating and Encoding(i); each pass
// ends in Accepted, NextPass or Rejected. All artifacts of a request live in
// one workspace that is released on every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/vicentereig/whatsapp-stickerbot/internal/codec"
	"github.com/vicentereig/whatsapp-stickerbot/internal/config"
	"github.com/vicentereig/whatsapp-stickerbot/internal/metrics"
	"github.com/vicentereig/whatsapp-stickerbot/internal/requestid"
	"github.com/vicentereig/whatsapp-stickerbot/internal/types"
)

// WebPMimeType is the MIME type of every accepted output.
const WebPMimeType = "image/webp"

// Codec is the engine the pipeline drives. The concrete implementation is
// codec.FFmpeg.
type Codec interface {
	Transform(ctx context.Context, input, output string, step codec.Step) error
	Probe(ctx context.Context, input string) (codec.Metadata, error)
}

// Options are the static policies of a pipeline.
type Options struct {
	Recipe           config.Recipe
	MaxStaticBytes   int64
	MaxAnimatedBytes int64
	// DurationLimit returns the longest clip accepted for a MIME type.
	DurationLimit   func(mimeType string) time.Duration
	ProbePolicy     string
	AcceptOversized bool
	TempDir         string
}

// OptionsFromConfig derives pipeline options from the bot configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Recipe:           cfg.Recipe,
		MaxStaticBytes:   cfg.MaxStaticBytes,
		MaxAnimatedBytes: cfg.MaxAnimatedBytes,
		DurationLimit:    cfg.DurationLimit,
		ProbePolicy:      cfg.ProbeFailurePolicy,
		AcceptOversized:  cfg.AcceptOversized,
		TempDir:          cfg.TempDir,
	}
}

// Result is a successful conversion.
type Result struct {
	ID       string
	Data     []byte
	MimeType string
	Animated bool
	// Pass is the zero based index of the accepted pass.
	Pass int
	Size int
	// Oversized marks a best-effort result above the ceiling.
	Oversized bool
}

// Pipeline is safe for concurrent use; requests share no mutable state.
type Pipeline struct {
	codec Codec
	opts  Options
	log   zerolog.Logger
}

func New(c Codec, opts Options, log zerolog.Logger) *Pipeline {
	if opts.MaxStaticBytes <= 0 {
		opts.MaxStaticBytes = 1 << 20
	}
	if opts.MaxAnimatedBytes <= 0 {
		opts.MaxAnimatedBytes = 1 << 20
	}
	if opts.DurationLimit == nil {
		opts.DurationLimit = func(string) time.Duration { return 10 * time.Second }
	}
	if opts.ProbePolicy == "" {
		opts.ProbePolicy = config.ProbePermissive
	}
	if len(opts.Recipe.Static) == 0 || len(opts.Recipe.Animated) == 0 {
		opts.Recipe = config.DefaultRecipe(opts.DurationLimit(""))
	}
	return &Pipeline{
		codec: c,
		opts:  opts,
		log:   log.With().Str("component", "pipeline").Logger(),
	}
}

// Convert runs the full ladder for req. The returned Result carries the
// conversion id even when err is non-nil.
func (p *Pipeline) Convert(ctx context.Context, req types.MediaRequest) (Result, error) {
	id := requestid.New()
	flavour := "static"
	if req.WantsAnimated {
		flavour = "animated"
	}
	log := p.log.With().
		Str("conversion_id", id).
		Str("source", req.SourceID).
		Str("mime", req.MimeType).
		Str("flavour", flavour).
		Logger()

	start := time.Now()
	log.Debug().Str("stage", "received").Int("bytes", len(req.Data)).Msg("conversion received")

	res, err := p.convert(ctx, id, req, log)
	outcome := "accepted"
	if err != nil {
		outcome = "failed"
		if reason, ok := ReasonOf(err); ok {
			outcome = string(reason)
		}
		log.Warn().Str("stage", "rejected").Err(err).Msg("conversion failed")
	} else {
		metrics.RecordAcceptedPass(flavour, res.Pass)
		log.Info().
			Str("stage", "accepted").
			Int("pass", res.Pass).
			Int("bytes", res.Size).
			Bool("oversized", res.Oversized).
			Dur("elapsed", time.Since(start)).
			Msg("sticker ready")
	}
	metrics.RecordConversion(flavour, outcome, time.Since(start).Seconds())
	res.ID = id
	return res, err
}

func (p *Pipeline) convert(ctx context.Context, id string, req types.MediaRequest, log zerolog.Logger) (Result, error) {
	if len(req.Data) == 0 {
		return Result{}, &Error{Reason: ReasonDownloadFailed, Err: errors.New("media payload is empty")}
	}

	mimeType := effectiveMime(req)
	if err := checkSupported(mimeType, req.WantsAnimated); err != nil {
		return Result{}, err
	}

	ws, err := newWorkspace(p.opts.TempDir, id)
	if err != nil {
		return Result{}, &Error{Reason: ReasonEncodeFailed, Err: err}
	}
	defer func() {
		if err := ws.Release(); err != nil {
			log.Error().Err(err).Msg("failed to release workspace")
		}
	}()

	input := ws.Path("in", extensionFor(mimeType))
	if err := os.WriteFile(input, req.Data, 0o600); err != nil {
		return Result{}, &Error{Reason: ReasonEncodeFailed, Err: fmt.Errorf("failed to stage input: %w", err)}
	}

	log.Debug().Str("stage", "validating").Msg("validating request")
	if req.WantsAnimated && req.Kind != types.KindImage {
		if err := p.checkDuration(ctx, input, mimeType, log); err != nil {
			return Result{}, err
		}
	}

	var res Result
	if req.WantsAnimated {
		res, err = p.runLadder(ctx, ws, p.opts.Recipe.Animated, p.opts.MaxAnimatedBytes, log, func(i int, pass config.Pass, out string) error {
			return p.encodeAnimated(ctx, ws, input, out, pass, log)
		})
	} else {
		res, err = p.runLadder(ctx, ws, p.opts.Recipe.Static, p.opts.MaxStaticBytes, log, func(i int, pass config.Pass, out string) error {
			return p.codec.Transform(ctx, input, out, codec.Step{Kind: codec.StepStatic, Size: pass.Size, Quality: pass.Quality})
		})
	}
	if err != nil {
		return Result{}, err
	}
	res.Animated = req.WantsAnimated
	return res, nil
}

func (p *Pipeline) checkDuration(ctx context.Context, input, mimeType string, log zerolog.Logger) error {
	limit := p.opts.DurationLimit(mimeType)
	meta, err := p.codec.Probe(ctx, input)
	if err != nil {
		if p.opts.ProbePolicy == config.ProbeReject {
			return &Error{Reason: ReasonProbeFailed, Err: err}
		}
		log.Warn().Err(err).Msg("duration probe failed, assuming clip is within limit")
		return nil
	}
	if meta.Duration > limit {
		return &Error{Reason: ReasonDurationExceeded, Duration: meta.Duration, Limit: limit}
	}
	return nil
}

// encodeAnimated runs the optional normalization pre-pass, then the animated
// encode. A normalized intermediate is reused by later passes with the same
// duration cap.
func (p *Pipeline) encodeAnimated(ctx context.Context, ws *workspace, input, out string, pass config.Pass, log zerolog.Logger) error {
	src := input
	if pass.Normalize {
		norm, err := p.normalized(ctx, ws, input, pass.MaxDuration)
		if err != nil {
			return fmt.Errorf("normalize: %w", err)
		}
		src = norm
	}
	return p.codec.Transform(ctx, src, out, codec.Step{
		Kind:        codec.StepAnimated,
		Size:        pass.Size,
		Quality:     pass.Quality,
		FPS:         pass.FPS,
		MaxDuration: pass.MaxDuration,
	})
}

func (p *Pipeline) normalized(ctx context.Context, ws *workspace, input string, maxDuration time.Duration) (string, error) {
	if path, ok := ws.intermediate(maxDuration); ok {
		return path, nil
	}
	out := ws.Path("norm", ".mp4")
	if err := p.codec.Transform(ctx, input, out, codec.Step{Kind: codec.StepNormalize, MaxDuration: maxDuration}); err != nil {
		return "", err
	}
	ws.rememberIntermediate(maxDuration, out)
	return out, nil
}

type encodeFunc func(i int, pass config.Pass, out string) error

// runLadder tries each pass in order. The first output at or below ceiling
// wins. A failed pass is logged and the ladder moves on.
func (p *Pipeline) runLadder(ctx context.Context, ws *workspace, passes []config.Pass, ceiling int64, log zerolog.Logger, encode encodeFunc) (Result, error) {
	var (
		lastErr     error
		lastPath    string
		lastIndex   = -1
		lastSize    int64
		finalFailed bool
	)

	for i, pass := range passes {
		if err := ctx.Err(); err != nil {
			return Result{}, &Error{Reason: ReasonEncodeFailed, Err: err}
		}

		plog := log.With().Str("stage", "encoding").Int("pass", i).Int("size", pass.Size).Int("quality", pass.Quality).Logger()
		out := ws.Path(fmt.Sprintf("out%d", i), ".webp")

		if err := encode(i, pass, out); err != nil {
			lastErr = err
			finalFailed = i == len(passes)-1
			plog.Warn().Err(err).Msg("pass failed")
			continue
		}
		finalFailed = false

		info, err := os.Stat(out)
		if err != nil {
			lastErr = fmt.Errorf("pass %d produced no output: %w", i, err)
			finalFailed = i == len(passes)-1
			plog.Warn().Err(lastErr).Msg("pass failed")
			continue
		}

		lastPath, lastIndex, lastSize = out, i, info.Size()
		if info.Size() <= ceiling {
			return readResult(out, i, false)
		}
		plog.Debug().Int64("bytes", info.Size()).Int64("ceiling", ceiling).Msg("output above ceiling, trying next pass")
	}

	if lastPath != "" && p.opts.AcceptOversized {
		log.Warn().Int("pass", lastIndex).Int64("bytes", lastSize).Msg("ladder exhausted, accepting oversized output")
		return readResult(lastPath, lastIndex, true)
	}
	if lastPath == "" || finalFailed {
		return Result{}, &Error{Reason: ReasonEncodeFailed, Err: lastErr}
	}
	return Result{}, &Error{Reason: ReasonSizeUnattainable, Size: lastSize, Ceiling: ceiling}
}

func readResult(path string, pass int, oversized bool) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, &Error{Reason: ReasonEncodeFailed, Err: fmt.Errorf("failed to read output: %w", err)}
	}
	return Result{
		Data:      data,
		MimeType:  WebPMimeType,
		Pass:      pass,
		Size:      len(data),
		Oversized: oversized,
	}, nil
}

// effectiveMime prefers the declared type unless it is missing or generic,
// in which case the payload is sniffed.
func effectiveMime(req types.MediaRequest) string {
	declared := strings.ToLower(strings.TrimSpace(req.MimeType))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if declared == "" || declared == "application/octet-stream" {
		return mimetype.Detect(req.Data).String()
	}
	return declared
}

func checkSupported(mimeType string, animated bool) error {
	switch {
	case animated && (strings.HasPrefix(mimeType, "video/") || mimeType == "image/gif" || mimeType == "image/webp"):
		return nil
	case !animated && strings.HasPrefix(mimeType, "image/"):
		return nil
	}
	return &Error{Reason: ReasonUnsupportedType, Err: fmt.Errorf("cannot make a %s sticker from %s", flavourName(animated), mimeType)}
}

func flavourName(animated bool) string {
	if animated {
		return "animated"
	}
	return "static"
}

func extensionFor(mimeType string) string {
	if m := mimetype.Lookup(mimeType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}
