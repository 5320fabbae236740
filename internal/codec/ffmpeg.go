// Package codec runs the external encoding engine. Every call spawns exactly
// one ffmpeg or ffprobe process bounded by its own wall-clock timeout.
package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vicentereig/whatsapp-stickerbot/internal/metrics"
)

// StepKind selects the ffmpeg recipe for one invocation.
type StepKind string

const (
	StepStatic    StepKind = "static"
	StepNormalize StepKind = "normalize"
	StepAnimated  StepKind = "animated"
)

// Step holds the parameters of one invocation.
type Step struct {
	Kind        StepKind
	Size        int
	Quality     int
	FPS         int
	MaxDuration time.Duration
}

// Metadata is what Probe learns about an input.
type Metadata struct {
	Duration time.Duration
}

// ErrTimeout is returned when an invocation outlives its timeout.
var ErrTimeout = errors.New("codec invocation timed out")

// ExitError reports a non-zero exit of the engine.
type ExitError struct {
	Step   StepKind
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s step exited with code %d", e.Step, e.Code)
	}
	return fmt.Sprintf("%s step exited with code %d: %s", e.Step, e.Code, e.Stderr)
}

// ProbeError reports that the duration of an input could not be read.
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// FFmpeg invokes ffmpeg and ffprobe binaries.
type FFmpeg struct {
	Binary      string
	ProbeBinary string
	Timeout     time.Duration
	log         zerolog.Logger
}

func New(binary, probeBinary string, timeout time.Duration, log zerolog.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	if probeBinary == "" {
		probeBinary = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FFmpeg{
		Binary:      binary,
		ProbeBinary: probeBinary,
		Timeout:     timeout,
		log:         log.With().Str("component", "codec").Logger(),
	}
}

// Transform encodes input into output according to step. It writes only
// output and never removes input.
func (f *FFmpeg) Transform(ctx context.Context, input, output string, step Step) error {
	args, err := Args(input, output, step)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = f.run(ctx, f.Binary, string(step.Kind), args)
	status := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	metrics.RecordCodec(string(step.Kind), status)

	f.log.Debug().
		Str("step", string(step.Kind)).
		Int("size", step.Size).
		Int("quality", step.Quality).
		Dur("elapsed", time.Since(start)).
		Err(err).
		Msg("codec invocation finished")
	return err
}

// Probe reads the container duration of input.
func (f *FFmpeg) Probe(ctx context.Context, input string) (Metadata, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	}
	out, err := f.run(ctx, f.ProbeBinary, "probe", args)
	if err != nil {
		metrics.RecordCodec("probe", "error")
		return Metadata{}, &ProbeError{Path: input, Err: err}
	}
	d, err := parseDuration(string(out))
	if err != nil {
		metrics.RecordCodec("probe", "error")
		return Metadata{}, &ProbeError{Path: input, Err: err}
	}
	metrics.RecordCodec("probe", "ok")
	return Metadata{Duration: d}, nil
}

func (f *FFmpeg) run(ctx context.Context, binary, step string, args []string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: 2048}

	cmd := exec.CommandContext(runCtx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%s after %s: %w", step, f.Timeout, ErrTimeout)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, &ExitError{
			Step:   StepKind(step),
			Code:   exitErr.ExitCode(),
			Stderr: strings.TrimSpace(stderr.String()),
		}
	}
	return nil, fmt.Errorf("failed to run %s: %w", binary, err)
}

// Args translates a step into the engine's flag syntax.
func Args(input, output string, step Step) ([]string, error) {
	if input == "" || output == "" {
		return nil, fmt.Errorf("codec: input and output paths are required")
	}

	base := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y"}

	switch step.Kind {
	case StepStatic:
		if step.Size <= 0 {
			return nil, fmt.Errorf("codec: static step needs a positive size")
		}
		args := append(base,
			"-i", input,
			"-vf", squareFilter(step.Size, 0),
			"-frames:v", "1",
			"-an",
			"-c:v", "libwebp",
			"-quality", strconv.Itoa(step.Quality),
			"-compression_level", "6",
			"-f", "webp",
			output,
		)
		return args, nil

	case StepNormalize:
		args := base
		if step.MaxDuration > 0 {
			args = append(args, "-t", formatSeconds(step.MaxDuration))
		}
		args = append(args,
			"-i", input,
			"-an",
			"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
			"-c:v", "libx264",
			"-profile:v", "baseline",
			"-pix_fmt", "yuv420p",
			"-preset", "veryfast",
			"-movflags", "+faststart",
			"-f", "mp4",
			output,
		)
		return args, nil

	case StepAnimated:
		if step.Size <= 0 || step.FPS <= 0 {
			return nil, fmt.Errorf("codec: animated step needs a positive size and fps")
		}
		if step.MaxDuration <= 0 {
			return nil, fmt.Errorf("codec: animated step needs a duration cap")
		}
		args := append(base,
			"-t", formatSeconds(step.MaxDuration),
			"-i", input,
			"-vf", squareFilter(step.Size, step.FPS),
			"-an",
			"-c:v", "libwebp",
			"-quality", strconv.Itoa(step.Quality),
			"-compression_level", "4",
			"-loop", "0",
			"-f", "webp",
			output,
		)
		return args, nil

	default:
		return nil, fmt.Errorf("codec: unknown step %q", step.Kind)
	}
}

// squareFilter scales to cover a size x size canvas and crops the centre.
func squareFilter(size, fps int) string {
	s := strconv.Itoa(size)
	filter := fmt.Sprintf("scale=%s:%s:force_original_aspect_ratio=increase:flags=lanczos,crop=%s:%s", s, s, s, s)
	if fps > 0 {
		filter = fmt.Sprintf("fps=%d,%s", fps, filter)
	}
	return filter
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func parseDuration(out string) (time.Duration, error) {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" || strings.EqualFold(line, "N/A") {
		return 0, fmt.Errorf("duration unavailable")
	}
	secs, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", line, err)
	}
	if secs < 0 {
		return 0, fmt.Errorf("negative duration %q", line)
	}
	return time.Duration(math.Round(secs * float64(time.Second))), nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
