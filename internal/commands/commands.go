package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/vicentereig/whatsapp-stickerbot/internal/codec"
	"github.com/vicentereig/whatsapp-stickerbot/internal/config"
	"github.com/vicentereig/whatsapp-stickerbot/internal/output"
	"github.com/vicentereig/whatsapp-stickerbot/internal/pipeline"
	"github.com/vicentereig/whatsapp-stickerbot/internal/store"
	"github.com/vicentereig/whatsapp-stickerbot/internal/types"
)

type App struct {
	cfg       *config.Config
	log       zerolog.Logger
	history   HistoryStore
	converter Converter
}

// NewApp opens the history database and builds the ffmpeg-backed pipeline.
func NewApp(cfg *config.Config, log zerolog.Logger) (*App, error) {
	if err := os.MkdirAll(cfg.StoreDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	st, err := store.NewHistoryStore(cfg.HistoryDBPath())
	if err != nil {
		return nil, err
	}

	ff := codec.New(cfg.FFmpegPath, cfg.FFprobePath, cfg.CodecTimeout, log)
	pipe := pipeline.New(ff, pipeline.OptionsFromConfig(cfg), log)

	return NewAppWithDeps(cfg, log, st, pipe), nil
}

// NewAppWithDeps builds an App from explicit dependencies.
func NewAppWithDeps(cfg *config.Config, log zerolog.Logger, history HistoryStore, converter Converter) *App {
	return &App{
		cfg:       cfg,
		log:       log,
		history:   history,
		converter: converter,
	}
}

func (a *App) Close() {
	if a.history != nil {
		a.history.Close()
	}
}

type ConvertParams struct {
	Input    string
	Output   string
	Animated bool
}

// Convert turns a local file into a sticker file without a WhatsApp session.
func (a *App) Convert(ctx context.Context, params ConvertParams) string {
	data, err := os.ReadFile(params.Input)
	if err != nil {
		return output.Error(fmt.Errorf("failed to read input: %w", err))
	}

	mt := mimetype.Detect(data).String()
	res, err := a.converter.Convert(ctx, types.MediaRequest{
		SourceID:      filepath.Base(params.Input),
		MimeType:      mt,
		Data:          data,
		Kind:          kindFor(mt),
		WantsAnimated: params.Animated,
	})
	if err != nil {
		return output.Error(err)
	}

	target := params.Output
	if target == "" {
		target = strings.TrimSuffix(params.Input, filepath.Ext(params.Input)) + ".webp"
	}
	if err := writeFileAtomic(target, res.Data); err != nil {
		return output.Error(err)
	}

	return output.Success(map[string]interface{}{
		"id":        res.ID,
		"input":     params.Input,
		"output":    target,
		"mime_type": mt,
		"animated":  res.Animated,
		"pass":      res.Pass,
		"size":      res.Size,
		"oversized": res.Oversized,
	})
}

func kindFor(mimeType string) types.Kind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return types.KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return types.KindVideo
	default:
		return types.KindDocument
	}
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sticker-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write sticker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move sticker into place: %w", err)
	}
	success = true
	return nil
}

type HistoryParams struct {
	ChatJID *string
	Outcome *string
	Since   time.Duration
	Limit   int
	Page    int
}

func (a *App) History(params HistoryParams) string {
	list := store.ListConversionsParams{
		ChatJID: params.ChatJID,
		Outcome: params.Outcome,
		Limit:   params.Limit,
		Page:    params.Page,
	}
	if params.Since > 0 {
		after := time.Now().Add(-params.Since)
		list.After = &after
	}

	conversions, err := a.history.ListConversions(list)
	if err != nil {
		return output.Error(err)
	}

	return output.Success(conversions)
}

func (a *App) Stats() string {
	stats, err := a.history.Stats()
	if err != nil {
		return output.Error(err)
	}

	return output.Success(stats)
}

func (a *App) ListChats(query *string, limit, page int) string {
	chats, err := a.history.ListChats(store.ListChatsParams{
		Query: query,
		Limit: limit,
		Page:  page,
	})
	if err != nil {
		return output.Error(err)
	}

	return output.Success(chats)
}

// Prune forgets processed message ids older than olderThan.
func (a *App) Prune(olderThan time.Duration) string {
	if olderThan <= 0 {
		return output.Error(fmt.Errorf("retention must be positive"))
	}
	removed, err := a.history.PruneProcessed(time.Now().Add(-olderThan))
	if err != nil {
		return output.Error(err)
	}

	return output.Success(map[string]interface{}{
		"pruned": removed,
	})
}

func (a *App) Version(version string) string {
	return output.Success(map[string]interface{}{
		"version": resolveVersion(version, gitDescribe),
	})
}

// resolveVersion prefers a version stamped at build time and falls back to
// git describe for local builds.
func resolveVersion(version string, describe func() (string, error)) string {
	if version != "" && version != "dev" {
		return version
	}
	described, err := describe()
	if err != nil {
		return "dev"
	}
	described = strings.TrimSpace(described)
	if described == "" {
		return "dev"
	}
	return described
}

func gitDescribe() (string, error) {
	out, err := exec.Command("git", "describe", "--tags", "--always", "--dirty").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
