// Package commands provides the CLI command implementations.
//
// # Dependency Injection
//
// The interfaces below define the dependencies of App, enabling testability
// through mock injection. Types are shared via internal/types to avoid
// circular dependencies.
//
// Usage:
//   - Production: Use NewApp() which creates concrete implementations
//   - Testing: Use NewAppWithDeps() to inject mocks
package commands

import (
	"context"
	"time"

	"github.com/vicentereig/whatsapp-stickerbot/internal/pipeline"
	"github.com/vicentereig/whatsapp-stickerbot/internal/store"
	"github.com/vicentereig/whatsapp-stickerbot/internal/types"
)

// HistoryStore defines the interface for conversion history persistence.
// The concrete implementation is store.HistoryStore.
type HistoryStore interface {
	MarkProcessed(id, chatJID string, at time.Time) (bool, error)
	PruneProcessed(cutoff time.Time) (int64, error)
	StoreChat(jid, name string, lastMessageTime time.Time) error
	RecordConversion(c store.Conversion) error
	ListConversions(params store.ListConversionsParams) ([]store.Conversion, error)
	ListChats(params store.ListChatsParams) ([]store.Chat, error)
	Stats() (store.Stats, error)
	Close() error
}

// Converter defines the sticker conversion pipeline.
// The concrete implementation is pipeline.Pipeline.
type Converter interface {
	Convert(ctx context.Context, req types.MediaRequest) (pipeline.Result, error)
}
