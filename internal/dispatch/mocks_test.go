package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/vicentereig/whatsapp-stickerbot/internal/outbox"
	"github.com/vicentereig/whatsapp-stickerbot/internal/pipeline"
	"github.com/vicentereig/whatsapp-stickerbot/internal/store"
	"github.com/vicentereig/whatsapp-stickerbot/internal/types"
)

// MockDownloader implements Downloader for testing.
type MockDownloader struct {
	DownloadFunc func(ctx context.Context, att types.Attachment) ([]byte, error)
}

func (m *MockDownloader) Download(ctx context.Context, att types.Attachment) ([]byte, error) {
	if m.DownloadFunc != nil {
		return m.DownloadFunc(ctx, att)
	}
	return []byte("media"), nil
}

// MockConverter implements Converter for testing.
type MockConverter struct {
	ConvertFunc func(ctx context.Context, req types.MediaRequest) (pipeline.Result, error)

	mu    sync.Mutex
	calls []types.MediaRequest
}

func (m *MockConverter) Convert(ctx context.Context, req types.MediaRequest) (pipeline.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.ConvertFunc != nil {
		return m.ConvertFunc(ctx, req)
	}
	return pipeline.Result{ID: "cnv_test", Data: []byte("webp"), MimeType: pipeline.WebPMimeType, Size: 4}, nil
}

func (m *MockConverter) Calls() []types.MediaRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.MediaRequest(nil), m.calls...)
}

// MockOutbox implements Outbox and records everything handed to it.
type MockOutbox struct {
	EnqueueOrSendFunc func(ctx context.Context, p outbox.Pending) outbox.Outcome

	mu   sync.Mutex
	sent []outbox.Pending
}

func (m *MockOutbox) EnqueueOrSend(ctx context.Context, p outbox.Pending) outbox.Outcome {
	m.mu.Lock()
	m.sent = append(m.sent, p)
	m.mu.Unlock()
	if m.EnqueueOrSendFunc != nil {
		return m.EnqueueOrSendFunc(ctx, p)
	}
	return outbox.Sent
}

func (m *MockOutbox) Sent() []outbox.Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]outbox.Pending(nil), m.sent...)
}

func (m *MockOutbox) Texts() []string {
	var out []string
	for _, p := range m.Sent() {
		if p.Payload.Sticker == nil {
			out = append(out, p.Payload.Text)
		}
	}
	return out
}

// MockHistory implements History for testing.
type MockHistory struct {
	MarkProcessedFunc    func(id, chatJID string, at time.Time) (bool, error)
	StoreChatFunc        func(jid, name string, lastMessageTime time.Time) error
	RecordConversionFunc func(c store.Conversion) error

	mu          sync.Mutex
	conversions []store.Conversion
}

func (m *MockHistory) MarkProcessed(id, chatJID string, at time.Time) (bool, error) {
	if m.MarkProcessedFunc != nil {
		return m.MarkProcessedFunc(id, chatJID, at)
	}
	return true, nil
}

func (m *MockHistory) StoreChat(jid, name string, lastMessageTime time.Time) error {
	if m.StoreChatFunc != nil {
		return m.StoreChatFunc(jid, name, lastMessageTime)
	}
	return nil
}

func (m *MockHistory) RecordConversion(c store.Conversion) error {
	m.mu.Lock()
	m.conversions = append(m.conversions, c)
	m.mu.Unlock()
	if m.RecordConversionFunc != nil {
		return m.RecordConversionFunc(c)
	}
	return nil
}

func (m *MockHistory) Conversions() []store.Conversion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Conversion(nil), m.conversions...)
}
