package commands

import (
	"context"
	"time"

	"github.com/vicentereig/whatsapp-stickerbot/internal/pipeline"
	"github.com/vicentereig/whatsapp-stickerbot/internal/store"
	"github.com/vicentereig/whatsapp-stickerbot/internal/types"
)

// MockHistoryStore implements HistoryStore for testing.
type MockHistoryStore struct {
	MarkProcessedFunc    func(id, chatJID string, at time.Time) (bool, error)
	PruneProcessedFunc   func(cutoff time.Time) (int64, error)
	StoreChatFunc        func(jid, name string, lastMessageTime time.Time) error
	RecordConversionFunc func(c store.Conversion) error
	ListConversionsFunc  func(params store.ListConversionsParams) ([]store.Conversion, error)
	ListChatsFunc        func(params store.ListChatsParams) ([]store.Chat, error)
	StatsFunc            func() (store.Stats, error)
	CloseFunc            func() error
}

func (m *MockHistoryStore) MarkProcessed(id, chatJID string, at time.Time) (bool, error) {
	if m.MarkProcessedFunc != nil {
		return m.MarkProcessedFunc(id, chatJID, at)
	}
	return true, nil
}

func (m *MockHistoryStore) PruneProcessed(cutoff time.Time) (int64, error) {
	if m.PruneProcessedFunc != nil {
		return m.PruneProcessedFunc(cutoff)
	}
	return 0, nil
}

func (m *MockHistoryStore) StoreChat(jid, name string, lastMessageTime time.Time) error {
	if m.StoreChatFunc != nil {
		return m.StoreChatFunc(jid, name, lastMessageTime)
	}
	return nil
}

func (m *MockHistoryStore) RecordConversion(c store.Conversion) error {
	if m.RecordConversionFunc != nil {
		return m.RecordConversionFunc(c)
	}
	return nil
}

func (m *MockHistoryStore) ListConversions(params store.ListConversionsParams) ([]store.Conversion, error) {
	if m.ListConversionsFunc != nil {
		return m.ListConversionsFunc(params)
	}
	return nil, nil
}

func (m *MockHistoryStore) ListChats(params store.ListChatsParams) ([]store.Chat, error) {
	if m.ListChatsFunc != nil {
		return m.ListChatsFunc(params)
	}
	return nil, nil
}

func (m *MockHistoryStore) Stats() (store.Stats, error) {
	if m.StatsFunc != nil {
		return m.StatsFunc()
	}
	return store.Stats{}, nil
}

func (m *MockHistoryStore) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// MockConverter implements Converter for testing.
type MockConverter struct {
	ConvertFunc func(ctx context.Context, req types.MediaRequest) (pipeline.Result, error)
}

func (m *MockConverter) Convert(ctx context.Context, req types.MediaRequest) (pipeline.Result, error) {
	if m.ConvertFunc != nil {
		return m.ConvertFunc(ctx, req)
	}
	return pipeline.Result{ID: "cnv_mock", Data: []byte("RIFF....WEBP"), MimeType: pipeline.WebPMimeType, Size: 12}, nil
}
