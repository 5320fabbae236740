package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vicentereig/whatsapp-stickerbot/internal/outbox"
	"github.com/vicentereig/whatsapp-stickerbot/internal/pipeline"
	"github.com/vicentereig/whatsapp-stickerbot/internal/store"
	"github.com/vicentereig/whatsapp-stickerbot/internal/types"
)

const chat = "12345@s.whatsapp.net"

type fixture struct {
	downloader *MockDownloader
	converter  *MockConverter
	outbox     *MockOutbox
	history    *MockHistory
	dispatcher *Dispatcher
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		downloader: &MockDownloader{},
		converter:  &MockConverter{},
		outbox:     &MockOutbox{},
		history:    &MockHistory{},
	}
	if opts.Prefix == "" {
		opts.Prefix = "!"
	}
	f.dispatcher = New(f.downloader, f.converter, f.outbox, f.history, opts, zerolog.Nop())
	return f
}

func (f *fixture) handle(msg types.InboundMessage) {
	f.dispatcher.Handle(context.Background(), msg)
	f.dispatcher.Wait()
}

func textMsg(id, text string) types.InboundMessage {
	return types.InboundMessage{ID: id, ChatJID: chat, Sender: "12345", Text: text, Timestamp: time.Now()}
}

func mediaMsg(id, text, mimeType string, kind types.Kind) types.InboundMessage {
	msg := textMsg(id, text)
	msg.Media = &types.Attachment{Kind: kind, MimeType: mimeType}
	return msg
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		text   string
		want   Command
	}{
		{"ping", "!", "!ping", CommandPing},
		{"uppercase with spaces", "!", "  !PING  ", CommandPing},
		{"static short", "!", "!s", CommandStatic},
		{"static long", "!", "!sticker", CommandStatic},
		{"animated short", "!", "!sa", CommandAnimated},
		{"animated long", "!", "!sticker-animated", CommandAnimated},
		{"help", "!", "!help", CommandHelp},
		{"trailing words", "!", "!s please", CommandNone},
		{"ping with argument", "!", "!ping me", CommandNone},
		{"space after prefix", "!", "! s", CommandNone},
		{"missing prefix", "!", "ping", CommandNone},
		{"unknown", "!", "!foo", CommandNone},
		{"empty", "!", "", CommandNone},
		{"custom prefix", "/", "/sa", CommandAnimated},
		{"custom prefix rejects default", "/", "!sa", CommandNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCommand(tt.prefix, tt.text))
		})
	}
}

func TestFamilyOf(t *testing.T) {
	assert.Equal(t, familyStill, familyOf("image/jpeg"))
	assert.Equal(t, familyStill, familyOf("IMAGE/PNG"))
	assert.Equal(t, familyAnimatedImage, familyOf("image/gif"))
	assert.Equal(t, familyAnimatedImage, familyOf("image/webp"))
	assert.Equal(t, familyVideo, familyOf("video/mp4"))
	assert.Equal(t, familyVideo, familyOf("video/quicktime; codecs=avc1"))
	assert.Equal(t, familyUnknown, familyOf(""))
	assert.Equal(t, familyUnknown, familyOf("application/octet-stream"))
	assert.Equal(t, familyOther, familyOf("application/pdf"))
	assert.Equal(t, familyOther, familyOf("text/plain; charset=utf-8"))
}

func TestHandle_PingRepliesWithoutPipeline(t *testing.T) {
	f := newFixture(Options{})

	f.handle(textMsg("m1", "!ping"))

	assert.Equal(t, []string{pongReply}, f.outbox.Texts())
	assert.Empty(t, f.converter.Calls())
	sent := f.outbox.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, chat, sent[0].Destination)
	assert.Equal(t, "m1", sent[0].Options.ReplyTo)
}

func TestHandle_IgnoresOwnAndPlainMessages(t *testing.T) {
	f := newFixture(Options{})

	own := textMsg("m1", "!ping")
	own.IsFromMe = true
	f.handle(own)
	f.handle(textMsg("m2", "hello there"))
	f.handle(textMsg("m3", "!ping me"))

	assert.Empty(t, f.outbox.Sent())
}

func TestHandle_DuplicateMessageIgnored(t *testing.T) {
	f := newFixture(Options{})
	seen := map[string]bool{}
	f.history.MarkProcessedFunc = func(id, chatJID string, at time.Time) (bool, error) {
		if seen[id] {
			return false, nil
		}
		seen[id] = true
		return true, nil
	}

	f.handle(textMsg("m1", "!ping"))
	f.handle(textMsg("m1", "!ping"))

	assert.Len(t, f.outbox.Texts(), 1)
}

func TestHandle_HistoryErrorDoesNotBlock(t *testing.T) {
	f := newFixture(Options{})
	f.history.MarkProcessedFunc = func(id, chatJID string, at time.Time) (bool, error) {
		return false, errors.New("database is locked")
	}

	f.handle(textMsg("m1", "!ping"))

	assert.Equal(t, []string{pongReply}, f.outbox.Texts())
}

func TestHandle_GreetsFirstMessageOnce(t *testing.T) {
	f := newFixture(Options{Greet: true})

	f.handle(textMsg("m1", "hello"))
	f.handle(textMsg("m2", "!ping"))

	texts := f.outbox.Texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "!sa")
	assert.Equal(t, pongReply, texts[1])
}

func TestHandle_HelpAsFirstMessageIsNotDuplicated(t *testing.T) {
	f := newFixture(Options{Greet: true})

	f.handle(textMsg("m1", "!help"))

	texts := f.outbox.Texts()
	require.Len(t, texts, 1)
	assert.Equal(t, helpText("!"), texts[0])
}

func TestHandle_StaticStickerFromImage(t *testing.T) {
	// Given an image captioned with the static command
	f := newFixture(Options{})
	f.converter.ConvertFunc = func(ctx context.Context, req types.MediaRequest) (pipeline.Result, error) {
		return pipeline.Result{ID: "cnv_1", Data: []byte("webp"), MimeType: pipeline.WebPMimeType, Pass: 1, Size: 4}, nil
	}

	// When it is handled
	f.handle(mediaMsg("m1", "!s", "image/jpeg", types.KindImage))

	// Then exactly one sticker goes out as a reply
	sent := f.outbox.Sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Payload.Sticker)
	assert.Equal(t, []byte("webp"), sent[0].Payload.Sticker.Data)
	assert.Equal(t, "m1", sent[0].Options.ReplyTo)
	assert.Equal(t, "12345", sent[0].Options.ReplyToSender)

	calls := f.converter.Calls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].WantsAnimated)
	assert.Equal(t, "m1", calls[0].SourceID)
	assert.Equal(t, "image/jpeg", calls[0].MimeType)

	// And the outcome is recorded
	convs := f.history.Conversions()
	require.Len(t, convs, 1)
	assert.Equal(t, "cnv_1", convs[0].ID)
	assert.Equal(t, store.OutcomeAccepted, convs[0].Outcome)
	assert.Equal(t, 1, convs[0].Pass)
	assert.Equal(t, "static", convs[0].Flavour)
}

func TestHandle_UsesQuotedMedia(t *testing.T) {
	f := newFixture(Options{})
	msg := textMsg("m2", "!sa")
	msg.Quoted = &types.InboundMessage{
		ID:    "m1",
		Media: &types.Attachment{Kind: types.KindVideo, MimeType: "video/mp4"},
	}

	f.handle(msg)

	calls := f.converter.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].WantsAnimated)
	assert.Equal(t, types.KindVideo, calls[0].Kind)
	sent := f.outbox.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "m2", sent[0].Options.ReplyTo)
}

func TestHandle_OwnMediaWinsOverQuoted(t *testing.T) {
	f := newFixture(Options{})
	msg := mediaMsg("m2", "!s", "image/png", types.KindImage)
	msg.Quoted = &types.InboundMessage{
		ID:    "m1",
		Media: &types.Attachment{Kind: types.KindVideo, MimeType: "video/mp4"},
	}

	f.handle(msg)

	calls := f.converter.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "image/png", calls[0].MimeType)
}

func TestHandle_Guidance(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		mimeType string
		kind     types.Kind
		want     string
	}{
		{"no media static", "!s", "", "", noMediaReply("!", false)},
		{"no media animated", "!sa", "", "", noMediaReply("!", true)},
		{"video for static", "!s", "video/mp4", types.KindVideo, videoForStaticReply("!")},
		{"still for animated", "!sa", "image/jpeg", types.KindImage, stillForAnimatedReply("!")},
		{"unsupported document", "!s", "application/pdf", types.KindDocument, unsupportedReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(Options{})
			msg := textMsg("m1", tt.text)
			if tt.mimeType != "" {
				msg = mediaMsg("m1", tt.text, tt.mimeType, tt.kind)
			}

			f.handle(msg)

			assert.Equal(t, []string{tt.want}, f.outbox.Texts())
			assert.Empty(t, f.converter.Calls())
		})
	}
}

func TestHandle_GIFAllowedForBothFlavours(t *testing.T) {
	for _, cmd := range []string{"!s", "!sa"} {
		f := newFixture(Options{})
		f.handle(mediaMsg("m1", cmd, "image/gif", types.KindImage))
		assert.Len(t, f.converter.Calls(), 1, cmd)
	}
}

func TestHandle_DownloadFailureRepliesOnce(t *testing.T) {
	f := newFixture(Options{})
	f.downloader.DownloadFunc = func(ctx context.Context, att types.Attachment) ([]byte, error) {
		return nil, errors.New("media expired")
	}

	f.handle(mediaMsg("m1", "!s", "image/jpeg", types.KindImage))

	assert.Equal(t, []string{downloadReply}, f.outbox.Texts())
	assert.Empty(t, f.converter.Calls())
	convs := f.history.Conversions()
	require.Len(t, convs, 1)
	assert.Equal(t, store.OutcomeRejected, convs[0].Outcome)
	assert.Equal(t, string(pipeline.ReasonDownloadFailed), convs[0].Reason)
	assert.NotEmpty(t, convs[0].ID)
}

func TestHandle_SniffsGenericMime(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

	t.Run("detected image converts", func(t *testing.T) {
		f := newFixture(Options{})
		f.downloader.DownloadFunc = func(ctx context.Context, att types.Attachment) ([]byte, error) {
			return png, nil
		}

		f.handle(mediaMsg("m1", "!s", "application/octet-stream", types.KindDocument))

		calls := f.converter.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "image/png", calls[0].MimeType)
	})

	t.Run("detected still rejected for animated", func(t *testing.T) {
		f := newFixture(Options{})
		f.downloader.DownloadFunc = func(ctx context.Context, att types.Attachment) ([]byte, error) {
			return png, nil
		}

		f.handle(mediaMsg("m1", "!sa", "", types.KindDocument))

		assert.Equal(t, []string{stillForAnimatedReply("!")}, f.outbox.Texts())
		assert.Empty(t, f.converter.Calls())
	})

	t.Run("detected text is unsupported", func(t *testing.T) {
		f := newFixture(Options{})
		f.downloader.DownloadFunc = func(ctx context.Context, att types.Attachment) ([]byte, error) {
			return []byte("just some plain text"), nil
		}

		f.handle(mediaMsg("m1", "!s", "", types.KindDocument))

		assert.Equal(t, []string{unsupportedReply}, f.outbox.Texts())
		convs := f.history.Conversions()
		require.Len(t, convs, 1)
		assert.Equal(t, string(pipeline.ReasonUnsupportedType), convs[0].Reason)
	})
}

func TestHandle_FailureReplies(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		animated bool
		contains string
	}{
		{"duration", &pipeline.Error{Reason: pipeline.ReasonDurationExceeded, Duration: 15 * time.Second, Limit: 10 * time.Second}, true, "15.0s"},
		{"probe", &pipeline.Error{Reason: pipeline.ReasonProbeFailed}, true, "length"},
		{"size", &pipeline.Error{Reason: pipeline.ReasonSizeUnattainable, Size: 2 << 20, Ceiling: 1 << 20}, true, "too large"},
		{"encode animated", &pipeline.Error{Reason: pipeline.ReasonEncodeFailed}, true, "animated sticker"},
		{"encode static", &pipeline.Error{Reason: pipeline.ReasonEncodeFailed}, false, "static sticker"},
		{"untyped", errors.New("boom"), false, internalReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(Options{})
			f.converter.ConvertFunc = func(ctx context.Context, req types.MediaRequest) (pipeline.Result, error) {
				return pipeline.Result{ID: "cnv_failed"}, tt.err
			}
			cmd, mimeType := "!s", "image/jpeg"
			if tt.animated {
				cmd, mimeType = "!sa", "video/mp4"
			}

			f.handle(mediaMsg("m1", cmd, mimeType, types.KindVideo))

			texts := f.outbox.Texts()
			require.Len(t, texts, 1)
			assert.Contains(t, texts[0], tt.contains)
			for _, p := range f.outbox.Sent() {
				assert.Nil(t, p.Payload.Sticker)
			}
			convs := f.history.Conversions()
			require.Len(t, convs, 1)
			assert.Equal(t, "cnv_failed", convs[0].ID)
			assert.Equal(t, store.OutcomeRejected, convs[0].Outcome)
		})
	}
}

func TestHandle_PanicInConversionRepliesOnce(t *testing.T) {
	f := newFixture(Options{})
	f.converter.ConvertFunc = func(ctx context.Context, req types.MediaRequest) (pipeline.Result, error) {
		panic("codec exploded")
	}

	f.handle(mediaMsg("m1", "!s", "image/jpeg", types.KindImage))

	assert.Equal(t, []string{internalReply}, f.outbox.Texts())
	convs := f.history.Conversions()
	require.Len(t, convs, 1)
	assert.Equal(t, string(pipeline.ReasonEncodeFailed), convs[0].Reason)
}

func TestHandle_BoundsConcurrentConversions(t *testing.T) {
	f := newFixture(Options{MaxConcurrent: 2})
	var running, peak int32
	release := make(chan struct{})
	f.converter.ConvertFunc = func(ctx context.Context, req types.MediaRequest) (pipeline.Result, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return pipeline.Result{ID: req.SourceID, Data: []byte("webp")}, nil
	}

	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		f.dispatcher.Handle(context.Background(), mediaMsg(id, "!s", "image/jpeg", types.KindImage))
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	f.dispatcher.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
	assert.Len(t, f.outbox.Sent(), 5)
}

func TestHandle_QueuedWhileNotReady(t *testing.T) {
	f := newFixture(Options{})
	f.outbox.EnqueueOrSendFunc = func(ctx context.Context, p outbox.Pending) outbox.Outcome {
		return outbox.Queued
	}

	f.handle(mediaMsg("m1", "!s", "image/jpeg", types.KindImage))

	require.Len(t, f.outbox.Sent(), 1)
	convs := f.history.Conversions()
	require.Len(t, convs, 1)
	assert.Equal(t, store.OutcomeAccepted, convs[0].Outcome)
}

func TestHandle_CancelledContextAbandonsQueuedWork(t *testing.T) {
	f := newFixture(Options{MaxConcurrent: 1})
	block := make(chan struct{})
	f.converter.ConvertFunc = func(ctx context.Context, req types.MediaRequest) (pipeline.Result, error) {
		<-block
		return pipeline.Result{ID: req.SourceID, Data: []byte("webp")}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())

	f.dispatcher.Handle(ctx, mediaMsg("m1", "!s", "image/jpeg", types.KindImage))
	require.Eventually(t, func() bool { return len(f.converter.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	f.dispatcher.Handle(ctx, mediaMsg("m2", "!s", "image/jpeg", types.KindImage))
	cancel()
	close(block)
	f.dispatcher.Wait()

	assert.Len(t, f.converter.Calls(), 1)
}

func TestNew_NilHistory(t *testing.T) {
	out := &MockOutbox{}
	d := New(&MockDownloader{}, &MockConverter{}, out, nil, Options{Prefix: "!"}, zerolog.Nop())

	d.Handle(context.Background(), mediaMsg("m1", "!s", "image/jpeg", types.KindImage))
	d.Wait()

	assert.Len(t, out.Sent(), 1)
}
