package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vicentereig/whatsapp-stickerbot/internal/types"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	// onSend runs before a message is recorded; a non-nil error fails the send.
	onSend func(text string) error
}

func (r *recordingSender) Send(ctx context.Context, destination string, payload types.Payload, opts types.SendOptions) error {
	if r.onSend != nil {
		if err := r.onSend(payload.Text); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, payload.Text)
	return nil
}

func (r *recordingSender) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func text(s string) Pending {
	return Pending{Destination: "123@s.whatsapp.net", Payload: types.Payload{Text: s}}
}

func TestEnqueueWhileNotReadyThenFlushInOrder(t *testing.T) {
	sender := &recordingSender{}
	q := New(sender, zerolog.Nop())
	ctx := context.Background()

	// Given three sends while the session is down
	for _, s := range []string{"one", "two", "three"} {
		assert.Equal(t, Queued, q.EnqueueOrSend(ctx, text(s)))
	}
	assert.Equal(t, 3, q.Len())
	assert.Empty(t, sender.Sent())

	// When the session becomes ready
	q.Open(ctx)

	// Then all three go out once, in order, before later sends
	assert.Equal(t, Sent, q.EnqueueOrSend(ctx, text("four")))
	assert.Equal(t, []string{"one", "two", "three", "four"}, sender.Sent())
	assert.Zero(t, q.Len())
}

func TestEnqueueOrSendWhenReadySendsImmediately(t *testing.T) {
	sender := &recordingSender{}
	q := New(sender, zerolog.Nop())
	q.Open(context.Background())

	assert.True(t, q.IsOpen())
	assert.Equal(t, Sent, q.EnqueueOrSend(context.Background(), text("hi")))
	assert.Equal(t, []string{"hi"}, sender.Sent())
}

func TestImmediateSendFailureIsDroppedNotQueued(t *testing.T) {
	sender := &recordingSender{onSend: func(string) error { return errors.New("socket closed") }}
	q := New(sender, zerolog.Nop())
	q.Open(context.Background())

	assert.Equal(t, Dropped, q.EnqueueOrSend(context.Background(), text("lost")))
	assert.Zero(t, q.Len())
}

func TestFlushDropsFailedEntryAndContinues(t *testing.T) {
	sender := &recordingSender{onSend: func(s string) error {
		if s == "bad" {
			return errors.New("upload failed")
		}
		return nil
	}}
	q := New(sender, zerolog.Nop())
	ctx := context.Background()

	q.EnqueueOrSend(ctx, text("a"))
	q.EnqueueOrSend(ctx, text("bad"))
	q.EnqueueOrSend(ctx, text("b"))
	q.Open(ctx)

	assert.Equal(t, []string{"a", "b"}, sender.Sent())
	assert.Zero(t, q.Len())
}

func TestSendDuringFlushIsAppendedBehindOlderEntries(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	sender := &recordingSender{onSend: func(s string) error {
		if s == "a" {
			once.Do(func() { close(started) })
			<-release
		}
		return nil
	}}
	q := New(sender, zerolog.Nop())
	ctx := context.Background()

	q.EnqueueOrSend(ctx, text("a"))
	q.EnqueueOrSend(ctx, text("b"))

	done := make(chan struct{})
	go func() {
		q.Open(ctx)
		close(done)
	}()

	// While the flush is blocked on "a", a new send arrives
	<-started
	assert.Equal(t, Queued, q.EnqueueOrSend(ctx, text("late")))
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not finish")
	}
	assert.Equal(t, []string{"a", "b", "late"}, sender.Sent())
	assert.Zero(t, q.Len())
}

func TestCloseDuringFlushRequeuesRemainder(t *testing.T) {
	var q *Queue
	sender := &recordingSender{onSend: func(s string) error {
		if s == "a" {
			q.Close()
		}
		return nil
	}}
	q = New(sender, zerolog.Nop())
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c"} {
		q.EnqueueOrSend(ctx, text(s))
	}

	// When the session drops after the first flushed send
	q.Open(ctx)

	// Then the rest stays queued in order
	require.Equal(t, []string{"a"}, sender.Sent())
	assert.Equal(t, 2, q.Len())
	assert.False(t, q.IsOpen())

	q.EnqueueOrSend(ctx, text("d"))

	// And the next ready delivers each remaining message exactly once
	sender.onSend = nil
	q.Open(ctx)
	assert.Equal(t, []string{"a", "b", "c", "d"}, sender.Sent())
}

func TestCancelledContextStopsFlush(t *testing.T) {
	sender := &recordingSender{}
	q := New(sender, zerolog.Nop())
	q.EnqueueOrSend(context.Background(), text("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Open(ctx)

	assert.Empty(t, sender.Sent())
	assert.Equal(t, 1, q.Len())
	assert.False(t, q.IsOpen(), "a finished ready period must not open the queue")
	assert.False(t, q.MarkReady(ctx))
	assert.Equal(t, Queued, q.EnqueueOrSend(context.Background(), text("b")))
}

func TestCloseBeforeFlushStartsKeepsQueueClosed(t *testing.T) {
	sender := &recordingSender{}
	q := New(sender, zerolog.Nop())
	ctx := context.Background()
	q.EnqueueOrSend(ctx, text("a"))

	// Given a ready period that ends before its flush gets scheduled
	require.True(t, q.MarkReady(ctx))
	q.Close()
	q.Flush()

	// Then nothing is sent and later sends are still buffered
	assert.Empty(t, sender.Sent())
	assert.False(t, q.IsOpen())
	assert.Equal(t, Queued, q.EnqueueOrSend(ctx, text("b")))
	assert.Equal(t, 2, q.Len())
}

func TestMarkReadyHandsNewPeriodToRunningFlush(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	sender := &recordingSender{onSend: func(s string) error {
		if s == "a" {
			once.Do(func() { close(started) })
			<-release
		}
		return nil
	}}
	q := New(sender, zerolog.Nop())
	q.EnqueueOrSend(context.Background(), text("a"))
	q.EnqueueOrSend(context.Background(), text("b"))

	first, cancelFirst := context.WithCancel(context.Background())
	require.True(t, q.MarkReady(first))
	done := make(chan struct{})
	go func() {
		q.Flush()
		close(done)
	}()

	// While "a" is in flight the session drops and comes back
	<-started
	q.Close()
	cancelFirst()
	assert.False(t, q.MarkReady(context.Background()), "running flush should carry on")
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not finish")
	}
	assert.Equal(t, []string{"a", "b"}, sender.Sent())
	assert.Zero(t, q.Len())
	assert.True(t, q.IsOpen())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "sent", Sent.String())
	assert.Equal(t, "queued", Queued.String())
	assert.Equal(t, "dropped", Dropped.String())
}
