// Package outbox buffers outbound messages while the session is not ready
// and delivers them in enqueue order once it is.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vicentereig/whatsapp-stickerbot/internal/metrics"
	"github.com/vicentereig/whatsapp-stickerbot/internal/types"
)

// Sender delivers one message over the live transport.
type Sender interface {
	Send(ctx context.Context, destination string, payload types.Payload, opts types.SendOptions) error
}

// Pending is a send requested while the session was not ready.
type Pending struct {
	Destination string
	Payload     types.Payload
	Options     types.SendOptions
	EnqueuedAt  time.Time
}

// Outcome reports what EnqueueOrSend did with a message.
type Outcome int

const (
	Sent Outcome = iota
	Queued
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Queue is the outbound delivery queue. While a flush is running new
// messages are appended behind the entries being flushed, never sent ahead
// of them.
type Queue struct {
	sender Sender
	log    zerolog.Logger

	mu       sync.Mutex
	pending  []Pending
	ready    bool
	flushing bool
	// ctx belongs to the current ready period; flushes send under it.
	ctx context.Context
}

func New(sender Sender, log zerolog.Logger) *Queue {
	return &Queue{
		sender: sender,
		log:    log.With().Str("component", "outbox").Logger(),
	}
}

// EnqueueOrSend sends p immediately when the queue is open and idle,
// otherwise appends it. A failed immediate send is logged and dropped.
func (q *Queue) EnqueueOrSend(ctx context.Context, p Pending) Outcome {
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if !q.ready || q.flushing {
		q.pending = append(q.pending, p)
		n := len(q.pending)
		q.mu.Unlock()
		metrics.SetPending(n)
		q.log.Debug().Str("to", p.Destination).Int("pending", n).Msg("session not ready, message queued")
		return Queued
	}
	q.mu.Unlock()

	if err := q.sender.Send(ctx, p.Destination, p.Payload, p.Options); err != nil {
		metrics.RecordSend("dropped")
		q.log.Warn().Err(err).Str("to", p.Destination).Msg("send failed, message dropped")
		return Dropped
	}
	metrics.RecordSend("sent")
	return Sent
}

// Open marks the session ready and flushes everything queued so far in
// FIFO order. It returns once the queue has been drained or closed again.
func (q *Queue) Open(ctx context.Context) {
	if q.MarkReady(ctx) {
		q.Flush()
	}
}

// MarkReady opens the queue for the ready period bounded by ctx. It reports
// whether the caller must run Flush; it returns false when ctx is already
// done or when a running flush will carry on under ctx.
func (q *Queue) MarkReady(ctx context.Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	q.ready = true
	q.ctx = ctx
	if q.flushing {
		return false
	}
	q.flushing = true
	return true
}

// Flush delivers queued messages until the queue is empty, closed, or its
// ready period ends. Only the caller that got true from MarkReady runs it.
func (q *Queue) Flush() {
	sent, dropped := 0, 0
	defer func() {
		if sent+dropped > 0 {
			q.log.Info().Int("sent", sent).Int("dropped", dropped).Msg("outbox flushed")
		}
	}()

	for {
		q.mu.Lock()
		if !q.ready || len(q.pending) == 0 {
			q.flushing = false
			n := len(q.pending)
			q.mu.Unlock()
			metrics.SetPending(n)
			return
		}
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for i, p := range batch {
			q.mu.Lock()
			ctx := q.ctx
			if !q.ready || ctx.Err() != nil {
				if ctx.Err() != nil {
					q.ready = false
				}
				q.pending = append(append([]Pending(nil), batch[i:]...), q.pending...)
				q.flushing = false
				n := len(q.pending)
				q.mu.Unlock()
				metrics.SetPending(n)
				q.log.Info().Int("pending", n).Msg("flush interrupted, messages requeued")
				return
			}
			q.mu.Unlock()

			if err := q.sender.Send(ctx, p.Destination, p.Payload, p.Options); err != nil {
				dropped++
				metrics.RecordSend("dropped")
				q.log.Warn().Err(err).Str("to", p.Destination).Msg("queued send failed, message dropped")
				continue
			}
			sent++
			metrics.RecordSend("sent")
		}
	}
}

// Close marks the session not ready. A running flush stops before its next
// send and puts the remaining entries back at the front.
func (q *Queue) Close() {
	q.mu.Lock()
	q.ready = false
	q.mu.Unlock()
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsOpen reports whether sends go straight to the transport.
func (q *Queue) IsOpen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}
