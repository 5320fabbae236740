package session

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Heartbeat periodically signals liveness. At most one schedule runs at a
// time and Stop returns only after any in-flight beat has finished.
type Heartbeat struct {
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

func NewHeartbeat(interval time.Duration, log zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		interval: interval,
		log:      log.With().Str("component", "heartbeat").Logger(),
	}
}

// Start schedules beat every interval. A non-positive interval disables the
// heartbeat.
func (h *Heartbeat) Start(parent context.Context, beat func(context.Context) error) {
	h.Stop()
	if h.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	c := cron.New(
		cron.WithLogger(cronLogger{h.log}),
		cron.WithChain(cron.Recover(cronLogger{h.log}), cron.SkipIfStillRunning(cronLogger{h.log})),
	)
	c.Schedule(cron.Every(h.interval), cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		beatCtx, done := context.WithTimeout(ctx, 10*time.Second)
		defer done()
		if err := beat(beatCtx); err != nil {
			h.log.Warn().Err(err).Msg("heartbeat failed")
			return
		}
		h.log.Debug().Msg("heartbeat sent")
	}))

	h.mu.Lock()
	h.cron = c
	h.cancel = cancel
	h.mu.Unlock()

	c.Start()
	h.log.Debug().Dur("interval", h.interval).Msg("heartbeat started")
}

// Stop cancels the schedule. It is safe to call when nothing is running.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	c, cancel := h.cron, h.cancel
	h.cron, h.cancel = nil, nil
	h.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	h.log.Debug().Msg("heartbeat stopped")
}

// Running reports whether a schedule is active.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cron != nil
}

// cronLogger routes cron's internal logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
