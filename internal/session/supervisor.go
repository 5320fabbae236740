package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/vicentereig/whatsapp-stickerbot/internal/metrics"
)

// Signal is a lifecycle event emitted by a transport.
type Signal struct {
	Event  Event
	// Code is the pairing code for EventCredentialAvailable.
	Code   string
	// Reason describes a disconnect or auth failure.
	Reason string

	generation uint64
}

// Transport is one live messaging session. A transport is started once and
// torn down once; recovery always builds a new one.
type Transport interface {
	Start(ctx context.Context, emit func(Signal)) error
	SendPresence(ctx context.Context) error
	Teardown() error
}

// TransportFactory builds a fresh, unstarted transport.
type TransportFactory func(ctx context.Context) (Transport, error)

// Outbox is marked ready on entry to Ready and closed on leaving it. Both
// happen on the supervisor goroutine; only the flush runs in the background.
type Outbox interface {
	MarkReady(ctx context.Context) bool
	Flush()
	Close()
}

// CredentialDisplay renders pairing codes.
type CredentialDisplay interface {
	Show(code string)
	Clear()
}

type Config struct {
	KeepAliveInterval       time.Duration
	RecoveryInitialInterval time.Duration
	RecoveryMaxInterval     time.Duration
}

// Supervisor applies transport signals to the state machine from a single
// goroutine and rebuilds the transport after every fault.
type Supervisor struct {
	machine   *Machine
	factory   TransportFactory
	outbox    Outbox
	display   CredentialDisplay
	heartbeat *Heartbeat
	cfg       Config
	log       zerolog.Logger

	signals chan Signal

	mu          sync.RWMutex
	current     Transport
	generation  uint64
	observers   []func(Transition)
	readyCtx    context.Context
	readyCancel context.CancelFunc
}

func NewSupervisor(factory TransportFactory, outbox Outbox, display CredentialDisplay, cfg Config, log zerolog.Logger) *Supervisor {
	if cfg.RecoveryInitialInterval <= 0 {
		cfg.RecoveryInitialInterval = 2 * time.Second
	}
	if cfg.RecoveryMaxInterval <= 0 {
		cfg.RecoveryMaxInterval = time.Minute
	}
	log = log.With().Str("component", "session").Logger()
	return &Supervisor{
		machine:   NewMachine(),
		factory:   factory,
		outbox:    outbox,
		display:   display,
		heartbeat: NewHeartbeat(cfg.KeepAliveInterval, log),
		cfg:       cfg,
		log:       log,
		signals:   make(chan Signal, 64),
	}
}

func (s *Supervisor) Machine() *Machine { return s.machine }

// Current returns the live transport, or nil between teardown and rebuild.
func (s *Supervisor) Current() Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnTransition registers fn to be called after every applied transition.
// Observers run on the supervisor goroutine and must not block.
func (s *Supervisor) OnTransition(fn func(Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Run starts the first transport and processes signals until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.shutdown()

	if err := s.startTransport(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-s.signals:
			if sig.generation != s.currentGeneration() {
				s.log.Debug().Str("event", sig.Event.String()).Msg("ignoring signal from stale transport")
				continue
			}
			s.apply(ctx, sig)
		}
	}
}

func (s *Supervisor) apply(ctx context.Context, sig Signal) {
	tr, err := s.machine.Fire(sig.Event)
	if err != nil {
		s.log.Debug().Err(err).Msg("signal ignored")
		return
	}

	ev := s.log.Info()
	if tr.From == tr.To {
		ev = s.log.Debug()
	}
	ev.Str("from", tr.From.String()).Str("to", tr.To.String()).Str("event", sig.Event.String()).Str("reason", sig.Reason).Msg("session transition")
	metrics.RecordTransition(tr.From.String(), tr.To.String())

	if tr.Left(Ready) {
		s.leaveReady()
	}
	if sig.Event == EventCredentialAvailable && sig.Code != "" && s.display != nil {
		s.display.Show(sig.Code)
	}
	if tr.Entered(Ready) {
		s.enterReady(ctx)
	}

	s.notify(tr)

	if tr.To.Faulted() {
		s.recover(ctx, sig.Reason)
	}
}

func (s *Supervisor) enterReady(ctx context.Context) {
	if s.display != nil {
		s.display.Clear()
	}

	readyCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.readyCtx, s.readyCancel = readyCtx, cancel
	current := s.current
	s.mu.Unlock()

	if s.outbox.MarkReady(readyCtx) {
		go s.outbox.Flush()
	}

	if current != nil {
		s.heartbeat.Start(readyCtx, current.SendPresence)
	}
}

func (s *Supervisor) leaveReady() {
	s.outbox.Close()
	s.heartbeat.Stop()

	s.mu.Lock()
	if s.readyCancel != nil {
		s.readyCancel()
	}
	s.readyCtx, s.readyCancel = nil, nil
	s.mu.Unlock()
}

// recover discards the faulted transport and builds a new one.
func (s *Supervisor) recover(ctx context.Context, reason string) {
	s.heartbeat.Stop()
	s.teardownCurrent()
	// codes from the discarded transport can no longer be paired
	if s.display != nil {
		s.display.Clear()
	}

	tr, err := s.machine.Fire(EventRecover)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to reset session state")
		return
	}
	metrics.RecordTransition(tr.From.String(), tr.To.String())
	s.log.Info().Str("reason", reason).Msg("session reset, reinitializing transport")
	s.notify(tr)

	if err := s.startTransport(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Msg("session recovery gave up")
	}
}

// startTransport builds and starts a transport, retrying with exponential
// backoff until it succeeds or ctx is done.
func (s *Supervisor) startTransport(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RecoveryInitialInterval
	b.MaxInterval = s.cfg.RecoveryMaxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		t, err := s.factory(ctx)
		if err != nil {
			metrics.RecordRecovery("factory_error")
			return fmt.Errorf("build transport: %w", err)
		}

		s.mu.Lock()
		s.generation++
		gen := s.generation
		s.current = t
		s.mu.Unlock()

		if err := t.Start(ctx, s.emitter(ctx, gen)); err != nil {
			metrics.RecordRecovery("start_error")
			s.teardownCurrent()
			return fmt.Errorf("start transport: %w", err)
		}
		metrics.RecordRecovery("ok")
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("transport start failed")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *Supervisor) emitter(ctx context.Context, gen uint64) func(Signal) {
	return func(sig Signal) {
		sig.generation = gen
		select {
		case s.signals <- sig:
		case <-ctx.Done():
		}
	}
}

func (s *Supervisor) currentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return 0
	}
	return s.generation
}

// teardownCurrent discards the live transport. Teardown errors are logged.
func (s *Supervisor) teardownCurrent() {
	s.mu.Lock()
	t := s.current
	s.current = nil
	s.mu.Unlock()

	if t == nil {
		return
	}
	if err := t.Teardown(); err != nil {
		s.log.Warn().Err(err).Msg("transport teardown failed")
	}
}

func (s *Supervisor) notify(tr Transition) {
	s.mu.RLock()
	observers := append([]func(Transition){}, s.observers...)
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(tr)
	}
}

func (s *Supervisor) shutdown() {
	if s.machine.IsReady() {
		s.leaveReady()
	}
	s.heartbeat.Stop()
	s.teardownCurrent()
	if s.display != nil {
		s.display.Clear()
	}
}
