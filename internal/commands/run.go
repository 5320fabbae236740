package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/vicentereig/whatsapp-stickerbot/internal/client"
	"github.com/vicentereig/whatsapp-stickerbot/internal/credential"
	"github.com/vicentereig/whatsapp-stickerbot/internal/dispatch"
	"github.com/vicentereig/whatsapp-stickerbot/internal/httpserver"
	"github.com/vicentereig/whatsapp-stickerbot/internal/output"
	"github.com/vicentereig/whatsapp-stickerbot/internal/outbox"
	"github.com/vicentereig/whatsapp-stickerbot/internal/session"
	"github.com/vicentereig/whatsapp-stickerbot/internal/types"
)

// Run starts the sticker bot and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) string {
	container, err := client.OpenDeviceStore(ctx, a.cfg.DeviceDBPath(), a.log)
	if err != nil {
		return output.Error(err)
	}

	g, gctx := errgroup.WithContext(ctx)

	live := &liveTransport{}
	queue := outbox.New(live, a.log)
	disp := dispatch.New(live, a.converter, queue, a.history, dispatch.Options{
		Prefix:        a.cfg.CommandPrefix,
		Greet:         a.cfg.GreetNewChats,
		MaxConcurrent: a.cfg.MaxConcurrentConversions,
	}, a.log)

	holder := credential.NewHolder()
	displays := credential.Multi{holder}
	if a.cfg.TerminalQR {
		displays = append(displays, credential.NewTerminal(os.Stderr))
	}

	factory := func(fctx context.Context) (session.Transport, error) {
		t, err := client.New(fctx, container, client.Options{MaxDownloadBytes: a.cfg.MaxDownloadBytes}, a.log, func(msg types.InboundMessage) {
			disp.Handle(gctx, msg)
		})
		if err != nil {
			return nil, err
		}
		live.set(t)
		return t, nil
	}

	supervisor := session.NewSupervisor(factory, queue, displays, session.Config{
		KeepAliveInterval:       a.cfg.KeepAliveInterval,
		RecoveryInitialInterval: a.cfg.RecoveryInitialInterval,
		RecoveryMaxInterval:     a.cfg.RecoveryMaxInterval,
	}, a.log)
	supervisor.OnTransition(statusPrinter(os.Stderr))

	stopPrune := a.schedulePrune()
	defer stopPrune()

	fmt.Fprintln(os.Stderr, "🚀 Starting sticker bot...")
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	if a.cfg.HTTPEnabled {
		server := httpserver.New(a.cfg.HTTPAddr, a.cfg.ShutdownTimeout, supervisor.Machine(), holder, a.log)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	err = g.Wait()
	disp.Wait()
	if err != nil {
		return output.Error(err)
	}

	fmt.Fprintln(os.Stderr, "\n✓ Sticker bot stopped")
	return output.Success(map[string]interface{}{
		"stopped": true,
		"unsent":  queue.Len(),
	})
}

// schedulePrune forgets old processed message ids once a day.
func (a *App) schedulePrune() func() {
	if a.cfg.ProcessedRetention <= 0 {
		return func() {}
	}
	log := a.log.With().Str("component", "prune").Logger()
	c := cron.New()
	_, err := c.AddFunc("@daily", func() {
		removed, err := a.history.PruneProcessed(time.Now().Add(-a.cfg.ProcessedRetention))
		if err != nil {
			log.Warn().Err(err).Msg("failed to prune processed messages")
			return
		}
		log.Info().Int64("removed", removed).Msg("pruned processed messages")
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to schedule prune")
		return func() {}
	}
	c.Start()
	return func() { <-c.Stop().Done() }
}

func statusPrinter(w io.Writer) func(session.Transition) {
	return func(tr session.Transition) {
		switch {
		case tr.Entered(session.Ready):
			fmt.Fprintln(w, "✓ Connected to WhatsApp")
			fmt.Fprintln(w, "🔄 Listening for sticker requests... (Press Ctrl+C to stop)")
		case tr.Entered(session.Disconnected):
			fmt.Fprintln(w, "⚠ Disconnected from WhatsApp, reconnecting...")
		case tr.Entered(session.AuthFailed):
			fmt.Fprintln(w, "⚠ WhatsApp session rejected, starting over...")
		}
	}
}

// Auth pairs the device and returns once the session is ready.
func (a *App) Auth(ctx context.Context) string {
	container, err := client.OpenDeviceStore(ctx, a.cfg.DeviceDBPath(), a.log)
	if err != nil {
		return output.Error(err)
	}
	transport, err := client.New(ctx, container, client.Options{}, a.log, nil)
	if err != nil {
		return output.Error(err)
	}

	if transport.IsAuthenticated() {
		return output.Success(map[string]interface{}{
			"authenticated": true,
			"message":       "Already authenticated",
		})
	}

	if err := pair(ctx, transport, credential.NewTerminal(os.Stderr)); err != nil {
		return output.Error(err)
	}

	return output.Success(map[string]interface{}{
		"authenticated": true,
		"message":       "Successfully authenticated",
	})
}

// pair starts t and waits for the first terminal signal.
func pair(ctx context.Context, t session.Transport, display credential.Display) error {
	done := make(chan error, 1)
	report := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	err := t.Start(ctx, func(sig session.Signal) {
		switch sig.Event {
		case session.EventCredentialAvailable:
			display.Show(sig.Code)
		case session.EventReady:
			display.Clear()
			report(nil)
		case session.EventAuthFailed:
			report(fmt.Errorf("authentication failed: %s", sig.Reason))
		}
	})
	defer t.Teardown()
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("authentication timed out: %w", ctx.Err())
	}
}

// messenger is the part of client.Transport the outbox and dispatcher use.
type messenger interface {
	Send(ctx context.Context, destination string, payload types.Payload, opts types.SendOptions) error
	Download(ctx context.Context, att types.Attachment) ([]byte, error)
}

// liveTransport forwards to the most recently built transport so the
// outbox and dispatcher survive reconnects.
type liveTransport struct {
	mu sync.RWMutex
	t  messenger
}

func (l *liveTransport) set(t messenger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t = t
}

func (l *liveTransport) get() (messenger, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.t == nil {
		return nil, client.ErrNotConnected
	}
	return l.t, nil
}

func (l *liveTransport) Send(ctx context.Context, destination string, payload types.Payload, opts types.SendOptions) error {
	t, err := l.get()
	if err != nil {
		return err
	}
	return t.Send(ctx, destination, payload, opts)
}

func (l *liveTransport) Download(ctx context.Context, att types.Attachment) ([]byte, error) {
	t, err := l.get()
	if err != nil {
		return nil, err
	}
	return t.Download(ctx, att)
}
