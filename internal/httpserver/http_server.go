// Package httpserver exposes the pairing QR code, health probes and
// prometheus metrics over HTTP.
package httpserver

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vicentereig/whatsapp-stickerbot/internal/session"
)

// SessionStatus reports the session state.
type SessionStatus interface {
	State() session.State
}

// QRSource provides the current pairing code.
type QRSource interface {
	Latest() (string, time.Time, bool)
	PNG() ([]byte, bool, error)
}

// HttpServer wraps the gin engine with graceful shutdown helpers.
type HttpServer struct {
	addr            string
	shutdownTimeout time.Duration
	engine          *gin.Engine
	log             zerolog.Logger
}

func New(addr string, shutdownTimeout time.Duration, status SessionStatus, qr QRSource, log zerolog.Logger) *HttpServer {
	gin.SetMode(gin.ReleaseMode)
	log = log.With().Str("component", "http").Logger()

	engine := gin.New()
	engine.Use(gin.Recovery(), accessLog(log))
	registerRoutes(engine, status, qr)

	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HttpServer{
		addr:            addr,
		shutdownTimeout: shutdownTimeout,
		engine:          engine,
		log:             log,
	}
}

// Handler exposes the engine for tests.
func (s *HttpServer) Handler() http.Handler { return s.engine }

// Run starts the HTTP listener and handles graceful shutdown via context cancellation.
func (s *HttpServer) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.log.Info().Msg("context cancelled, shutting down HTTP server")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

var indexTmpl = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Sticker bot</title>
{{if .Pairing}}<meta http-equiv="refresh" content="10">{{end}}
</head>
<body style="font-family:sans-serif;text-align:center">
<h1>Sticker bot</h1>
<p>Session: <b>{{.State}}</b></p>
{{if .Pairing}}<p>Scan with WhatsApp, Linked Devices</p><img src="/qr?t={{.Stamp}}" alt="pairing QR code" width="320" height="320">{{end}}
</body>
</html>`))

func registerRoutes(engine *gin.Engine, status SessionStatus, qr QRSource) {
	engine.GET("/", func(c *gin.Context) {
		_, at, pairing := qr.Latest()
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.Status(http.StatusOK)
		_ = indexTmpl.Execute(c.Writer, map[string]any{
			"State":   status.State().String(),
			"Pairing": pairing,
			"Stamp":   at.UnixNano(),
		})
	})

	engine.GET("/qr", func(c *gin.Context) {
		png, ok, err := qr.PNG()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no pairing code available", "state": status.State().String()})
			return
		}
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "image/png", png)
	})

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "session": status.State().String()})
	})

	engine.GET("/readyz", func(c *gin.Context) {
		state := status.State()
		if state == session.Ready {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "session": state.String()})
	})

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func accessLog(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
