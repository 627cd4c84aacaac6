package gewe

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"gewebridge/internal/dedupe"
	"gewebridge/internal/domain"
	"gewebridge/internal/metrics"
)

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

// Callback token headers, checked in order.
var tokenHeaders = []string{"x-gewe-callback-token", "x-webhook-token", "x-gewe-token"}

// InboundHandler consumes messages that passed the webhook boundary.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg domain.InboundMessage) error
}

type WebhookConfig struct {
	Addr        string // host:port
	Path        string // default /webhook
	HealthPath  string // default /healthz
	Secret      string // shared token; empty disables the check
	MetricsPath string // served when non-empty
	Dedupe      *dedupe.Cache
	Handler     InboundHandler
	Logger      *slog.Logger
}

// WebhookServer receives GeWe callbacks. It answers as soon as a message
// is accepted and continues processing in the background.
type WebhookServer struct {
	addr    string
	path    string
	secret  string
	seen    *dedupe.Cache
	handler InboundHandler
	echo    *echo.Echo
	logger  *slog.Logger

	// Async runs accepted messages; tests replace it to run inline.
	Async func(fn func())
}

func NewWebhookServer(cfg WebhookConfig) *WebhookServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.Dedupe == nil {
		cfg.Dedupe = dedupe.New(dedupe.DefaultTTL)
	}
	s := &WebhookServer{
		addr:    cfg.Addr,
		path:    cfg.Path,
		secret:  cfg.Secret,
		seen:    cfg.Dedupe,
		handler: cfg.Handler,
		logger:  cfg.Logger.With("component", "webhook"),
		Async:   func(fn func()) { go fn() },
	}

	e := newEcho()
	e.GET(cfg.HealthPath, func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if cfg.MetricsPath != "" {
		e.GET(cfg.MetricsPath, echo.WrapHandler(metrics.Default.Handler()))
	}
	e.Any(cfg.Path, s.handle)
	s.echo = e
	return s
}

// Handler exposes the router for tests and embedding.
func (s *WebhookServer) Handler() http.Handler { return s.echo }

// Start serves until ctx is cancelled.
func (s *WebhookServer) Start(ctx context.Context) error {
	s.logger.Info("webhook server starting", "addr", s.addr, "path", s.path)
	return serve(ctx, s.addr, s.echo, s.logger)
}

// reject counts a boundary rejection by status code.
func reject(status int, msg string) error {
	metrics.WebhookRejected.With(strconv.Itoa(status)).Inc()
	return echo.NewHTTPError(status, msg)
}

func (s *WebhookServer) handle(c echo.Context) error {
	if c.Request().Method != http.MethodPost {
		return echo.ErrNotFound
	}
	if !s.authorized(c.Request()) {
		return reject(http.StatusUnauthorized, "unauthorized")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return reject(http.StatusBadRequest, "read body failed")
	}
	if int64(len(body)) > webhookMaxBodyBytes {
		return reject(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}

	if IsTestCallback(body) {
		s.logger.Info("provider test callback received")
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}

	msg, ok := Normalize(body)
	if !ok {
		return reject(http.StatusBadRequest, "invalid payload")
	}
	metrics.WebhookRequests.Inc()

	if s.seen.IsDuplicate(msg.DedupeKey()) {
		metrics.DuplicateMessages.Inc()
		s.logger.Debug("duplicate callback", "key", msg.DedupeKey())
		return c.JSON(http.StatusOK, map[string]bool{"ok": true, "duplicate": true})
	}

	ctx := context.WithoutCancel(c.Request().Context())
	s.Async(func() { s.dispatch(ctx, msg) })
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *WebhookServer) dispatch(ctx context.Context, msg domain.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("inbound handler panic", "key", msg.DedupeKey(), "panic", r)
		}
	}()
	if s.handler == nil {
		return
	}
	if err := s.handler.HandleInbound(ctx, msg); err != nil {
		s.logger.Error("inbound handling failed", "key", msg.DedupeKey(), "type", msg.MsgType, "err", err)
	}
}

func (s *WebhookServer) authorized(r *http.Request) bool {
	if s.secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(requestToken(r)), []byte(s.secret)) == 1
}

func requestToken(r *http.Request) string {
	for _, h := range tokenHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// newEcho returns a bare router whose errors render as {"error": "..."}.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code, msg := http.StatusInternalServerError, "internal error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = fmt.Sprint(he.Message)
		}
		if code == http.StatusMethodNotAllowed {
			code, msg = http.StatusNotFound, http.StatusText(http.StatusNotFound)
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, map[string]string{"error": msg})
	}
	return e
}

// serve runs h on addr until ctx is cancelled.
func serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("server shutting down", "addr", addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("listen %s: %w", addr, err)
	}
}
