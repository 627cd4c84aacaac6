package gewe

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"gewebridge/internal/media"
)

type MediaServerConfig struct {
	Addr   string
	Path   string // default /media
	Store  *media.Store
	Logger *slog.Logger
}

// MediaServer exposes staged files so the provider can fetch them by URL.
type MediaServer struct {
	addr   string
	store  *media.Store
	echo   *echo.Echo
	logger *slog.Logger
}

func NewMediaServer(cfg MediaServerConfig) *MediaServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	prefix := "/" + strings.Trim(cfg.Path, "/")
	if prefix == "/" {
		prefix = "/media"
	}
	s := &MediaServer{
		addr:   cfg.Addr,
		store:  cfg.Store,
		logger: cfg.Logger.With("component", "media-server"),
	}
	e := newEcho()
	e.GET(prefix+"/:id", s.serveFile)
	e.HEAD(prefix+"/:id", s.serveFile)
	s.echo = e
	return s
}

func (s *MediaServer) Handler() http.Handler { return s.echo }

func (s *MediaServer) Start(ctx context.Context) error {
	s.logger.Info("media server starting", "addr", s.addr, "dir", s.store.Dir())
	return serve(ctx, s.addr, s.echo, s.logger)
}

func (s *MediaServer) serveFile(c echo.Context) error {
	id := c.Param("id")
	f, info, err := s.store.Open(id)
	if err != nil {
		return echo.ErrNotFound
	}
	defer f.Close()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, media.ContentType(id))
	h.Set("Cache-Control", "private, max-age=300")
	http.ServeContent(c.Response(), c.Request(), id, info.ModTime(), f)
	return nil
}
