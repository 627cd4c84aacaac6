package media

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"gewebridge/internal/domain"
)

var (
	ErrNotFound  = errors.New("media not found")
	ErrInvalidID = errors.New("invalid media id")
	ErrTooLarge  = errors.New("media exceeds size limit")
)

type StoreConfig struct {
	Dir           string
	PublicBaseURL string // scheme://host[:port] the provider can reach
	Path          string // route prefix of the media server
	MaxBytes      int64
	Logger        *slog.Logger
}

// Store keeps outbound files on disk under random ids so the provider can
// fetch them from the media server.
type Store struct {
	dir       string
	publicURL string
	maxBytes  int64
	logger    *slog.Logger
	now       func() time.Time
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	prefix := "/" + strings.Trim(cfg.Path, "/")
	return &Store{
		dir:       cfg.Dir,
		publicURL: strings.TrimRight(cfg.PublicBaseURL, "/") + prefix,
		maxBytes:  cfg.MaxBytes,
		logger:    cfg.Logger.With("component", "media-store"),
		now:       time.Now,
	}, nil
}

// Dir returns the staging directory.
func (s *Store) Dir() string { return s.dir }

// Stage writes data under a fresh id and returns where the provider can
// fetch it.
func (s *Store) Stage(data []byte, contentType, fileName string) (domain.ResolvedMedia, error) {
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return domain.ResolvedMedia{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	id := uuid.NewString() + ExtensionFor(fileName, contentType)
	path := filepath.Join(s.dir, id)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return domain.ResolvedMedia{}, fmt.Errorf("stage media: %w", err)
	}
	if fileName == "" {
		fileName = id
	}
	return domain.ResolvedMedia{
		PublicURL:   s.publicURL + "/" + id,
		ContentType: contentType,
		FileName:    fileName,
		LocalPath:   path,
	}, nil
}

// ValidID reports whether id is a plain file name.
func ValidID(id string) bool {
	return id != "" && id != "." &&
		!strings.ContainsAny(id, `/\`) &&
		!strings.Contains(id, "..")
}

// Open returns the staged file for id. The caller closes it.
func (s *Store) Open(id string) (*os.File, os.FileInfo, error) {
	if !ValidID(id) {
		return nil, nil, ErrInvalidID
	}
	f, err := os.Open(filepath.Join(s.dir, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

// ContentType guesses the MIME type of a staged id from its extension.
func ContentType(id string) string {
	if ct := mime.TypeByExtension(filepath.Ext(id)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Cleanup removes staged files last modified before now-olderThan.
func (s *Store) Cleanup(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			s.logger.Warn("remove staged media failed", "id", e.Name(), "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("staged media cleaned", "removed", removed)
	}
	return removed, nil
}

// Schedule registers an hourly Cleanup on c.
func (s *Store) Schedule(c *cron.Cron, retention time.Duration) error {
	_, err := c.AddFunc("@hourly", func() {
		if _, err := s.Cleanup(retention); err != nil {
			s.logger.Warn("staged media cleanup failed", "err", err)
		}
	})
	return err
}

// ExtensionFor picks a file extension from fileName, falling back to one
// derived from contentType. It returns "" when neither helps.
func ExtensionFor(fileName, contentType string) string {
	if ext := strings.ToLower(filepath.Ext(fileName)); ext != "" && ValidID("x"+ext) {
		return ext
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "audio/silk":
		return ".silk"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/amr":
		return ".amr"
	case "":
		return ""
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}
