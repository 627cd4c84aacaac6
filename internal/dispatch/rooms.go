package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	roomNameTTL      = time.Hour
	roomNameCapacity = 1024
)

// RoomDirectory looks up the display name of a group chat.
type RoomDirectory interface {
	ChatroomName(ctx context.Context, roomID string) (string, error)
}

// roomNames caches directory lookups. Failed lookups are cached as ""
// so a broken room is not queried on every message.
type roomNames struct {
	dir    RoomDirectory
	cache  *expirable.LRU[string, string]
	logger *slog.Logger
}

func newRoomNames(dir RoomDirectory, logger *slog.Logger) *roomNames {
	if dir == nil {
		return nil
	}
	return &roomNames{
		dir:    dir,
		cache:  expirable.NewLRU[string, string](roomNameCapacity, nil, roomNameTTL),
		logger: logger,
	}
}

func (r *roomNames) lookup(ctx context.Context, roomID string) string {
	if r == nil || roomID == "" {
		return ""
	}
	if name, ok := r.cache.Get(roomID); ok {
		return name
	}
	name, err := r.dir.ChatroomName(ctx, roomID)
	if err != nil {
		r.logger.Debug("room name lookup failed", "room", roomID, "err", err)
		name = ""
	}
	r.cache.Add(roomID, name)
	return name
}
