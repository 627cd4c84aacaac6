// Package dispatch routes normalized inbound messages to the agent
// pipeline and delivers the pipeline's replies through the provider API.
package dispatch

import (
	"context"
	"log/slog"

	"gewebridge/internal/domain"
	"gewebridge/internal/gewe"
	"gewebridge/internal/media"
	"gewebridge/internal/queue"
	"gewebridge/internal/security"
)

// Provider is the subset of the GeWe client the dispatcher uses.
type Provider interface {
	PostText(ctx context.Context, toWxid, content, ats string) (gewe.SendResult, error)
	PostImage(ctx context.Context, toWxid, imgURL string) (gewe.SendResult, error)
	PostVoice(ctx context.Context, toWxid, voiceURL string, durationMs int64) (gewe.SendResult, error)
	PostVideo(ctx context.Context, toWxid, videoURL, thumbURL string, durationSec int) (gewe.SendResult, error)
	PostFile(ctx context.Context, toWxid, fileURL, fileName string) (gewe.SendResult, error)
	PostLink(ctx context.Context, toWxid, title, desc, linkURL, thumbURL string) (gewe.SendResult, error)
	DownloadImage(ctx context.Context, rawXML string, imgType int) (string, error)
	DownloadVoice(ctx context.Context, rawXML, msgID string) (string, error)
	DownloadVideo(ctx context.Context, rawXML string) (string, error)
	Fetch(ctx context.Context, fileURL string) ([]byte, string, error)
}

// Policy decides whether a message proceeds.
type Policy interface {
	Evaluate(in security.Input) domain.PolicyDecision
}

// Pairing issues pairing codes and lists approved senders.
type Pairing interface {
	Request(ctx context.Context, account, senderID, senderName string) (string, bool, error)
	AllowFrom(ctx context.Context, account string) ([]string, error)
}

// Queue accepts deferred media jobs.
type Queue interface {
	Enqueue(key string, job queue.Job) bool
}

// Transcoder converts voice and inspects video.
type Transcoder interface {
	DecodeSilk(ctx context.Context, data []byte) ([]byte, error)
	EncodeSilk(ctx context.Context, data []byte, fileName string) ([]byte, int64, error)
	InspectVideo(ctx context.Context, data []byte, fileName string) (media.VideoInfo, error)
}

// Limiter throttles provider sends to a chat.
type Limiter interface {
	Wait(ctx context.Context, chatID string) error
}

// Stager publishes bytes under a URL the provider can fetch.
type Stager interface {
	Stage(data []byte, contentType, fileName string) (domain.ResolvedMedia, error)
}

type Config struct {
	AccountID  string
	Provider   Provider
	Policy     Policy
	Pairing    Pairing // optional
	Queue      Queue
	Transcoder Transcoder
	Media      Stager
	Bus        domain.MessageBus
	Limiter    Limiter       // optional
	Rooms      RoomDirectory // optional; enables group lookup by name
	Logger     *slog.Logger
}

// Dispatcher is the hub between the webhook and the agent pipeline.
type Dispatcher struct {
	account    string
	provider   Provider
	policy     Policy
	pairing    Pairing
	queue      Queue
	transcoder Transcoder
	media      Stager
	bus        domain.MessageBus
	limiter    Limiter
	rooms      *roomNames
	logger     *slog.Logger
}

// New builds a Dispatcher and registers Deliver as the bus outbound handler.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		account:    cfg.AccountID,
		provider:   cfg.Provider,
		policy:     cfg.Policy,
		pairing:    cfg.Pairing,
		queue:      cfg.Queue,
		transcoder: cfg.Transcoder,
		media:      cfg.Media,
		bus:        cfg.Bus,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger.With("component", "dispatcher", "account", cfg.AccountID),
	}
	d.rooms = newRoomNames(cfg.Rooms, d.logger)
	if d.bus != nil {
		d.bus.OnOutbound(func(msg domain.OutboundMessage) error {
			return d.Deliver(context.Background(), msg)
		})
	}
	return d
}
