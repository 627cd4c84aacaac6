// Package bus connects the dispatcher to the agent pipeline in process.
package bus

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"gewebridge/internal/domain"
)

const publishTimeout = 10 * time.Second

// ErrNoOutboundHandler is returned when a reply arrives before delivery is wired.
var ErrNoOutboundHandler = errors.New("no outbound handler registered")

// InMemoryBus is a Go-channel based message bus.
type InMemoryBus struct {
	inbound  chan domain.Envelope
	outbound func(domain.OutboundMessage) error
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

var _ domain.MessageBus = (*InMemoryBus)(nil)

// New creates an InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound: make(chan domain.Envelope, bufferSize),
		logger:  logger.With("component", "bus"),
	}
}

// Publish blocks up to 10 seconds if the bus is full instead of dropping.
func (b *InMemoryBus) Publish(env domain.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "id", env.ID)
		return
	}

	select {
	case b.inbound <- env:
	default:
		b.logger.Warn("inbound bus full, waiting", "chat", env.ChatID, "sender", env.SenderID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- env:
		case <-timer.C:
			b.logger.Error("envelope dropped: bus full for 10s", "chat", env.ChatID, "sender", env.SenderID)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.Envelope {
	return b.inbound
}

// SendOutbound hands a reply to the registered delivery handler.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) error {
	b.mu.RLock()
	handler := b.outbound
	b.mu.RUnlock()

	if handler == nil {
		b.logger.Warn("no outbound handler registered", "chat", msg.ChatID)
		return ErrNoOutboundHandler
	}
	return handler(msg)
}

func (b *InMemoryBus) OnOutbound(handler func(domain.OutboundMessage) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
