package dispatch

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultSendBurst   = 5
	defaultSendsPerMin = 30
	chatBucketIdleTTL  = 10 * time.Minute
	chatBucketCapacity = 4096
)

// LimiterConfig sizes the send limiter. The account bucket bounds all
// sends; the chat bucket bounds sends to a single conversation.
type LimiterConfig struct {
	Burst         int
	PerMinute     float64
	ChatBurst     int
	ChatPerMinute float64 // zero disables per-chat limiting

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type bucket struct {
	tokens float64
	max    float64
	rate   float64 // tokens per second
	last   time.Time
}

func newBucket(burst int, perMinute float64, now time.Time) *bucket {
	return &bucket{tokens: float64(burst), max: float64(burst), rate: perMinute / 60, last: now}
}

func (b *bucket) refill(now time.Time) {
	b.tokens = math.Min(b.max, b.tokens+now.Sub(b.last).Seconds()*b.rate)
	b.last = now
}

// delay is how long until one token is available.
func (b *bucket) delay() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration(math.Ceil((1 - b.tokens) / b.rate * float64(time.Second)))
}

// SendLimiter throttles provider sends per account and per chat. A send
// consumes from both buckets at once, so waiting on one never drains the
// other.
type SendLimiter struct {
	mu      sync.Mutex
	account *bucket
	chats   *expirable.LRU[string, *bucket]

	chatBurst int
	chatRate  float64
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewSendLimiter(cfg LimiterConfig) *SendLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = defaultSendBurst
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = defaultSendsPerMin
	}
	if cfg.ChatBurst <= 0 {
		cfg.ChatBurst = 1
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.sleep == nil {
		cfg.sleep = sleepContext
	}
	l := &SendLimiter{
		account:   newBucket(cfg.Burst, cfg.PerMinute, cfg.now()),
		chatBurst: cfg.ChatBurst,
		chatRate:  cfg.ChatPerMinute,
		now:       cfg.now,
		sleep:     cfg.sleep,
	}
	if cfg.ChatPerMinute > 0 {
		l.chats = expirable.NewLRU[string, *bucket](chatBucketCapacity, nil, chatBucketIdleTTL)
	}
	return l
}

// Wait blocks until both the account and chatID buckets have a token, then
// takes one from each.
func (l *SendLimiter) Wait(ctx context.Context, chatID string) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.account.refill(now)
		wait := l.account.delay()

		chat := l.chatBucket(chatID, now)
		if chat != nil {
			chat.refill(now)
			wait = max(wait, chat.delay())
		}
		if wait == 0 {
			l.account.tokens--
			if chat != nil {
				chat.tokens--
			}
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// chatBucket returns the bucket for chatID, refreshing its idle timer.
// Must hold l.mu.
func (l *SendLimiter) chatBucket(chatID string, now time.Time) *bucket {
	if l.chats == nil || chatID == "" {
		return nil
	}
	b, ok := l.chats.Get(chatID)
	if !ok {
		b = newBucket(l.chatBurst, l.chatRate, now)
	}
	l.chats.Add(chatID, b)
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
