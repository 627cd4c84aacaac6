package dispatch

import (
	"context"
	"testing"
	"time"
)

// manualClock advances only when the limiter sleeps.
type manualClock struct {
	now   time.Time
	slept time.Duration
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.slept += d
	c.now = c.now.Add(d)
	return nil
}

func newTestLimiter(cfg LimiterConfig) (*SendLimiter, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)}
	cfg.now = clock.Now
	cfg.sleep = clock.Sleep
	return NewSendLimiter(cfg), clock
}

func approx(t *testing.T, got, want time.Duration) {
	t.Helper()
	if d := got - want; d < -time.Millisecond || d > time.Millisecond {
		t.Fatalf("slept %v, want about %v", got, want)
	}
}

func TestSendLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(LimiterConfig{Burst: 3, PerMinute: 60})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx, "wxid_a"); err != nil {
			t.Fatalf("burst token %d: %v", i, err)
		}
	}
	if clock.slept != 0 {
		t.Fatalf("burst should not sleep, slept %v", clock.slept)
	}

	if err := l.Wait(ctx, "wxid_a"); err != nil {
		t.Fatal(err)
	}
	approx(t, clock.slept, time.Second)
}

func TestSendLimiter_PerChatBucket(t *testing.T) {
	l, clock := newTestLimiter(LimiterConfig{Burst: 100, PerMinute: 600, ChatBurst: 1, ChatPerMinute: 6})
	ctx := context.Background()

	if err := l.Wait(ctx, "wxid_a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Wait(ctx, "123@chatroom"); err != nil {
		t.Fatal(err)
	}
	if clock.slept != 0 {
		t.Fatalf("different chats should not wait on each other, slept %v", clock.slept)
	}

	if err := l.Wait(ctx, "wxid_a"); err != nil {
		t.Fatal(err)
	}
	approx(t, clock.slept, 10*time.Second)
}

func TestSendLimiter_WaitingOnChatKeepsAccountTokens(t *testing.T) {
	l, clock := newTestLimiter(LimiterConfig{Burst: 2, PerMinute: 1, ChatBurst: 1, ChatPerMinute: 60})
	ctx := context.Background()

	if err := l.Wait(ctx, "wxid_a"); err != nil {
		t.Fatal(err)
	}
	// Blocks on the chat bucket for a second, then takes the last account token.
	if err := l.Wait(ctx, "wxid_a"); err != nil {
		t.Fatal(err)
	}
	approx(t, clock.slept, time.Second)

	// The account bucket is now empty and refills at one per minute.
	if err := l.Wait(ctx, "wxid_b"); err != nil {
		t.Fatal(err)
	}
	approx(t, clock.slept, time.Minute)
}

func TestSendLimiter_CancelledContext(t *testing.T) {
	l, _ := newTestLimiter(LimiterConfig{Burst: 1, PerMinute: 1})

	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Wait(ctx, "wxid_a"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := l.Wait(ctx, "wxid_a"); err == nil {
		t.Fatal("expected context cancelled error")
	}
}

func TestSendLimiter_RealClock(t *testing.T) {
	l := NewSendLimiter(LimiterConfig{Burst: 1, PerMinute: 600}) // 10/sec refill

	ctx := context.Background()
	if err := l.Wait(ctx, ""); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := l.Wait(ctx, ""); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected to wait about 100ms, got %v", elapsed)
	}
}

func TestDeliver_WaitsForLimiter(t *testing.T) {
	h := newHarness(t, openDM(), nil)
	h.d.limiter = NewSendLimiter(LimiterConfig{Burst: 1, PerMinute: 1})

	if err := h.d.Deliver(context.Background(), domainText("wxid_a", "one")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.d.Deliver(ctx, domainText("wxid_a", "two")); err == nil {
		t.Fatal("second delivery should wait for a token and hit the deadline")
	}
	if got := len(h.provider.methods()); got != 1 {
		t.Fatalf("expected 1 send, got %d", got)
	}
}
