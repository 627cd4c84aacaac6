// Package queue runs remote media fetches one at a time with a randomized
// pause between jobs.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"gewebridge/internal/dedupe"
	"gewebridge/internal/metrics"
)

const (
	DefaultMinDelay = 3 * time.Second
	DefaultMaxDelay = 10 * time.Second
)

// Job is a deferred unit of work. The context it receives is never
// cancelled by the queue.
type Job func(ctx context.Context) error

type entry struct {
	key      string
	job      Job
	queuedAt time.Time
}

// Config configures a DownloadQueue. Zero delays mean the defaults; a
// MaxDelay below MinDelay is raised to MinDelay.
type Config struct {
	MinDelay  time.Duration
	MaxDelay  time.Duration
	DedupeTTL time.Duration
	Timeout   time.Duration // per job; zero means no limit
	Logger    *slog.Logger
}

// Option customizes a DownloadQueue.
type Option func(*DownloadQueue)

// WithSleep replaces the pause between jobs. The function must return early
// when ctx is done.
func WithSleep(fn func(ctx context.Context, d time.Duration)) Option {
	return func(q *DownloadQueue) { q.sleep = fn }
}

// WithRand replaces the random source; fn returns a value in [0, n).
func WithRand(fn func(n int64) int64) Option {
	return func(q *DownloadQueue) { q.randN = fn }
}

// WithClock sets the clock of the key dedupe cache.
func WithClock(now func() time.Time) Option {
	return func(q *DownloadQueue) { q.now = now }
}

// DownloadQueue is a FIFO of jobs drained by a single worker goroutine that
// is started on demand. A key is accepted at most once per dedupe TTL.
type DownloadQueue struct {
	mu      sync.Mutex
	pending []entry
	running bool
	closed  bool

	seen     *dedupe.Cache
	minDelay time.Duration
	maxDelay time.Duration
	timeout  time.Duration
	sleep    func(ctx context.Context, d time.Duration)
	randN    func(n int64) int64
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func New(cfg Config, opts ...Option) *DownloadQueue {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = dedupe.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &DownloadQueue{
		minDelay: cfg.MinDelay,
		maxDelay: cfg.MaxDelay,
		timeout:  cfg.Timeout,
		sleep:    sleepCtx,
		randN:    rand.Int64N,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		logger:   cfg.Logger.With("component", "download-queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.seen = dedupe.New(cfg.DedupeTTL, dedupe.WithClock(q.now))
	return q
}

// Enqueue appends job unless key was accepted within the dedupe TTL or the
// queue is closed. It never blocks on job execution.
func (q *DownloadQueue) Enqueue(key string, job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.logger.Warn("enqueue on closed queue", "key", key)
		return false
	}
	if q.seen.IsDuplicate(key) {
		q.logger.Debug("duplicate download key", "key", key)
		return false
	}
	q.pending = append(q.pending, entry{key: key, job: job, queuedAt: q.now()})
	metrics.QueueDepth.Inc()

	if !q.running {
		q.running = true
		q.wg.Add(1)
		go q.worker()
	}
	return true
}

// Pending returns the number of jobs waiting to start.
func (q *DownloadQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the worker after the running job. Jobs not yet started are
// discarded.
func (q *DownloadQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	metrics.QueueDepth.Add(-int64(len(q.pending)))
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	if dropped > 0 {
		q.logger.Warn("download queue closed with pending jobs", "dropped", dropped)
	}
}

func (q *DownloadQueue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending[0] = entry{}
		q.pending = q.pending[1:]
		q.mu.Unlock()
		metrics.QueueDepth.Dec()

		q.run(e)
		q.sleep(q.ctx, q.nextDelay())
	}
}

// run executes one job. Errors and panics are logged, never propagated.
func (q *DownloadQueue) run(e entry) {
	start := q.now()
	defer func() {
		metrics.DownloadLatency.Observe(q.now().Sub(start).Seconds())
		if r := recover(); r != nil {
			metrics.DownloadFailures.Inc()
			q.logger.Error("download job panicked", "key", e.key, "panic", fmt.Sprint(r))
		}
	}()

	metrics.DownloadJobs.Inc()
	ctx := context.WithoutCancel(q.ctx)
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	if err := e.job(ctx); err != nil {
		metrics.DownloadFailures.Inc()
		q.logger.Warn("download job failed", "key", e.key, "err", err)
		return
	}
	q.logger.Debug("download job done", "key", e.key, "waited", start.Sub(e.queuedAt))
}

// nextDelay draws uniformly from [minDelay, maxDelay].
func (q *DownloadQueue) nextDelay() time.Duration {
	span := int64(q.maxDelay - q.minDelay)
	if span <= 0 {
		return q.minDelay
	}
	return q.minDelay + time.Duration(q.randN(span+1))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
