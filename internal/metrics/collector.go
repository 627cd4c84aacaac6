// Package metrics keeps the bridge's counters, gauges and histograms and
// renders them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const contentType = "text/plain; version=0.0.4; charset=utf-8"

type metricKind int

const (
	kindCounter metricKind = iota
	kindGauge
	kindHistogram
)

func (k metricKind) String() string {
	switch k {
	case kindGauge:
		return "gauge"
	case kindHistogram:
		return "histogram"
	}
	return "counter"
}

// Registry owns a set of metric families. Families are created on first
// registration; registering a name again returns the same family.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
	started  time.Time
}

func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family), started: time.Now()}
}

// Default backs the predefined bridge metrics below.
var Default = NewRegistry()

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.started)
}

type family struct {
	name   string
	help   string
	kind   metricKind
	labels []string
	bounds []float64

	mu     sync.Mutex
	series map[string]*series
}

type series struct {
	values []string
	metric any // *Counter, *Gauge or *Histogram
}

// family panics when name is reused with another kind or label set; that
// is a programming error caught at package init.
func (r *Registry) family(name, help string, kind metricKind, labels []string, bounds []float64) *family {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[name]; ok {
		if f.kind != kind || strings.Join(f.labels, ",") != strings.Join(labels, ",") {
			panic(fmt.Sprintf("metrics: %s registered twice with different shapes", name))
		}
		return f
	}
	f := &family{
		name:   name,
		help:   help,
		kind:   kind,
		labels: append([]string(nil), labels...),
		bounds: normalizeBounds(bounds),
		series: make(map[string]*series),
	}
	r.families[name] = f
	return f
}

func (f *family) get(values []string) any {
	if len(values) != len(f.labels) {
		panic(fmt.Sprintf("metrics: %s takes %d label values, got %d", f.name, len(f.labels), len(values)))
	}
	key := strings.Join(values, "\xff")
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.series[key]; ok {
		return s.metric
	}
	var m any
	switch f.kind {
	case kindCounter:
		m = &Counter{}
	case kindGauge:
		m = &Gauge{}
	default:
		m = &Histogram{bounds: f.bounds, counts: make([]int64, len(f.bounds))}
	}
	f.series[key] = &series{values: append([]string(nil), values...), metric: m}
	return m
}

// normalizeBounds sorts a copy of bounds and makes sure it ends in +Inf.
func normalizeBounds(bounds []float64) []float64 {
	out := append([]float64(nil), bounds...)
	sort.Float64s(out)
	if len(out) == 0 || !math.IsInf(out[len(out)-1], 1) {
		out = append(out, math.Inf(1))
	}
	return out
}

// Counter only goes up. Negative adds are ignored.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc() { c.v.Add(1) }

func (c *Counter) Add(n int64) {
	if n > 0 {
		c.v.Add(n)
	}
}

func (c *Counter) Value() int64 { return c.v.Load() }

// CounterVec is a counter family partitioned by label values.
type CounterVec struct{ f *family }

// With returns the counter for the given label values, in the order the
// labels were declared.
func (v *CounterVec) With(values ...string) *Counter {
	return v.f.get(values).(*Counter)
}

type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Add(n int64)  { g.v.Add(n) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observations per bucket. Counts are stored per bucket
// and made cumulative when rendered.
type Histogram struct {
	bounds []float64

	mu     sync.Mutex
	counts []int64
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.bounds, v)
	if i == len(h.bounds) {
		i-- // NaN
	}
	h.mu.Lock()
	h.counts[i]++
	h.count++
	h.sum += v
	h.mu.Unlock()
}

func (h *Histogram) snapshot() (counts []int64, count int64, sum float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.counts...), h.count, h.sum
}

func (r *Registry) Counter(name, help string) *Counter {
	return r.family(name, help, kindCounter, nil, nil).get(nil).(*Counter)
}

func (r *Registry) CounterVec(name, help string, labels ...string) *CounterVec {
	return &CounterVec{f: r.family(name, help, kindCounter, labels, nil)}
}

func (r *Registry) Gauge(name, help string) *Gauge {
	return r.family(name, help, kindGauge, nil, nil).get(nil).(*Gauge)
}

func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	return r.family(name, help, kindHistogram, nil, buckets).get(nil).(*Histogram)
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		r.WriteTo(w)
	})
}

// WriteTo renders every family sorted by name, series sorted by label
// values. Labelled families without series are omitted.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	writeHeader(&b, "gewebridge_uptime_seconds", "Seconds since the bridge started", kindGauge)
	fmt.Fprintf(&b, "gewebridge_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	r.mu.RLock()
	fams := make([]*family, 0, len(r.families))
	for _, f := range r.families {
		fams = append(fams, f)
	}
	r.mu.RUnlock()
	sort.Slice(fams, func(i, j int) bool { return fams[i].name < fams[j].name })

	for _, f := range fams {
		f.write(&b)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func writeHeader(b *strings.Builder, name, help string, kind metricKind) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
}

func (f *family) write(b *strings.Builder) {
	f.mu.Lock()
	all := make([]*series, 0, len(f.series))
	for _, s := range f.series {
		all = append(all, s)
	}
	f.mu.Unlock()
	if len(all) == 0 {
		return
	}
	sort.Slice(all, func(i, j int) bool {
		return strings.Join(all[i].values, "\xff") < strings.Join(all[j].values, "\xff")
	})

	writeHeader(b, f.name, f.help, f.kind)
	for _, s := range all {
		pairs := f.labelPairs(s.values)
		switch m := s.metric.(type) {
		case *Counter:
			fmt.Fprintf(b, "%s%s %d\n", f.name, braces(pairs), m.Value())
		case *Gauge:
			fmt.Fprintf(b, "%s%s %d\n", f.name, braces(pairs), m.Value())
		case *Histogram:
			counts, count, sum := m.snapshot()
			var cumulative int64
			for i, bound := range m.bounds {
				cumulative += counts[i]
				le := append(pairs[:len(pairs):len(pairs)], `le="`+formatBound(bound)+`"`)
				fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, braces(le), cumulative)
			}
			fmt.Fprintf(b, "%s_sum%s %s\n", f.name, braces(pairs), strconv.FormatFloat(sum, 'g', -1, 64))
			fmt.Fprintf(b, "%s_count%s %d\n", f.name, braces(pairs), count)
		}
	}
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func (f *family) labelPairs(values []string) []string {
	pairs := make([]string, len(values))
	for i, v := range values {
		pairs[i] = f.labels[i] + `="` + labelEscaper.Replace(v) + `"`
	}
	return pairs
}

func braces(pairs []string) string {
	if len(pairs) == 0 {
		return ""
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func formatBound(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Bridge metrics.
var (
	WebhookRequests   = Default.Counter("gewebridge_webhook_requests_total", "Webhook callbacks accepted")
	WebhookRejected   = Default.CounterVec("gewebridge_webhook_rejected_total", "Webhook callbacks rejected at the boundary", "code")
	DuplicateMessages = Default.Counter("gewebridge_duplicate_messages_total", "Callbacks dropped as replays")
	PolicyDrops       = Default.CounterVec("gewebridge_policy_drops_total", "Messages dropped by the policy gate", "reason")
	DownloadJobs      = Default.Counter("gewebridge_download_jobs_total", "Media download jobs executed")
	DownloadFailures  = Default.Counter("gewebridge_download_failures_total", "Media download jobs that failed")
	TranscodeFailures = Default.CounterVec("gewebridge_transcode_failures_total", "Voice transcodes that degraded", "op")
	Deliveries        = Default.CounterVec("gewebridge_deliveries_total", "Outbound messages delivered", "kind")
	DeliveryFailures  = Default.CounterVec("gewebridge_delivery_failures_total", "Outbound deliveries rejected", "kind")
	CodecInstalls     = Default.Counter("gewebridge_codec_installs_total", "Codec binary install attempts")
	QueueDepth        = Default.Gauge("gewebridge_download_queue_depth", "Jobs waiting in the download queue")

	DownloadLatency = Default.Histogram("gewebridge_download_latency_seconds", "Media download job latency in seconds",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
)
