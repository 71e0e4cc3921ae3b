package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const (
	DefaultWindow     = time.Minute
	DefaultMaxSamples = 10_000

	// overflowWeight scales the last finite bound when approximating the
	// latency sum of the +Inf bucket.
	overflowWeight = 1.5
)

// DefaultBuckets are latency upper bounds in milliseconds.
var DefaultBuckets = []float64{50, 100, 200, 400, 800, 1600}

// Config holds the collector settings. Zero values select the defaults.
type Config struct {
	Window     time.Duration
	MaxSamples int
	Buckets    []float64
	Now        func() time.Time
}

// Collector aggregates request latency and rate limit rejections.
// Counters and histogram buckets are lock-free; the rolling sample list is
// guarded by mu and pruned whenever it is written or read.
type Collector struct {
	window     time.Duration
	maxSamples int
	bounds     []float64
	now        func() time.Time

	rejections atomic.Uint64
	buckets    []atomic.Uint64 // len(bounds)+1, last is overflow; their sum is the request total

	mu      sync.Mutex
	samples []Sample

	registry     *prometheus.Registry
	requestsDesc *prometheus.Desc
	rejectDesc   *prometheus.Desc
	routeAvgDesc *prometheus.Desc
	durationDesc *prometheus.Desc
}

type Sample struct {
	Route      string
	Method     string
	Status     int
	LatencyMs  float64
	ObservedAt time.Time
}

// Token marks the start of one request.
type Token struct {
	start time.Time
}

type RouteLatency struct {
	Method string  `json:"method"`
	Route  string  `json:"route"`
	Count  int     `json:"count"`
	AvgMs  float64 `json:"avg_ms"`
}

type Counters struct {
	RequestsTotal      uint64 `json:"requests_total"`
	RateLimitHitsTotal uint64 `json:"rate_limit_hits_total"`
}

type HistogramBucket struct {
	Le         string  `json:"le"`
	UpperBound float64 `json:"-"`
	Count      uint64  `json:"count"`
	Cumulative uint64  `json:"cumulative"`
}

type Snapshot struct {
	Routes    []RouteLatency    `json:"routes"`
	Counters  Counters          `json:"counters"`
	Histogram []HistogramBucket `json:"histogram"`
}

func NewCollector(cfg Config) (*Collector, error) {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = DefaultBuckets
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	for i, b := range cfg.Buckets {
		if math.IsNaN(b) || math.IsInf(b, 0) || b <= 0 {
			return nil, fmt.Errorf("bucket bound %v must be a positive finite number", b)
		}
		if i > 0 && b <= cfg.Buckets[i-1] {
			return nil, fmt.Errorf("bucket bounds must be strictly increasing, got %v after %v", b, cfg.Buckets[i-1])
		}
	}

	c := &Collector{
		window:     cfg.Window,
		maxSamples: cfg.MaxSamples,
		bounds:     append([]float64(nil), cfg.Buckets...),
		now:        cfg.Now,
		buckets:    make([]atomic.Uint64, len(cfg.Buckets)+1),
		registry:   prometheus.NewRegistry(),

		requestsDesc: prometheus.NewDesc("app_requests_total",
			"Total HTTP requests processed", nil, nil),
		rejectDesc: prometheus.NewDesc("app_rate_limit_hits_total",
			"Total rate limit (429) responses", nil, nil),
		routeAvgDesc: prometheus.NewDesc("app_route_avg_ms",
			"Average latency ms over rolling window per route", []string{"method", "path"}, nil),
		durationDesc: prometheus.NewDesc("app_request_duration_ms",
			"Request latency histogram in ms. The sum is approximated from bucket bounds.", nil, nil),
	}
	if err := c.registry.Register(c); err != nil {
		return nil, fmt.Errorf("registering collector: %w", err)
	}
	return c, nil
}

// Start records a monotonic start time.
func (c *Collector) Start() Token {
	return Token{start: time.Now()}
}

// Finish records the request that t was started for.
func (c *Collector) Finish(t Token, route, method string, status int) {
	c.Observe(route, method, status, time.Since(t.start))
}

// Observe records one completed request with a known latency.
func (c *Collector) Observe(route, method string, status int, latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)

	c.buckets[c.bucketIndex(ms)].Add(1)

	c.mu.Lock()
	now := c.now()
	c.samples = append(c.samples, Sample{
		Route:      route,
		Method:     method,
		Status:     status,
		LatencyMs:  ms,
		ObservedAt: now,
	})
	if over := len(c.samples) - c.maxSamples; over > 0 {
		c.samples = append(c.samples[:0], c.samples[over:]...)
	}
	c.pruneLocked(now)
	c.mu.Unlock()
}

// RateLimitRejected counts one rejection made by the rate limiter.
func (c *Collector) RateLimitRejected() {
	c.rejections.Add(1)
}

// bucketIndex returns the first bound >= ms, or the overflow bucket.
func (c *Collector) bucketIndex(ms float64) int {
	return sort.SearchFloat64s(c.bounds, ms)
}

func (c *Collector) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(c.samples) && c.samples[i].ObservedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.samples = append(c.samples[:0], c.samples[i:]...)
	}
}

// Snapshot aggregates the rolling window and the lifetime counters.
func (c *Collector) Snapshot() Snapshot {
	type agg struct {
		count int
		total float64
	}

	c.mu.Lock()
	c.pruneLocked(c.now())
	byRoute := make(map[[2]string]*agg)
	for _, s := range c.samples {
		k := [2]string{s.Method, s.Route}
		a := byRoute[k]
		if a == nil {
			a = &agg{}
			byRoute[k] = a
		}
		a.count++
		a.total += s.LatencyMs
	}
	c.mu.Unlock()

	routes := make([]RouteLatency, 0, len(byRoute))
	for k, a := range byRoute {
		routes = append(routes, RouteLatency{
			Method: k[0],
			Route:  k[1],
			Count:  a.count,
			AvgMs:  a.total / float64(a.count),
		})
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Route != routes[j].Route {
			return routes[i].Route < routes[j].Route
		}
		return routes[i].Method < routes[j].Method
	})

	hist := c.histogram()
	return Snapshot{
		Routes: routes,
		Counters: Counters{
			RequestsTotal:      hist[len(hist)-1].Cumulative,
			RateLimitHitsTotal: c.rejections.Load(),
		},
		Histogram: hist,
	}
}

func (c *Collector) histogram() []HistogramBucket {
	out := make([]HistogramBucket, len(c.buckets))
	var cum uint64
	for i := range c.buckets {
		n := c.buckets[i].Load()
		cum += n
		ub := math.Inf(1)
		le := "+Inf"
		if i < len(c.bounds) {
			ub = c.bounds[i]
			le = strconv.FormatFloat(ub, 'g', -1, 64)
		}
		out[i] = HistogramBucket{Le: le, UpperBound: ub, Count: n, Cumulative: cum}
	}
	return out
}

// approximateSum weights each bucket's count by its upper bound. Per-sample
// latencies are not kept for the lifetime histogram, so this over-estimates;
// the overflow bucket counts as overflowWeight times the last finite bound.
func (c *Collector) approximateSum(h []HistogramBucket) float64 {
	var sum float64
	last := c.bounds[len(c.bounds)-1]
	for _, b := range h {
		if math.IsInf(b.UpperBound, 1) {
			sum += float64(b.Count) * last * overflowWeight
			continue
		}
		sum += float64(b.Count) * b.UpperBound
	}
	return sum
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsDesc
	ch <- c.rejectDesc
	ch <- c.routeAvgDesc
	ch <- c.durationDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.requestsDesc, prometheus.CounterValue, float64(snap.Counters.RequestsTotal))
	ch <- prometheus.MustNewConstMetric(c.rejectDesc, prometheus.CounterValue, float64(snap.Counters.RateLimitHitsTotal))
	for _, r := range snap.Routes {
		ch <- prometheus.MustNewConstMetric(c.routeAvgDesc, prometheus.GaugeValue, r.AvgMs, r.Method, r.Route)
	}

	cumulative := make(map[float64]uint64, len(c.bounds))
	var total uint64
	for _, b := range snap.Histogram {
		total = b.Cumulative
		if !math.IsInf(b.UpperBound, 1) {
			cumulative[b.UpperBound] = b.Cumulative
		}
	}
	ch <- prometheus.MustNewConstHistogram(c.durationDesc, total, c.approximateSum(snap.Histogram), cumulative)
}

// WriteExposition renders all metrics in the Prometheus text format.
func (c *Collector) WriteExposition(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Registry exposes the private registry so callers can add their own collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
