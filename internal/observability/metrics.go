package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles the Prometheus metrics of the stepping loop. It
// satisfies world.Metrics.
type SimCollector struct {
	gatherer prometheus.Gatherer

	Ticks          prometheus.Counter
	TickDurations  prometheus.Histogram
	BridgeWaits    prometheus.Histogram
	BridgePolls    prometheus.Histogram
	BridgeTimeouts prometheus.Counter
	AgentFailures  *prometheus.CounterVec
	Step           prometheus.Gauge
	PendingCleanup prometheus.Gauge
}

// NewSimCollector registers against reg, defaulting to the global registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "townsim_ticks_total",
		Help: "Completed simulation ticks.",
	}), "townsim_ticks_total")
	if err != nil {
		return nil, err
	}
	tickDur, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "townsim_tick_duration_seconds",
		Help:    "Wall time of one tick, bridge wait included.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}), "townsim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	wait, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "townsim_bridge_wait_seconds",
		Help:    "Time spent waiting for the frontend environment record.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}), "townsim_bridge_wait_seconds")
	if err != nil {
		return nil, err
	}
	polls, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "townsim_bridge_polls",
		Help:    "Bridge polls needed per tick.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	}), "townsim_bridge_polls")
	if err != nil {
		return nil, err
	}
	timeouts, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "townsim_bridge_timeouts_total",
		Help: "Ticks aborted because the bridge wait timed out.",
	}), "townsim_bridge_timeouts_total")
	if err != nil {
		return nil, err
	}
	failures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "townsim_agent_failures_total",
		Help: "Per-agent failures contained within a tick, labeled by phase.",
	}, []string{"phase"}), "townsim_agent_failures_total")
	if err != nil {
		return nil, err
	}
	step, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "townsim_step",
		Help: "Current simulation step.",
	}), "townsim_step")
	if err != nil {
		return nil, err
	}
	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "townsim_pending_cleanup",
		Help: "Object events waiting to be idled at the start of the next tick.",
	}), "townsim_pending_cleanup")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:       gatherer,
		Ticks:          ticks,
		TickDurations:  tickDur,
		BridgeWaits:    wait,
		BridgePolls:    polls,
		BridgeTimeouts: timeouts,
		AgentFailures:  failures,
		Step:           step,
		PendingCleanup: pending,
	}, nil
}

func (c *SimCollector) ObserveTick(d time.Duration, step uint64) {
	if c == nil {
		return
	}
	c.Ticks.Inc()
	c.TickDurations.Observe(d.Seconds())
	c.Step.Set(float64(step))
}

func (c *SimCollector) ObserveBridgeWait(d time.Duration, polls int) {
	if c == nil {
		return
	}
	c.BridgeWaits.Observe(d.Seconds())
	c.BridgePolls.Observe(float64(polls))
}

func (c *SimCollector) IncBridgeTimeout() {
	if c == nil {
		return
	}
	c.BridgeTimeouts.Inc()
}

func (c *SimCollector) IncAgentFailure(phase string) {
	if c == nil {
		return
	}
	c.AgentFailures.WithLabelValues(phase).Inc()
}

func (c *SimCollector) SetPendingCleanup(n int) {
	if c == nil {
		return
	}
	c.PendingCleanup.Set(float64(n))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RegisterGaugeFunc exposes a value sampled at scrape time, e.g. index queue depth.
func (c *SimCollector) RegisterGaugeFunc(reg prometheus.Registerer, name, help string, fn func() float64) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	err := reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
	if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
		return nil
	}
	return err
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
