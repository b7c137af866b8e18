package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes controller metrics to Prometheus. It implements
// Sink, so it can be wired directly (or inside a MultiSink) as the
// controller's telemetry output.
type Collector struct {
	HandoverDuration  prometheus.Histogram
	HandoversTotal    *prometheus.CounterVec
	BytesPreserved    prometheus.Counter
	LinkState         *prometheus.GaugeVec
	LinkQuality       *prometheus.GaugeVec
	CacheEvictedTotal *prometheus.CounterVec
	StateChangesTotal *prometheus.CounterVec
}

var _ Sink = (*Collector)(nil)

// NewCollector registers the controller metrics against the provided
// registerer. A nil registerer uses the Prometheus default. Metrics
// already registered (for example by an earlier controller instance in
// the same process) are reused rather than duplicated.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	handoverDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ddil_handover_duration_seconds",
		Help:    "Duration of link handovers, drain included.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	})
	handoverDuration, err := registerHistogram(reg, handoverDuration, "ddil_handover_duration_seconds")
	if err != nil {
		return nil, err
	}

	handoversTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ddil_handovers_total",
		Help: "Cumulative handovers by selection reason.",
	}, []string{"reason"})
	handoversTotal, err = registerCounterVec(reg, handoversTotal, "ddil_handovers_total")
	if err != nil {
		return nil, err
	}

	bytesPreserved := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ddil_handover_bytes_preserved_total",
		Help: "Cumulative in-flight bytes requeued into the cache during handovers.",
	})
	bytesPreserved, err = registerCounter(reg, bytesPreserved, "ddil_handover_bytes_preserved_total")
	if err != nil {
		return nil, err
	}

	linkState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ddil_link_state",
		Help: "Link health state (0 down, 1 degraded, 2 up).",
	}, []string{"link", "kind"})
	linkState, err = registerGaugeVec(reg, linkState, "ddil_link_state")
	if err != nil {
		return nil, err
	}

	linkQuality := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ddil_link_quality",
		Help: "Smoothed link quality score in [0,1].",
	}, []string{"link", "kind"})
	linkQuality, err = registerGaugeVec(reg, linkQuality, "ddil_link_quality")
	if err != nil {
		return nil, err
	}

	cacheEvicted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ddil_cache_evicted_entries_total",
		Help: "Cumulative cache entries evicted, by reason.",
	}, []string{"reason"})
	cacheEvicted, err = registerCounterVec(reg, cacheEvicted, "ddil_cache_evicted_entries_total")
	if err != nil {
		return nil, err
	}

	stateChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ddil_controller_state_changes_total",
		Help: "Cumulative controller state machine transitions.",
	}, []string{"to"})
	stateChanges, err = registerCounterVec(reg, stateChanges, "ddil_controller_state_changes_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		HandoverDuration:  handoverDuration,
		HandoversTotal:    handoversTotal,
		BytesPreserved:    bytesPreserved,
		LinkState:         linkState,
		LinkQuality:       linkQuality,
		CacheEvictedTotal: cacheEvicted,
		StateChangesTotal: stateChanges,
	}, nil
}

// Handover implements Sink.
func (c *Collector) Handover(e HandoverEvent) {
	if c == nil {
		return
	}
	c.HandoverDuration.Observe(e.Duration.Seconds())
	c.HandoversTotal.WithLabelValues(e.Reason).Inc()
	if e.BytesPreserved > 0 {
		c.BytesPreserved.Add(float64(e.BytesPreserved))
	}
}

// Health implements Sink.
func (c *Collector) Health(e HealthTransition) {
	if c == nil {
		return
	}
	c.LinkState.WithLabelValues(string(e.LinkID), string(e.Kind)).Set(float64(e.To))
	c.LinkQuality.WithLabelValues(string(e.LinkID), string(e.Kind)).Set(e.Quality)
}

// Eviction implements Sink.
func (c *Collector) Eviction(e CacheEviction) {
	if c == nil {
		return
	}
	c.CacheEvictedTotal.WithLabelValues(e.Reason).Add(float64(e.Count))
}

// State implements Sink.
func (c *Collector) State(e StateChange) {
	if c == nil {
		return
	}
	c.StateChangesTotal.WithLabelValues(e.To).Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
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

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
