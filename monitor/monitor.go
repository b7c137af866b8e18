// Package monitor samples link drivers on a fixed cadence, smooths the
// raw samples into a quality score, debounces flaps, and emits typed
// health events for the path selector.
package monitor

import (
	"context"
	"time"

	"github.com/fieldlink/ddil-go/internal/ch"
	"github.com/fieldlink/ddil-go/link"
	"github.com/fieldlink/ddil-go/log"
)

// Event is one immutable health observation. Transition events carry a
// state change; keepalive events repeat the current state on a slow
// cadence so a silent or hung monitor is detectable downstream.
type Event struct {
	LinkID     link.ID
	Kind       link.Kind
	State      link.State
	Quality    float64 // smoothed score in [0,1]
	Transition bool
	Reason     string
	Timestamp  time.Time
}

// Config holds the monitor tunables. Zero values are replaced with
// defaults by New.
type Config struct {
	// SampleInterval is the probing cadence per link. Default 250ms.
	SampleInterval time.Duration
	// SampleTimeout bounds one driver Quality call. A probe that exceeds
	// it counts as a missed sample. Default SampleInterval.
	SampleTimeout time.Duration
	// KeepaliveInterval is the cadence of non-transition events.
	// Default 5s.
	KeepaliveInterval time.Duration
	// DebounceCount is the number of consecutive consistent samples
	// required before a state transition is emitted. Default 3. An
	// explicit down interrupt always transitions immediately.
	DebounceCount int
	// Alpha is the EWMA weight of the newest sample. Default 0.3.
	Alpha float64
	// LatencyFullScale is the latency that maps to a zero latency score.
	// Default 1s.
	LatencyFullScale time.Duration
	// DegradedBelow is the instant-score threshold under which a sample
	// counts against the link. Default 0.35.
	DegradedBelow float64

	Logger log.Logger
}

func (c Config) withDefaults() Config {
	if c.SampleInterval == 0 {
		c.SampleInterval = 250 * time.Millisecond
	}
	if c.SampleTimeout == 0 {
		c.SampleTimeout = c.SampleInterval
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 5 * time.Second
	}
	if c.DebounceCount == 0 {
		c.DebounceCount = 3
	}
	if c.Alpha == 0 {
		c.Alpha = 0.3
	}
	if c.LatencyFullScale == 0 {
		c.LatencyFullScale = time.Second
	}
	if c.DegradedBelow == 0 {
		c.DegradedBelow = 0.35
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	return c
}

type interrupt int

const (
	interruptUp interrupt = iota
	interruptDown
)

// Monitor owns the health state of exactly one link. Run drives it; all
// state lives inside the loop goroutine.
type Monitor struct {
	linkID link.ID
	kind   link.Kind
	driver link.Driver
	cfg    Config
	events chan<- Event

	interrupts chan interrupt

	// loop-owned state
	state          link.State
	quality        float64
	sampled        bool
	degradedStreak int
	healthyStreak  int
	missedSamples  int
}

// New creates a monitor for one link. Events are delivered to the shared
// events channel; ordering across links follows channel send order.
func New(linkID link.ID, kind link.Kind, driver link.Driver, cfg Config, events chan<- Event) *Monitor {
	return &Monitor{
		linkID:     linkID,
		kind:       kind,
		driver:     driver,
		cfg:        cfg.withDefaults(),
		events:     events,
		interrupts: make(chan interrupt, 16),
		state:      link.StateDown,
	}
}

// Run samples the link until the context is canceled. It never returns a
// driver error: driver faults force the link DOWN and sampling continues.
func (m *Monitor) Run(ctx context.Context) error {
	ctx = log.WithTrackLinkID(ctx, string(m.linkID))
	m.cfg.Logger.Infof(ctx, "link monitor started kind[%s] interval[%v]", m.kind, m.cfg.SampleInterval)

	cancelSub := m.driver.Subscribe(
		func() { ch.TryWrite(interruptUp, m.interrupts) },
		func() { ch.TryWrite(interruptDown, m.interrupts) },
	)
	defer cancelSub()

	sampleTicker := time.NewTicker(m.cfg.SampleInterval)
	defer sampleTicker.Stop()
	keepalive := time.NewTicker(m.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			m.cfg.Logger.Infof(ctx, "link monitor stopped")
			return ctx.Err()
		case in := <-m.interrupts:
			switch in {
			case interruptDown:
				// One explicit down interrupt transitions immediately.
				m.missedSamples = 0
				m.degradedStreak = 0
				m.healthyStreak = 0
				m.transition(ctx, link.StateDown, "down interrupt")
			case interruptUp:
				m.missedSamples = 0
				m.sample(ctx, true)
			}
		case <-sampleTicker.C:
			m.sample(ctx, false)
		case <-keepalive.C:
			m.emit(ctx, Event{
				LinkID:     m.linkID,
				Kind:       m.kind,
				State:      m.state,
				Quality:    m.quality,
				Transition: false,
				Reason:     "keepalive",
				Timestamp:  time.Now(),
			})
		}
	}
}

// sample probes the driver once and folds the result into the smoothed
// quality and the debounce streaks. fromInterrupt marks a probe triggered
// by an up interrupt, which may transition UP without the full debounce.
func (m *Monitor) sample(ctx context.Context, fromInterrupt bool) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.SampleTimeout)
	q, err := m.driver.Quality(probeCtx)
	cancel()

	if err != nil {
		m.missedSamples++
		m.healthyStreak = 0
		m.cfg.Logger.Debugf(ctx, "quality probe failed (%d consecutive): %v", m.missedSamples, err)
		// Two missed samples means the driver has been silent for twice
		// the expected interval: the link is DOWN, never a process fault.
		if m.missedSamples >= 2 && m.state != link.StateDown {
			m.updateQuality(0)
			m.transition(ctx, link.StateDown, "driver silent")
		}
		return
	}
	m.missedSamples = 0

	instant := m.instantScore(q)
	m.updateQuality(instant)

	if instant < m.cfg.DegradedBelow {
		m.degradedStreak++
		m.healthyStreak = 0
	} else {
		m.healthyStreak++
		m.degradedStreak = 0
	}

	switch {
	case m.state == link.StateUp && m.degradedStreak >= m.cfg.DebounceCount:
		m.transition(ctx, link.StateDegraded, "quality degraded")
	case m.state != link.StateUp && fromInterrupt && m.healthyStreak >= 1:
		m.transition(ctx, link.StateUp, "up interrupt")
	case m.state != link.StateUp && m.healthyStreak >= m.cfg.DebounceCount:
		m.transition(ctx, link.StateUp, "quality recovered")
	}
}

func (m *Monitor) instantScore(q link.Quality) float64 {
	latencyScore := 1 - float64(q.Latency)/float64(m.cfg.LatencyFullScale)
	latencyScore = clamp01(latencyScore)
	return latencyScore * (1 - clamp01(q.Loss))
}

func (m *Monitor) updateQuality(instant float64) {
	if !m.sampled {
		m.quality = instant
		m.sampled = true
		return
	}
	m.quality = m.cfg.Alpha*instant + (1-m.cfg.Alpha)*m.quality
}

func (m *Monitor) transition(ctx context.Context, to link.State, reason string) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	m.cfg.Logger.Infof(ctx, "health transition %s -> %s (%s) quality[%0.3f]", from, to, reason, m.quality)
	m.emit(ctx, Event{
		LinkID:     m.linkID,
		Kind:       m.kind,
		State:      to,
		Quality:    m.quality,
		Transition: true,
		Reason:     reason,
		Timestamp:  time.Now(),
	})
}

func (m *Monitor) emit(ctx context.Context, ev Event) {
	ch.WriteOrDone(ctx, ev, m.events)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
