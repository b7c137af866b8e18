// Package ddil is the controller entry point: it owns one monitor per
// link, the path selector, the handover executor, and the disconnection
// cache, and serializes everything through a single control loop.
package ddil

import (
	"os"
	"time"

	"github.com/AlekSi/pointer"
	"gopkg.in/yaml.v3"

	"github.com/fieldlink/ddil-go/cache"
	"github.com/fieldlink/ddil-go/errors"
	"github.com/fieldlink/ddil-go/handover"
	"github.com/fieldlink/ddil-go/link"
	"github.com/fieldlink/ddil-go/log"
	"github.com/fieldlink/ddil-go/monitor"
	"github.com/fieldlink/ddil-go/selector"
	"github.com/fieldlink/ddil-go/telemetry"
)

// LinkConfig declares one link under the controller's management.
type LinkConfig struct {
	ID   link.ID
	Kind link.Kind
	// Driver is the transport implementation for this link. Required.
	Driver link.Driver
	// PriorityWeight scales the link's quality score. Default 1.0.
	PriorityWeight float64
	// Priority is the numeric tie-break priority; lower wins. Default
	// link.DefaultPriority(Kind).
	Priority int
	// Disabled starts the link administratively down. It can be flipped
	// at runtime with SetLinkEnabled.
	Disabled bool
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.PriorityWeight == 0 {
		c.PriorityWeight = 1.0
	}
	if c.Priority == 0 {
		c.Priority = link.DefaultPriority(c.Kind)
	}
	return c
}

// Config holds every controller tunable. Zero values are replaced with
// defaults by New.
type Config struct {
	Links []LinkConfig

	Monitor  monitor.Config
	Selector selector.Config
	Cache    cache.Config
	Handover handover.ExecutorConfig

	// EvalInterval is the cadence at which the control loop re-evaluates
	// path selection and advances cache replay, independent of health
	// events. Default 250ms.
	EvalInterval time.Duration
	// SendTimeout bounds one driver send on the active link. Default 10s.
	SendTimeout time.Duration
	// ReplayChunkBytes bounds one cache replay batch so replay never
	// starves health event processing. Default 256 KiB.
	ReplayChunkBytes int64
	// SweepInterval is the retention sweep cadence. Default 1m.
	SweepInterval time.Duration

	Logger log.Logger
	Sink   telemetry.Sink
}

func (c Config) withDefaults() Config {
	for i := range c.Links {
		c.Links[i] = c.Links[i].withDefaults()
	}
	if c.Handover.DrainTimeout == 0 {
		c.Handover.DrainTimeout = 500 * time.Millisecond
	}
	if c.EvalInterval == 0 {
		c.EvalInterval = 250 * time.Millisecond
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.ReplayChunkBytes == 0 {
		c.ReplayChunkBytes = 256 << 10
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	if c.Sink == nil {
		c.Sink = telemetry.NewNopSink()
	}
	if c.Monitor.Logger == nil {
		c.Monitor.Logger = c.Logger
	}
	if c.Selector.Logger == nil {
		c.Selector.Logger = c.Logger
	}
	if c.Cache.Logger == nil {
		c.Cache.Logger = c.Logger
	}
	if c.Handover.Logger == nil {
		c.Handover.Logger = c.Logger
	}
	return c
}

func (c Config) validate() error {
	if len(c.Links) == 0 {
		return errors.New("at least one link is required")
	}
	seen := map[link.ID]bool{}
	for _, l := range c.Links {
		if l.ID == "" {
			return errors.New("link id is required")
		}
		if seen[l.ID] {
			return errors.Errorf("duplicate link id %q", l.ID)
		}
		seen[l.ID] = true
		if l.Driver == nil {
			return errors.Errorf("link %q has no driver", l.ID)
		}
	}
	return nil
}

// FileLink is the YAML shape of one link declaration. Drivers cannot
// come from a file; the caller attaches them by ID after loading.
type FileLink struct {
	ID             string   `yaml:"id"`
	Kind           string   `yaml:"kind"`
	PriorityWeight *float64 `yaml:"priority_weight"`
	Priority       *int     `yaml:"priority"`
	Enabled        *bool    `yaml:"enabled"`
}

// FileConfig is the YAML shape of a controller configuration. Every
// field is optional; absent fields keep their defaults.
type FileConfig struct {
	Links []FileLink `yaml:"links"`

	SampleIntervalMS   *int     `yaml:"sample_interval_ms"`
	KeepaliveIntervalS *int     `yaml:"keepalive_interval_s"`
	DebounceCount      *int     `yaml:"debounce_count"`
	QualityAlpha       *float64 `yaml:"quality_alpha"`
	DegradedBelow      *float64 `yaml:"degraded_below"`

	SelectionEpsilon *float64 `yaml:"selection_epsilon"`
	HandoverMargin   *float64 `yaml:"handover_margin"`
	DwellMS          *int     `yaml:"dwell_ms"`
	PrecacheBelow    *float64 `yaml:"precache_below"`

	DrainTimeoutMS *int `yaml:"drain_timeout_ms"`

	CacheCapacityBytes  *int64 `yaml:"cache_capacity_bytes"`
	CacheRetentionHours *int   `yaml:"cache_retention_hours"`
}

// LoadConfig reads a YAML configuration file. The returned Config has
// no drivers attached; set Links[i].Driver before calling New.
func LoadConfig(path string) (Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(bs, &fc); err != nil {
		return Config{}, errors.Errorf("parse config: %w", err)
	}
	return fc.Config()
}

// Config converts the file shape into a Config.
func (fc FileConfig) Config() (Config, error) {
	var cfg Config
	for _, fl := range fc.Links {
		if fl.Enabled == nil {
			fl.Enabled = pointer.To(true)
		}
		lc := LinkConfig{
			ID:       link.ID(fl.ID),
			Kind:     link.Kind(fl.Kind),
			Disabled: !*fl.Enabled,
		}
		if fl.PriorityWeight != nil {
			lc.PriorityWeight = *fl.PriorityWeight
		}
		if fl.Priority != nil {
			lc.Priority = *fl.Priority
		}
		cfg.Links = append(cfg.Links, lc)
	}

	if fc.SampleIntervalMS != nil {
		cfg.Monitor.SampleInterval = time.Duration(*fc.SampleIntervalMS) * time.Millisecond
	}
	if fc.KeepaliveIntervalS != nil {
		cfg.Monitor.KeepaliveInterval = time.Duration(*fc.KeepaliveIntervalS) * time.Second
	}
	if fc.DebounceCount != nil {
		cfg.Monitor.DebounceCount = *fc.DebounceCount
	}
	if fc.QualityAlpha != nil {
		cfg.Monitor.Alpha = *fc.QualityAlpha
	}
	if fc.DegradedBelow != nil {
		cfg.Monitor.DegradedBelow = *fc.DegradedBelow
	}

	if fc.SelectionEpsilon != nil {
		cfg.Selector.Epsilon = *fc.SelectionEpsilon
	}
	if fc.HandoverMargin != nil {
		cfg.Selector.Margin = *fc.HandoverMargin
	}
	if fc.DwellMS != nil {
		cfg.Selector.DwellTime = time.Duration(*fc.DwellMS) * time.Millisecond
	}
	if fc.PrecacheBelow != nil {
		cfg.Selector.PrecacheBelow = *fc.PrecacheBelow
	}

	if fc.DrainTimeoutMS != nil {
		cfg.Handover.DrainTimeout = time.Duration(*fc.DrainTimeoutMS) * time.Millisecond
	}

	if fc.CacheCapacityBytes != nil {
		cfg.Cache.CapacityBytes = *fc.CacheCapacityBytes
	}
	if fc.CacheRetentionHours != nil {
		cfg.Cache.MaxRetention = time.Duration(*fc.CacheRetentionHours) * time.Hour
	}
	return cfg, nil
}
