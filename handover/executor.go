package handover

import (
	"context"
	"time"

	"github.com/fieldlink/ddil-go/cache"
	"github.com/fieldlink/ddil-go/errors"
	"github.com/fieldlink/ddil-go/link"
	"github.com/fieldlink/ddil-go/log"
	"github.com/fieldlink/ddil-go/selector"
)

// ExecutorConfig holds the handover tunables. Zero values are replaced
// with defaults by NewExecutor.
type ExecutorConfig struct {
	// DrainTimeout bounds how long in-flight sends on the old link may
	// run before they are cut off and requeued. Default 500ms.
	DrainTimeout time.Duration

	Logger log.Logger
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	return c
}

// Result describes one completed (or superseded) handover.
type Result struct {
	Decision selector.Decision
	From     link.ID
	To       link.ID
	// RequeuedEntries and BytesPreserved account for in-flight data that
	// missed the drain window and went back into the cache.
	RequeuedEntries int
	BytesPreserved  int64
	Duration        time.Duration
	// Superseded is true when a newer decision arrived before activation;
	// the drain still happened but the target link was never activated.
	Superseded bool
	// Unpreserved holds drained entries the cache refused to take back.
	// Empty except on a requeue error; the caller owns their preservation.
	Unpreserved []cache.Entry
}

// Executor performs handovers. It is stateless between calls; the
// orchestrator invokes it from its single control loop.
type Executor struct {
	cfg ExecutorConfig
}

// NewExecutor returns an Executor with defaults applied.
func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{cfg: cfg.withDefaults()}
}

// Execute carries out decision d: drain the old sender, requeue every
// unacknowledged entry, then activate the new link unless a newer
// decision superseded this one. old is nil on the first activation.
// superseded is consulted after the drain, immediately before
// activation. activate installs the new link and may fail, in which
// case the handover fails with the drained data already preserved.
func (x *Executor) Execute(
	ctx context.Context,
	d selector.Decision,
	old *Sender,
	queue *cache.Queue,
	superseded func() bool,
	activate func() error,
) (Result, error) {
	start := time.Now()
	res := Result{Decision: d, From: d.PreviousLink, To: d.ChosenLink}

	if old != nil {
		unacked := old.Drain(x.cfg.DrainTimeout)
		if len(unacked) > 0 {
			if err := queue.Requeue(ctx, unacked); err != nil {
				res.Unpreserved = unacked
				x.cfg.Logger.Errorf(ctx, "handover %s -> %s could not requeue %d in-flight entries: %v",
					d.PreviousLink, d.ChosenLink, len(unacked), err)
				return res, errors.Errorf("requeue in-flight entries: %w", err)
			}
			res.RequeuedEntries = len(unacked)
			for _, e := range unacked {
				res.BytesPreserved += e.Size()
			}
			x.cfg.Logger.Infof(ctx, "handover %s -> %s requeued %d in-flight entries (%d bytes)",
				d.PreviousLink, d.ChosenLink, res.RequeuedEntries, res.BytesPreserved)
		}
	}

	if superseded != nil && superseded() {
		res.Superseded = true
		res.Duration = time.Since(start)
		x.cfg.Logger.Infof(ctx, "handover %s -> %s superseded before activation", d.PreviousLink, d.ChosenLink)
		return res, nil
	}

	if err := activate(); err != nil {
		return res, errors.Errorf("activate %s: %w", d.ChosenLink, err)
	}

	res.Duration = time.Since(start)
	x.cfg.Logger.Infof(ctx, "handover %s -> %s complete in %s (%s)",
		d.PreviousLink, d.ChosenLink, res.Duration, d.Reason)
	return res, nil
}
