package ddil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fieldlink/ddil-go/cache"
	"github.com/fieldlink/ddil-go/errors"
	"github.com/fieldlink/ddil-go/handover"
	"github.com/fieldlink/ddil-go/link"
	"github.com/fieldlink/ddil-go/log"
	"github.com/fieldlink/ddil-go/monitor"
	"github.com/fieldlink/ddil-go/selector"
	"github.com/fieldlink/ddil-go/telemetry"
)

// State is the controller's connectivity state.
type State int

const (
	// StateNoPath means no link is usable; every write goes to the cache.
	StateNoPath State = iota
	// StateTransitioning means a handover is in progress.
	StateTransitioning
	// StateActive means one link carries traffic.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateNoPath:
		return "NO_PATH"
	case StateTransitioning:
		return "TRANSITIONING"
	case StateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Outcome says what happened to a submitted payload.
type Outcome int

const (
	// OutcomeAccepted means the payload was handed to the active link.
	OutcomeAccepted Outcome = iota
	// OutcomeQueuedInCache means the payload went into the disconnection
	// cache and will replay in order once a link is usable.
	OutcomeQueuedInCache
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeQueuedInCache:
		return "queued_in_cache"
	default:
		return "unknown"
	}
}

// SubmitResult reports the fate of one Submit call.
type SubmitResult struct {
	Outcome Outcome
	// Seq is the payload's position in the global write order.
	Seq uint64
}

// LinkStatus is the health snapshot of one link.
type LinkStatus struct {
	ID       link.ID
	Kind     link.Kind
	State    link.State
	Quality  float64
	Priority int
	Enabled  bool
}

// Status is a point-in-time controller snapshot.
type Status struct {
	State         State
	ActiveLink    link.ID
	Links         []LinkStatus
	CacheLen      int
	CacheBytes    int64
	CacheCapacity int64
}

type submitReq struct {
	payload []byte
	resCh   chan submitRes
}

type submitRes struct {
	result SubmitResult
	err    error
}

type forceReq struct {
	id    link.ID
	resCh chan error
}

type enableReq struct {
	id      link.ID
	enabled bool
	resCh   chan error
}

// linkEntry is the loop-owned view of one link.
type linkEntry struct {
	cfg     LinkConfig
	state   link.State
	quality float64
	enabled bool
}

// Controller orchestrates monitors, selection, handovers, and the
// disconnection cache. All mutable state lives inside the control loop
// goroutine; the public methods communicate with it over channels.
type Controller struct {
	cfg    Config
	logger log.Logger
	sink   telemetry.Sink

	queue *cache.Queue
	sel   *selector.Selector
	exec  *handover.Executor

	healthCh chan monitor.Event
	submitCh chan submitReq
	statusCh chan chan Status
	forceCh  chan forceReq
	enableCh chan enableReq

	cancel   context.CancelFunc
	eg       *errgroup.Group
	loopDone chan struct{}

	closeOnce sync.Once
	closeErr  error

	// loop-owned state below; never touched outside the loop goroutine.
	state    State
	active   link.ID
	sender   *handover.Sender
	faultCh  <-chan error
	links    map[link.ID]*linkEntry
	precache bool
}

// New validates cfg, reloads any cached backlog from the configured
// Store, starts one monitor per link plus the control loop, and returns
// the controller handle. The first selection happens as soon as a link
// reports healthy.
func New(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:      cfg,
		logger:   cfg.Logger,
		sink:     cfg.Sink,
		sel:      selector.New(cfg.Selector),
		exec:     handover.NewExecutor(cfg.Handover),
		healthCh: make(chan monitor.Event, 256),
		submitCh: make(chan submitReq),
		statusCh: make(chan chan Status),
		forceCh:  make(chan forceReq),
		enableCh: make(chan enableReq),
		loopDone: make(chan struct{}),
		state:    StateNoPath,
		links:    map[link.ID]*linkEntry{},
	}

	// Evictions flow to telemetry without the cache knowing about sinks.
	userOnEvict := cfg.Cache.OnEvict
	cfg.Cache.OnEvict = func(count int, bytes int64, reason string) {
		c.sink.Eviction(telemetry.CacheEviction{Count: count, Bytes: bytes, Reason: reason, Timestamp: time.Now()})
		if userOnEvict != nil {
			userOnEvict(count, bytes, reason)
		}
	}

	queue, err := cache.NewQueue(context.Background(), cfg.Cache)
	if err != nil {
		return nil, err
	}
	c.queue = queue

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	eg, egCtx := errgroup.WithContext(ctx)
	c.eg = eg
	for _, lc := range cfg.Links {
		lc := lc
		c.links[lc.ID] = &linkEntry{cfg: lc, state: link.StateDown, enabled: !lc.Disabled}
		m := monitor.New(lc.ID, lc.Kind, lc.Driver, cfg.Monitor, c.healthCh)
		eg.Go(func() error {
			return m.Run(egCtx)
		})
	}

	go c.loop(ctx)

	c.logger.Infof(ctx, "controller started with %d links", len(cfg.Links))
	return c, nil
}

// Close stops the monitors and the control loop. In-flight sends get
// one drain window; anything unacknowledged is preserved in the cache
// (and its durable store) for the next start.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeErr = c.eg.Wait()
		if errors.Is(c.closeErr, context.Canceled) {
			c.closeErr = nil
		}
		<-c.loopDone
	})
	return c.closeErr
}

// Submit hands one payload to the controller. It is safe for concurrent
// use. The result says whether the payload went straight to the active
// link or into the disconnection cache; either way its sequence number
// fixes its position in the global write order.
func (c *Controller) Submit(ctx context.Context, payload []byte) (SubmitResult, error) {
	req := submitReq{payload: payload, resCh: make(chan submitRes, 1)}
	select {
	case c.submitCh <- req:
	case <-c.loopDone:
		return SubmitResult{}, errors.ErrControllerClosed
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
	select {
	case res := <-req.resCh:
		return res.result, res.err
	case <-c.loopDone:
		return SubmitResult{}, errors.ErrControllerClosed
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
}

// Status returns a point-in-time snapshot of the controller.
func (c *Controller) Status() (Status, error) {
	resCh := make(chan Status, 1)
	select {
	case c.statusCh <- resCh:
		return <-resCh, nil
	case <-c.loopDone:
		return Status{}, errors.ErrControllerClosed
	}
}

// ForceSwitch routes a manual handover to the given link through the
// control loop. The target must be configured, enabled, and not DOWN.
func (c *Controller) ForceSwitch(linkID link.ID) error {
	req := forceReq{id: linkID, resCh: make(chan error, 1)}
	select {
	case c.forceCh <- req:
		return <-req.resCh
	case <-c.loopDone:
		return errors.ErrControllerClosed
	}
}

// SetLinkEnabled administratively enables or disables a link. A
// disabled link reports DOWN to the selector; disabling the active link
// triggers an immediate handover.
func (c *Controller) SetLinkEnabled(linkID link.ID, enabled bool) error {
	req := enableReq{id: linkID, enabled: enabled, resCh: make(chan error, 1)}
	select {
	case c.enableCh <- req:
		return <-req.resCh
	case <-c.loopDone:
		return errors.ErrControllerClosed
	}
}

// loop is the single serialized control loop. Health events, submits,
// selection, handovers, and cache replay all pass through here, which
// is what guarantees the global write order.
func (c *Controller) loop(ctx context.Context) {
	defer close(c.loopDone)

	evalTicker := time.NewTicker(c.cfg.EvalInterval)
	defer evalTicker.Stop()
	sweepTicker := time.NewTicker(c.cfg.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown(ctx)
			return
		case ev := <-c.healthCh:
			c.applyHealth(ctx, ev)
			// Monitors report independently; fold in whatever else already
			// arrived so one selection sees all simultaneous transitions.
			c.absorbPendingHealth(ctx)
			c.evaluate(ctx)
			c.replayStep(ctx)
		case <-evalTicker.C:
			c.evaluate(ctx)
			c.replayStep(ctx)
		case err := <-c.faultCh:
			c.onSenderFault(ctx, err)
		case req := <-c.submitCh:
			req.resCh <- c.handleSubmit(ctx, req.payload)
			c.replayStep(ctx)
		case resCh := <-c.statusCh:
			resCh <- c.snapshotStatus()
		case req := <-c.forceCh:
			req.resCh <- c.handleForce(ctx, req.id)
		case req := <-c.enableCh:
			req.resCh <- c.handleEnable(ctx, req.id, req.enabled)
		case <-sweepTicker.C:
			c.queue.SweepExpired(ctx, time.Now())
		}
	}
}

// shutdown preserves in-flight data before the loop exits. The store
// keeps the backlog for the next start.
func (c *Controller) shutdown(ctx context.Context) {
	if c.sender == nil {
		return
	}
	unacked := c.sender.Drain(c.cfg.Handover.DrainTimeout)
	if len(unacked) == 0 {
		return
	}
	if err := c.queue.Requeue(context.Background(), unacked); err != nil {
		c.logger.Errorf(ctx, "requeue on shutdown: %v", err)
		return
	}
	c.logger.Infof(ctx, "shutdown preserved %d in-flight entries in the cache", len(unacked))
}

func (c *Controller) applyHealth(ctx context.Context, ev monitor.Event) {
	entry, ok := c.links[ev.LinkID]
	if !ok {
		return
	}
	from := entry.state
	entry.state = ev.State
	entry.quality = ev.Quality
	if ev.Transition {
		c.sink.Health(telemetry.HealthTransition{
			LinkID:    ev.LinkID,
			Kind:      ev.Kind,
			From:      from,
			To:        ev.State,
			Quality:   ev.Quality,
			Reason:    ev.Reason,
			Timestamp: ev.Timestamp,
		})
	}
}

// absorbPendingHealth drains queued health events without blocking, so
// a decision can be checked against the freshest view right before it
// activates.
func (c *Controller) absorbPendingHealth(ctx context.Context) {
	for {
		select {
		case ev := <-c.healthCh:
			c.applyHealth(ctx, ev)
		default:
			return
		}
	}
}

// snapshot builds the selector's view. Disabled links report DOWN.
func (c *Controller) snapshot() []selector.LinkSnapshot {
	out := make([]selector.LinkSnapshot, 0, len(c.links))
	for _, e := range c.links {
		state := e.state
		if !e.enabled {
			state = link.StateDown
		}
		out = append(out, selector.LinkSnapshot{
			ID:             e.cfg.ID,
			Kind:           e.cfg.Kind,
			State:          state,
			Quality:        e.quality,
			PriorityWeight: e.cfg.PriorityWeight,
			Priority:       e.cfg.Priority,
		})
	}
	return out
}

// evaluate runs one selection pass and executes whatever it decides.
// A superseded or failed handover re-selects immediately, bounded so a
// flapping link set cannot spin the loop.
func (c *Controller) evaluate(ctx context.Context) {
	for attempt := 0; attempt < 4; attempt++ {
		d, precache := c.sel.Select(time.Now(), c.active, c.snapshot())
		c.precache = precache
		if d == nil {
			// A superseded or failed handover leaves no sender; if no link
			// is selectable either, this is NO_PATH, not a stuck transition.
			if c.state == StateTransitioning && c.sender == nil {
				c.setState(ctx, StateNoPath)
			}
			return
		}
		if d.NoPath() {
			c.toNoPath(ctx, *d)
			return
		}
		if c.executeHandover(ctx, *d) {
			return
		}
	}
	c.logger.Warnf(ctx, "selection did not settle after repeated supersedes")
}

// toNoPath tears the active link down and parks every future write in
// the cache.
func (c *Controller) toNoPath(ctx context.Context, d selector.Decision) {
	if c.sender != nil {
		unacked := c.sender.Drain(c.cfg.Handover.DrainTimeout)
		if err := c.queue.Requeue(ctx, unacked); err != nil {
			c.logger.Errorf(ctx, "requeue on path loss: %v", err)
		}
		c.sender = nil
		c.faultCh = nil
	}
	c.active = ""
	c.setState(ctx, StateNoPath)
	c.logger.Warnf(ctx, "no usable link (%s); caching all writes", d.Reason)
}

// executeHandover performs one handover decision. It returns false when
// the decision was superseded or activation failed, in which case the
// caller re-selects against the fresh link view.
func (c *Controller) executeHandover(ctx context.Context, d selector.Decision) bool {
	c.setState(ctx, StateTransitioning)

	old := c.sender
	c.sender = nil
	c.faultCh = nil

	var next *handover.Sender
	superseded := func() bool {
		// The drain may have taken a while; re-check the target against
		// events that arrived meanwhile.
		c.absorbPendingHealth(ctx)
		e, ok := c.links[d.ChosenLink]
		return !ok || !e.enabled || e.state == link.StateDown
	}
	activate := func() error {
		e, ok := c.links[d.ChosenLink]
		if !ok {
			return errors.ErrUnknownLink
		}
		next = handover.NewSender(e.cfg.Driver, handover.SenderConfig{
			LinkID:      d.ChosenLink,
			SendTimeout: c.cfg.SendTimeout,
			OnAck: func(entry cache.Entry) {
				if err := c.queue.Ack(context.Background(), []cache.Entry{entry}); err != nil {
					c.logger.Warnf(ctx, "ack seq %d: %v", entry.Seq, err)
				}
			},
			Logger: c.logger,
		})
		return nil
	}

	res, err := c.exec.Execute(ctx, d, old, c.queue, superseded, activate)
	c.sink.Handover(telemetry.HandoverEvent{
		DecisionID:      d.ID,
		From:            d.PreviousLink,
		To:              d.ChosenLink,
		Reason:          d.Reason,
		RequeuedEntries: res.RequeuedEntries,
		BytesPreserved:  res.BytesPreserved,
		Duration:        res.Duration,
		Superseded:      res.Superseded,
		Timestamp:       time.Now(),
	})
	if err != nil {
		// The failed target is held DOWN until its monitor says otherwise,
		// so the immediate re-selection does not pick it again.
		c.logger.Errorf(ctx, "handover to %s failed: %v", d.ChosenLink, err)
		if len(res.Unpreserved) > 0 {
			if rqErr := c.queue.Requeue(ctx, res.Unpreserved); rqErr != nil {
				c.logger.Errorf(ctx, "%d in-flight entries lost: %v", len(res.Unpreserved), rqErr)
			}
		}
		if e, ok := c.links[d.ChosenLink]; ok {
			e.state = link.StateDown
		}
		// The previous link has no sender anymore either; forgetting it
		// makes the re-selection an initial one, so the selector can
		// re-activate it instead of keeping a link that cannot send.
		c.active = ""
		return false
	}
	if res.Superseded {
		c.active = ""
		return false
	}

	c.active = d.ChosenLink
	c.sender = next
	c.faultCh = next.Fault()
	c.setState(ctx, StateActive)
	return true
}

// onSenderFault reacts to a send failure on the active link: the link
// is held DOWN until its monitor reports otherwise, and selection runs
// immediately rather than waiting for the next health event.
func (c *Controller) onSenderFault(ctx context.Context, err error) {
	c.logger.Warnf(ctx, "active link %s send fault: %v", c.active, err)
	if e, ok := c.links[c.active]; ok {
		e.state = link.StateDown
	}
	c.evaluate(ctx)
}

func (c *Controller) handleSubmit(ctx context.Context, payload []byte) submitRes {
	// Direct sends happen only when the link is active and nothing is
	// queued ahead; otherwise the payload lines up behind the backlog so
	// the global order holds.
	if c.state == StateActive && c.sender != nil && c.queue.Len() == 0 && !c.precache {
		seq := c.queue.NextSeq()
		e := cache.Entry{Seq: seq, Payload: payload, EnqueuedAt: time.Now()}
		if err := c.sender.Submit(e); err == nil {
			return submitRes{result: SubmitResult{Outcome: OutcomeAccepted, Seq: seq}}
		}
		// The sender is saturated or mid-teardown: preserve the payload
		// (and its position) in the cache instead of failing the write.
		if err := c.queue.Requeue(ctx, []cache.Entry{e}); err != nil {
			return submitRes{err: err}
		}
		return submitRes{result: SubmitResult{Outcome: OutcomeQueuedInCache, Seq: seq}}
	}

	seq, err := c.queue.Enqueue(ctx, payload)
	if err != nil {
		return submitRes{err: err}
	}
	return submitRes{result: SubmitResult{Outcome: OutcomeQueuedInCache, Seq: seq}}
}

// replayStep pushes one bounded chunk of the cached backlog to the
// active sender. Chunking keeps the loop responsive to health events
// and fresh submits while a long backlog drains.
func (c *Controller) replayStep(ctx context.Context) {
	if c.state != StateActive || c.sender == nil || c.queue.Len() == 0 {
		return
	}
	entries := c.queue.Drain(c.cfg.ReplayChunkBytes)
	for i, e := range entries {
		if err := c.sender.Submit(e); err != nil {
			// Put back what did not make it; the fault path will reselect.
			if rqErr := c.queue.Requeue(ctx, entries[i:]); rqErr != nil {
				c.logger.Errorf(ctx, "requeue during replay: %v", rqErr)
			}
			return
		}
	}
	c.logger.Debugf(ctx, "replayed %d cached entries on %s", len(entries), c.active)
}

func (c *Controller) handleForce(ctx context.Context, id link.ID) error {
	e, ok := c.links[id]
	if !ok {
		return errors.ErrUnknownLink
	}
	if !e.enabled || e.state == link.StateDown {
		return errors.ErrLinkUnavailable
	}
	if id == c.active {
		return nil
	}
	d := selector.Decision{
		ID:           uuid.New(),
		ChosenLink:   id,
		PreviousLink: c.active,
		Reason:       "forced handover",
		Timestamp:    time.Now(),
	}
	if !c.executeHandover(ctx, d) {
		// Restore service on whatever is still healthy before reporting
		// the failed switch.
		c.evaluate(ctx)
		return errors.ErrLinkUnavailable
	}
	return nil
}

func (c *Controller) handleEnable(ctx context.Context, id link.ID, enabled bool) error {
	e, ok := c.links[id]
	if !ok {
		return errors.ErrUnknownLink
	}
	if e.enabled == enabled {
		return nil
	}
	e.enabled = enabled
	c.logger.Infof(ctx, "link %s administratively %s", id, map[bool]string{true: "enabled", false: "disabled"}[enabled])
	c.evaluate(ctx)
	return nil
}

func (c *Controller) setState(ctx context.Context, to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	c.logger.Infof(ctx, "state %s -> %s active[%s]", from, to, c.active)
	c.sink.State(telemetry.StateChange{
		From:       from.String(),
		To:         to.String(),
		ActiveLink: c.active,
		Timestamp:  time.Now(),
	})
}

func (c *Controller) snapshotStatus() Status {
	st := Status{
		State:         c.state,
		ActiveLink:    c.active,
		CacheLen:      c.queue.Len(),
		CacheBytes:    c.queue.Bytes(),
		CacheCapacity: c.queue.Capacity(),
	}
	for _, lc := range c.cfg.Links {
		e := c.links[lc.ID]
		st.Links = append(st.Links, LinkStatus{
			ID:       lc.ID,
			Kind:     lc.Kind,
			State:    e.state,
			Quality:  e.quality,
			Priority: e.cfg.Priority,
			Enabled:  e.enabled,
		})
	}
	return st
}
