package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldlink/ddil-go/errors"
)

// Pipe returns an in-memory Driver together with its remote control
// handle. The remote plays the role of the far end of the link: it
// receives everything sent, dictates the quality samples the driver
// reports, and can inject faults and up/down interrupts. Intended for
// tests and examples.
func Pipe() (Driver, *PipeRemote) {
	r := &PipeRemote{
		quality:  Quality{Latency: 10 * time.Millisecond, Loss: 0},
		rx:       make(chan []byte, 1024),
		subs:     map[int]pipeSub{},
		closedCh: make(chan struct{}),
	}
	return &pipeDriver{r: r}, r
}

type pipeSub struct {
	onUp   func()
	onDown func()
}

// PipeRemote is the controllable far end of a Pipe driver.
type PipeRemote struct {
	mu         sync.Mutex
	quality    Quality
	qualityErr error
	sendErr    error
	sendDelay  time.Duration

	rx      chan []byte
	txBytes atomic.Uint64

	subsMu  sync.Mutex
	subs    map[int]pipeSub
	nextSub int

	once     sync.Once
	closedCh chan struct{}
}

// SetQuality sets the sample returned by the driver's Quality probe.
func (r *PipeRemote) SetQuality(q Quality) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quality = q
	r.qualityErr = nil
}

// SetQualityErr makes the Quality probe fail until SetQuality is called.
func (r *PipeRemote) SetQualityErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qualityErr = err
}

// FailSends makes every Send fail with err until RestoreSends.
func (r *PipeRemote) FailSends(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

// RestoreSends clears a previous FailSends.
func (r *PipeRemote) RestoreSends() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = nil
}

// SetSendDelay delays every Send by d before it completes, simulating
// link latency and in-flight exposure during drains.
func (r *PipeRemote) SetSendDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendDelay = d
}

// InterruptDown fires the registered link-down callbacks.
func (r *PipeRemote) InterruptDown() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, s := range r.subs {
		if s.onDown != nil {
			s.onDown()
		}
	}
}

// InterruptUp fires the registered link-up callbacks.
func (r *PipeRemote) InterruptUp() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, s := range r.subs {
		if s.onUp != nil {
			s.onUp()
		}
	}
}

// Received returns the channel delivering payloads in the order the
// driver acknowledged them.
func (r *PipeRemote) Received() <-chan []byte {
	return r.rx
}

// TxBytes returns the total acknowledged bytes.
func (r *PipeRemote) TxBytes() uint64 {
	return r.txBytes.Load()
}

// Close tears the link down; subsequent sends fail.
func (r *PipeRemote) Close() {
	r.once.Do(func() { close(r.closedCh) })
}

type pipeDriver struct {
	r *PipeRemote
}

func (d *pipeDriver) Send(ctx context.Context, payload []byte) error {
	d.r.mu.Lock()
	sendErr := d.r.sendErr
	delay := d.r.sendDelay
	d.r.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-d.r.closedCh:
			return errors.ErrLinkClosed
		}
	}
	if sendErr != nil {
		return sendErr
	}

	// Closed wins over a ready rx buffer; a plain select would pick one
	// of the two at random.
	select {
	case <-d.r.closedCh:
		return errors.ErrLinkClosed
	default:
	}

	select {
	case <-d.r.closedCh:
		return errors.ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	case d.r.rx <- payload:
		d.r.txBytes.Add(uint64(len(payload)))
		return nil
	}
}

func (d *pipeDriver) Quality(ctx context.Context) (Quality, error) {
	d.r.mu.Lock()
	defer d.r.mu.Unlock()
	if d.r.qualityErr != nil {
		return Quality{}, d.r.qualityErr
	}
	return d.r.quality, nil
}

func (d *pipeDriver) Subscribe(onUp, onDown func()) (cancel func()) {
	d.r.subsMu.Lock()
	defer d.r.subsMu.Unlock()
	id := d.r.nextSub
	d.r.nextSub++
	d.r.subs[id] = pipeSub{onUp: onUp, onDown: onDown}
	return func() {
		d.r.subsMu.Lock()
		defer d.r.subsMu.Unlock()
		delete(d.r.subs, id)
	}
}
