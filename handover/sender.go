// Package handover moves traffic from one link to another without
// losing data: a per-link sender tracks in-flight payloads, and the
// executor drains the old sender and requeues anything unacknowledged
// before the new link activates.
package handover

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fieldlink/ddil-go/cache"
	"github.com/fieldlink/ddil-go/errors"
	"github.com/fieldlink/ddil-go/link"
	"github.com/fieldlink/ddil-go/log"
)

// SenderConfig holds the per-link sender tunables. Zero values are
// replaced with defaults by NewSender.
type SenderConfig struct {
	LinkID link.ID
	// SendTimeout bounds one driver send. Default 10s.
	SendTimeout time.Duration
	// QueueSize is the submit buffer depth. Default 1024.
	QueueSize int
	// OnAck runs after a payload is confirmed sent, outside the pending
	// lock. The controller uses it to remove the entry from the durable
	// cache.
	OnAck func(e cache.Entry)

	Logger log.Logger
}

func (c SenderConfig) withDefaults() SenderConfig {
	if c.SendTimeout == 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 1024
	}
	if c.OnAck == nil {
		c.OnAck = func(cache.Entry) {}
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	return c
}

// Sender owns one link's outbound traffic. Every submitted entry stays
// in the pending set until the driver confirms the send, so a drain can
// always account for what has not been delivered.
type Sender struct {
	cfg    SenderConfig
	drv    link.Driver
	inCh   chan cache.Entry
	doneCh chan struct{}
	fault  chan error
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[uint64]cache.Entry
	closed  bool
}

// NewSender starts the send loop for drv.
func NewSender(drv link.Driver, cfg SenderConfig) *Sender {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		cfg:     cfg,
		drv:     drv,
		inCh:    make(chan cache.Entry, cfg.QueueSize),
		doneCh:  make(chan struct{}),
		fault:   make(chan error, 1),
		cancel:  cancel,
		pending: map[uint64]cache.Entry{},
	}
	go s.run(ctx)
	return s
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.inCh:
			if !ok {
				return
			}
			sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
			err := s.drv.Send(sendCtx, e.Payload)
			cancel()
			if err != nil {
				// The entry stays pending; the drain will requeue it.
				s.cfg.Logger.Warnf(ctx, "send failed on %s (seq %d): %v", s.cfg.LinkID, e.Seq, err)
				select {
				case s.fault <- err:
				default:
				}
				return
			}
			s.mu.Lock()
			delete(s.pending, e.Seq)
			s.mu.Unlock()
			s.cfg.OnAck(e)
		}
	}
}

// Submit hands one entry to the send loop. It never blocks: a full
// queue is reported as an error so the caller can cache the entry
// instead.
func (s *Sender) Submit(e cache.Entry) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.ErrLinkClosed
	}
	s.pending[e.Seq] = e
	s.mu.Unlock()

	select {
	case s.inCh <- e:
		return nil
	default:
		s.mu.Lock()
		delete(s.pending, e.Seq)
		s.mu.Unlock()
		return errors.Errorf("send queue full on %s: %w", s.cfg.LinkID, errors.ErrLinkUnavailable)
	}
}

// Fault reports the first send failure. The channel never closes and
// holds at most one error.
func (s *Sender) Fault() <-chan error {
	return s.fault
}

// Pending returns the number of unacknowledged entries.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Drain stops accepting new entries, lets in-flight sends finish for up
// to timeout, then cuts the loop off and returns every unacknowledged
// entry in ascending sequence order. Safe to call more than once.
func (s *Sender) Drain(timeout time.Duration) []cache.Entry {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.inCh)
	}
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.doneCh:
	case <-timer.C:
		s.cancel()
		<-s.doneCh
	}
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cache.Entry, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Close stops the sender without waiting for in-flight sends.
func (s *Sender) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.inCh)
	}
	s.mu.Unlock()
	s.cancel()
	<-s.doneCh
}
