// Package cache implements the disconnection cache: a strictly FIFO,
// capacity-bounded queue of outbound payloads that survives periods with
// no usable link and replays in original order once one returns.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fieldlink/ddil-go/errors"
	"github.com/fieldlink/ddil-go/log"
)

// Entry is one buffered payload. Seq is assigned at enqueue time under
// the queue lock and is the invariant that makes replay order equal
// original write order.
type Entry struct {
	Seq        uint64
	Payload    []byte
	EnqueuedAt time.Time
	// Durable marks entries recorded in the backing Store. Entries that
	// bypassed the cache (direct sends later requeued by a drain) start
	// out non-durable.
	Durable bool
}

// Size returns the entry's accounted size in bytes.
func (e Entry) Size() int64 {
	return int64(len(e.Payload))
}

// Eviction reasons reported through the OnEvict hook.
const (
	EvictReasonCapacity = "capacity"
	EvictReasonExpired  = "expired"
)

// EvictFunc observes evictions. Called outside the queue lock is not
// guaranteed; implementations must not call back into the queue.
type EvictFunc func(count int, bytes int64, reason string)

// Config holds the cache tunables. Zero values are replaced with
// defaults by NewQueue.
type Config struct {
	// CapacityBytes bounds the sum of live entry sizes. Default 64 MiB.
	CapacityBytes int64
	// MaxRetention evicts entries older than this even without capacity
	// pressure, bounding staleness. Default 24h (the low end of the
	// autonomy window).
	MaxRetention time.Duration
	// Store is the durable backing log. Default NewNopStore().
	Store Store
	// OnEvict observes capacity and retention evictions.
	OnEvict EvictFunc

	Logger log.Logger
}

func (c Config) withDefaults() Config {
	if c.CapacityBytes == 0 {
		c.CapacityBytes = 64 << 20
	}
	if c.MaxRetention == 0 {
		c.MaxRetention = 24 * time.Hour
	}
	if c.Store == nil {
		c.Store = NewNopStore()
	}
	if c.OnEvict == nil {
		c.OnEvict = func(int, int64, string) {}
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	return c
}

// Queue is the in-memory index over the disconnection cache. The size
// counter and the entry set mutate under one lock so the capacity
// invariant is exact at all times.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	entries []Entry // ascending Seq
	bytes   int64
	nextSeq uint64
}

// NewQueue builds a queue, reloading any backlog the Store persisted
// before a restart. Reloaded entries keep their sequence numbers; new
// sequence numbers continue after the highest reloaded one.
func NewQueue(ctx context.Context, cfg Config) (*Queue, error) {
	cfg = cfg.withDefaults()
	q := &Queue{cfg: cfg, nextSeq: 1}

	loaded, err := cfg.Store.Load(ctx)
	if err != nil {
		return nil, errors.Errorf("load cache store: %w", err)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Seq < loaded[j].Seq })
	for _, e := range loaded {
		e.Durable = true
		q.entries = append(q.entries, e)
		q.bytes += e.Size()
		if e.Seq >= q.nextSeq {
			q.nextSeq = e.Seq + 1
		}
	}
	if len(loaded) > 0 {
		cfg.Logger.Infof(ctx, "cache reloaded %d entries (%d bytes) from durable store", len(loaded), q.bytes)
	}
	return q, nil
}

// NextSeq reserves and returns the next sequence number without storing
// anything. The orchestrator uses it to stamp direct sends so that a
// later requeue slots them back into global write order.
func (q *Queue) NextSeq() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	seq := q.nextSeq
	q.nextSeq++
	return seq
}

// Enqueue appends a payload, evicting oldest entries first when the new
// entry would exceed capacity. It fails with ErrPayloadTooLarge when no
// amount of eviction could fit the payload; the payload is never
// truncated or silently dropped.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (uint64, error) {
	size := int64(len(payload))
	if size > q.cfg.CapacityBytes {
		return 0, errors.ErrPayloadTooLarge
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.evictForLocked(ctx, size); err != nil {
		return 0, err
	}

	e := Entry{
		Seq:        q.nextSeq,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		Durable:    true,
	}
	if err := q.cfg.Store.Append(ctx, e); err != nil {
		return 0, errors.Errorf("append cache store: %w", err)
	}
	q.nextSeq++
	q.entries = append(q.entries, e)
	q.bytes += size
	return e.Seq, nil
}

// Drain removes and returns entries in ascending sequence order up to
// maxBytes. The first pending entry is always included so replay makes
// progress even when it alone exceeds maxBytes. Drained entries stay in
// the durable store until Ack confirms delivery.
func (q *Queue) Drain(maxBytes int64) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Entry
	var total int64
	for len(q.entries) > 0 {
		e := q.entries[0]
		if len(out) > 0 && total+e.Size() > maxBytes {
			break
		}
		out = append(out, e)
		total += e.Size()
		q.entries = q.entries[1:]
		q.bytes -= e.Size()
		if total >= maxBytes {
			break
		}
	}
	return out
}

// Requeue puts undelivered entries back, keeping ascending sequence
// order, and records any non-durable ones in the Store. If the requeue
// overflows capacity, oldest entries are evicted to restore the
// invariant.
func (q *Queue) Requeue(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range entries {
		if !entries[i].Durable {
			if err := q.cfg.Store.Append(ctx, entries[i]); err != nil {
				return errors.Errorf("append cache store: %w", err)
			}
			entries[i].Durable = true
		}
	}

	merged := make([]Entry, 0, len(q.entries)+len(entries))
	merged = append(merged, entries...)
	merged = append(merged, q.entries...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })
	q.entries = merged
	q.bytes = 0
	for _, e := range q.entries {
		q.bytes += e.Size()
	}

	return q.evictForLocked(ctx, 0)
}

// Ack confirms delivery of drained entries and removes them from the
// durable store.
func (q *Queue) Ack(ctx context.Context, entries []Entry) error {
	seqs := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.Durable {
			seqs = append(seqs, e.Seq)
		}
	}
	if len(seqs) == 0 {
		return nil
	}
	if err := q.cfg.Store.Remove(ctx, seqs); err != nil {
		return errors.Errorf("remove from cache store: %w", err)
	}
	return nil
}

// SweepExpired evicts entries older than the retention limit. Returns
// the number of entries and bytes evicted.
func (q *Queue) SweepExpired(ctx context.Context, now time.Time) (int, int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-q.cfg.MaxRetention)
	var count int
	var bytes int64
	var seqs []uint64
	for len(q.entries) > 0 && q.entries[0].EnqueuedAt.Before(cutoff) {
		e := q.entries[0]
		q.entries = q.entries[1:]
		q.bytes -= e.Size()
		bytes += e.Size()
		count++
		if e.Durable {
			seqs = append(seqs, e.Seq)
		}
	}
	if count == 0 {
		return 0, 0
	}
	if len(seqs) > 0 {
		if err := q.cfg.Store.Remove(ctx, seqs); err != nil {
			q.cfg.Logger.Warnf(ctx, "expired entries not removed from store: %v", err)
		}
	}
	q.cfg.Logger.Infof(ctx, "cache retention sweep evicted %d entries (%d bytes)", count, bytes)
	q.cfg.OnEvict(count, bytes, EvictReasonExpired)
	return count, bytes
}

// Len returns the number of live entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Bytes returns the sum of live entry sizes.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Capacity returns the configured capacity in bytes.
func (q *Queue) Capacity() int64 {
	return q.cfg.CapacityBytes
}

// evictForLocked evicts oldest-first until size more bytes fit. Caller
// holds the lock.
func (q *Queue) evictForLocked(ctx context.Context, size int64) error {
	if q.bytes+size <= q.cfg.CapacityBytes {
		return nil
	}
	var count int
	var bytes int64
	var seqs []uint64
	for len(q.entries) > 0 && q.bytes+size > q.cfg.CapacityBytes {
		e := q.entries[0]
		q.entries = q.entries[1:]
		q.bytes -= e.Size()
		bytes += e.Size()
		count++
		if e.Durable {
			seqs = append(seqs, e.Seq)
		}
	}
	if q.bytes+size > q.cfg.CapacityBytes {
		return errors.ErrCapacityExceeded
	}
	if len(seqs) > 0 {
		if err := q.cfg.Store.Remove(ctx, seqs); err != nil {
			q.cfg.Logger.Warnf(ctx, "evicted entries not removed from store: %v", err)
		}
	}
	q.cfg.Logger.Debugf(ctx, "cache evicted %d entries (%d bytes) for capacity", count, bytes)
	q.cfg.OnEvict(count, bytes, EvictReasonCapacity)
	return nil
}
