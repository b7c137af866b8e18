package cache

import "context"

// Store is the durable backing log for the disconnection cache. The
// controller treats it as a capacity-bounded append log keyed by
// sequence number, not as a file system. Implementations must keep
// Append/Remove cheap: they run under the queue lock.
type Store interface {
	// Append records one entry.
	Append(ctx context.Context, e Entry) error
	// Remove deletes the entries with the given sequence numbers.
	Remove(ctx context.Context, seqs []uint64) error
	// Load returns every recorded entry. Order does not matter; the
	// queue sorts by sequence number.
	Load(ctx context.Context) ([]Entry, error)
	// Close releases the store.
	Close() error
}

type nopStore struct{}

// NewNopStore returns a Store that persists nothing. With it the cache
// is purely in-memory and a restart loses the backlog.
func NewNopStore() Store {
	return &nopStore{}
}

func (s *nopStore) Append(ctx context.Context, e Entry) error       { return nil }
func (s *nopStore) Remove(ctx context.Context, seqs []uint64) error { return nil }
func (s *nopStore) Load(ctx context.Context) ([]Entry, error)       { return nil, nil }
func (s *nopStore) Close() error                                    { return nil }
