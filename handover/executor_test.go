package handover_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlink/ddil-go/cache"
	"github.com/fieldlink/ddil-go/errors"
	. "github.com/fieldlink/ddil-go/handover"
	"github.com/fieldlink/ddil-go/link"
	"github.com/fieldlink/ddil-go/selector"
)

func decision(from, to link.ID) selector.Decision {
	return selector.Decision{
		ID:           uuid.New(),
		ChosenLink:   to,
		PreviousLink: from,
		Reason:       "score margin sustained",
		Timestamp:    time.Now(),
	}
}

func newTestQueue(t *testing.T) *cache.Queue {
	t.Helper()
	q, err := cache.NewQueue(context.Background(), cache.Config{})
	require.NoError(t, err)
	return q
}

func TestExecutor_FirstActivationHasNothingToDrain(t *testing.T) {
	x := NewExecutor(ExecutorConfig{})
	q := newTestQueue(t)

	activated := false
	res, err := x.Execute(context.Background(), decision("", "sat"), nil, q, nil, func() error {
		activated = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, activated)
	assert.Equal(t, 0, res.RequeuedEntries)
	assert.False(t, res.Superseded)
}

func TestExecutor_NoDataLossAcrossHandover(t *testing.T) {
	// The old link stalls with entries in flight. The handover must put
	// every unacknowledged entry back into the cache before the new link
	// activates, so nothing is dropped.
	drv, remote := link.Pipe()
	defer remote.Close()
	remote.SetSendDelay(time.Second)

	old := NewSender(drv, SenderConfig{LinkID: "old"})
	require.NoError(t, old.Submit(entry(1, "one")))
	require.NoError(t, old.Submit(entry(2, "two")))

	x := NewExecutor(ExecutorConfig{DrainTimeout: 50 * time.Millisecond})
	q := newTestQueue(t)

	res, err := x.Execute(context.Background(), decision("old", "new"), old, q, nil, func() error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RequeuedEntries)
	assert.Equal(t, int64(6), res.BytesPreserved)

	replay := q.Drain(1 << 20)
	require.Len(t, replay, 2)
	assert.Equal(t, "one", string(replay[0].Payload))
	assert.Equal(t, "two", string(replay[1].Payload))
}

func TestExecutor_SupersededSkipsActivation(t *testing.T) {
	drv, remote := link.Pipe()
	defer remote.Close()
	remote.SetSendDelay(time.Second)

	old := NewSender(drv, SenderConfig{LinkID: "old"})
	require.NoError(t, old.Submit(entry(1, "one")))

	x := NewExecutor(ExecutorConfig{DrainTimeout: 20 * time.Millisecond})
	q := newTestQueue(t)

	activated := false
	res, err := x.Execute(context.Background(), decision("old", "stale"), old, q,
		func() bool { return true },
		func() error {
			activated = true
			return nil
		})
	require.NoError(t, err)
	assert.True(t, res.Superseded)
	assert.False(t, activated, "a superseded handover must not activate its target")
	assert.Equal(t, 1, res.RequeuedEntries, "the drain still preserves in-flight data")
}

// failAppendStore refuses to persist anything, forcing the requeue after
// a drain to fail.
type failAppendStore struct{}

func (failAppendStore) Append(context.Context, cache.Entry) error   { return assert.AnError }
func (failAppendStore) Remove(context.Context, []uint64) error      { return nil }
func (failAppendStore) Load(context.Context) ([]cache.Entry, error) { return nil, nil }
func (failAppendStore) Close() error                                { return nil }

func TestExecutor_RequeueFailureReturnsDrainedEntries(t *testing.T) {
	// The cache cannot take the drained entries back. The handover fails
	// without activating, but the entries come back in the result so the
	// caller can still preserve them.
	drv, remote := link.Pipe()
	defer remote.Close()
	remote.SetSendDelay(time.Second)

	old := NewSender(drv, SenderConfig{LinkID: "old"})
	require.NoError(t, old.Submit(entry(1, "one")))

	q, err := cache.NewQueue(context.Background(), cache.Config{Store: failAppendStore{}})
	require.NoError(t, err)

	x := NewExecutor(ExecutorConfig{DrainTimeout: 20 * time.Millisecond})
	activated := false
	res, err := x.Execute(context.Background(), decision("old", "new"), old, q, nil, func() error {
		activated = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, activated)
	require.Len(t, res.Unpreserved, 1)
	assert.Equal(t, "one", string(res.Unpreserved[0].Payload))
}

func TestExecutor_ActivationFailurePreservesData(t *testing.T) {
	drv, remote := link.Pipe()
	defer remote.Close()
	remote.FailSends(errors.ErrDriverFault)

	old := NewSender(drv, SenderConfig{LinkID: "old"})
	require.NoError(t, old.Submit(entry(1, "one")))

	x := NewExecutor(ExecutorConfig{DrainTimeout: 20 * time.Millisecond})
	q := newTestQueue(t)

	_, err := x.Execute(context.Background(), decision("old", "broken"), old, q, nil, func() error {
		return assert.AnError
	})
	require.Error(t, err)
	assert.Equal(t, 1, q.Len(), "in-flight data survives the failed activation")
}
