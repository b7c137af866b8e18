package handover_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fieldlink/ddil-go/cache"
	"github.com/fieldlink/ddil-go/errors"
	. "github.com/fieldlink/ddil-go/handover"
	"github.com/fieldlink/ddil-go/link"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func entry(seq uint64, payload string) cache.Entry {
	return cache.Entry{Seq: seq, Payload: []byte(payload), EnqueuedAt: time.Now()}
}

func TestSender_SendsAndAcks(t *testing.T) {
	drv, remote := link.Pipe()
	defer remote.Close()

	var mu sync.Mutex
	var acked []uint64
	s := NewSender(drv, SenderConfig{
		LinkID: "l",
		OnAck: func(e cache.Entry) {
			mu.Lock()
			acked = append(acked, e.Seq)
			mu.Unlock()
		},
	})
	defer s.Close()

	require.NoError(t, s.Submit(entry(1, "one")))
	require.NoError(t, s.Submit(entry(2, "two")))

	assert.Equal(t, "one", string(<-remote.Received()))
	assert.Equal(t, "two", string(<-remote.Received()))

	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, acked)
}

func TestSender_FaultOnSendFailure(t *testing.T) {
	drv, remote := link.Pipe()
	defer remote.Close()
	remote.FailSends(errors.ErrDriverFault)

	s := NewSender(drv, SenderConfig{LinkID: "l"})
	defer s.Close()

	require.NoError(t, s.Submit(entry(1, "doomed")))

	select {
	case err := <-s.Fault():
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("no fault reported")
	}
	assert.Equal(t, 1, s.Pending(), "failed entry must stay pending")
}

func TestSender_DrainReturnsUnackedInOrder(t *testing.T) {
	drv, remote := link.Pipe()
	defer remote.Close()
	remote.FailSends(errors.ErrDriverFault)

	s := NewSender(drv, SenderConfig{LinkID: "l"})
	require.NoError(t, s.Submit(entry(3, "c")))
	require.NoError(t, s.Submit(entry(1, "a")))
	require.NoError(t, s.Submit(entry(2, "b")))

	unacked := s.Drain(50 * time.Millisecond)
	require.Len(t, unacked, 3)
	assert.Equal(t, uint64(1), unacked[0].Seq)
	assert.Equal(t, uint64(2), unacked[1].Seq)
	assert.Equal(t, uint64(3), unacked[2].Seq)
}

func TestSender_DrainCutsOffSlowSend(t *testing.T) {
	drv, remote := link.Pipe()
	defer remote.Close()
	remote.SetSendDelay(time.Second)

	s := NewSender(drv, SenderConfig{LinkID: "l"})
	require.NoError(t, s.Submit(entry(1, "slow")))

	start := time.Now()
	unacked := s.Drain(50 * time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Len(t, unacked, 1)
	assert.Equal(t, uint64(1), unacked[0].Seq)
}

func TestSender_DrainLetsInFlightFinish(t *testing.T) {
	drv, remote := link.Pipe()
	defer remote.Close()

	s := NewSender(drv, SenderConfig{LinkID: "l"})
	require.NoError(t, s.Submit(entry(1, "fast")))

	unacked := s.Drain(500 * time.Millisecond)
	assert.Empty(t, unacked)
	assert.Equal(t, "fast", string(<-remote.Received()))
}

func TestSender_SubmitAfterDrainFails(t *testing.T) {
	drv, remote := link.Pipe()
	defer remote.Close()

	s := NewSender(drv, SenderConfig{LinkID: "l"})
	s.Drain(50 * time.Millisecond)

	err := s.Submit(entry(1, "late"))
	require.Error(t, err)
}

func TestSender_DrainIsIdempotent(t *testing.T) {
	drv, remote := link.Pipe()
	defer remote.Close()

	s := NewSender(drv, SenderConfig{LinkID: "l"})
	assert.Empty(t, s.Drain(10*time.Millisecond))
	assert.Empty(t, s.Drain(10*time.Millisecond))
}
