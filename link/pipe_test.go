package link_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlink/ddil-go/errors"
	. "github.com/fieldlink/ddil-go/link"
)

func TestPipe_SendAndReceive(t *testing.T) {
	drv, remote := Pipe()
	defer remote.Close()

	require.NoError(t, drv.Send(context.Background(), []byte("hello")))
	assert.Equal(t, []byte("hello"), <-remote.Received())
	assert.Equal(t, uint64(5), remote.TxBytes())
}

func TestPipe_FailSends(t *testing.T) {
	drv, remote := Pipe()
	defer remote.Close()

	remote.FailSends(errors.ErrDriverFault)
	err := drv.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, errors.ErrDriverFault)

	remote.RestoreSends()
	assert.NoError(t, drv.Send(context.Background(), []byte("y")))
}

func TestPipe_Quality(t *testing.T) {
	drv, remote := Pipe()
	defer remote.Close()

	remote.SetQuality(Quality{Latency: 40 * time.Millisecond, Loss: 0.01})
	q, err := drv.Quality(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40*time.Millisecond, q.Latency)
	assert.Equal(t, 0.01, q.Loss)

	remote.SetQualityErr(errors.ErrDriverFault)
	_, err = drv.Quality(context.Background())
	assert.ErrorIs(t, err, errors.ErrDriverFault)
}

func TestPipe_Interrupts(t *testing.T) {
	drv, remote := Pipe()
	defer remote.Close()

	var ups, downs int
	cancel := drv.Subscribe(func() { ups++ }, func() { downs++ })

	remote.InterruptDown()
	remote.InterruptUp()
	assert.Equal(t, 1, ups)
	assert.Equal(t, 1, downs)

	cancel()
	remote.InterruptDown()
	assert.Equal(t, 1, downs)
}

func TestPipe_SendAfterClose(t *testing.T) {
	drv, remote := Pipe()
	remote.Close()
	// The rx buffer stays ready after close; every send must still fail,
	// not land in the buffer when the scheduler feels like it.
	for i := 0; i < 50; i++ {
		err := drv.Send(context.Background(), []byte("x"))
		assert.ErrorIs(t, err, errors.ErrLinkClosed)
	}
	select {
	case <-remote.Received():
		t.Fatal("payload accepted on a closed pipe")
	default:
	}
}

func TestPipe_DefaultPriorityOrdering(t *testing.T) {
	assert.Less(t, DefaultPriority(KindCellular), DefaultPriority(KindSatellite))
	assert.Less(t, DefaultPriority(KindSatellite), DefaultPriority(KindMesh))
	assert.Less(t, DefaultPriority(KindMesh), DefaultPriority(KindEmergencyRadio))
}
