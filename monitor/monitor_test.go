package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlink/ddil-go/errors"
	"github.com/fieldlink/ddil-go/link"
	. "github.com/fieldlink/ddil-go/monitor"
)

func fastConfig() Config {
	return Config{
		SampleInterval:    5 * time.Millisecond,
		SampleTimeout:     5 * time.Millisecond,
		KeepaliveInterval: 50 * time.Millisecond,
		DebounceCount:     3,
		Alpha:             0.3,
		LatencyFullScale:  time.Second,
		DegradedBelow:     0.35,
	}
}

// startMonitor runs a monitor over a pipe driver and returns the remote
// control, the event channel, and a stop func.
func startMonitor(t *testing.T, cfg Config) (*link.PipeRemote, <-chan Event, func()) {
	t.Helper()
	drv, remote := link.Pipe()
	events := make(chan Event, 256)
	m := New("test-link", link.KindSatellite, drv, cfg, events)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	return remote, events, func() {
		cancel()
		<-done
		remote.Close()
	}
}

func waitTransition(t *testing.T, events <-chan Event, want link.State) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Transition && ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no transition to %v observed", want)
		}
	}
}

func TestMonitor_TransitionsUpAfterDebounce(t *testing.T) {
	remote, events, stop := startMonitor(t, fastConfig())
	defer stop()

	remote.SetQuality(link.Quality{Latency: 20 * time.Millisecond, Loss: 0})
	ev := waitTransition(t, events, link.StateUp)
	assert.Equal(t, link.ID("test-link"), ev.LinkID)
	assert.Equal(t, "quality recovered", ev.Reason)
	assert.Greater(t, ev.Quality, 0.5)
}

func TestMonitor_DegradesAfterDebounce(t *testing.T) {
	remote, events, stop := startMonitor(t, fastConfig())
	defer stop()

	remote.SetQuality(link.Quality{Latency: 20 * time.Millisecond, Loss: 0})
	waitTransition(t, events, link.StateUp)

	// Heavy loss pushes the instant score under the degraded threshold.
	remote.SetQuality(link.Quality{Latency: 20 * time.Millisecond, Loss: 0.9})
	ev := waitTransition(t, events, link.StateDegraded)
	assert.Equal(t, "quality degraded", ev.Reason)
}

func TestMonitor_SingleDegradedSampleDoesNotTransition(t *testing.T) {
	cfg := fastConfig()
	cfg.SampleInterval = 20 * time.Millisecond
	remote, events, stop := startMonitor(t, cfg)
	defer stop()

	remote.SetQuality(link.Quality{Latency: 10 * time.Millisecond, Loss: 0})
	waitTransition(t, events, link.StateUp)

	// One bad sample, then recovery: debounce must swallow the blip.
	remote.SetQuality(link.Quality{Latency: 10 * time.Millisecond, Loss: 1})
	time.Sleep(25 * time.Millisecond)
	remote.SetQuality(link.Quality{Latency: 10 * time.Millisecond, Loss: 0})

	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			if ev.Transition {
				t.Fatalf("unexpected transition to %v (%s)", ev.State, ev.Reason)
			}
		case <-deadline:
			return
		}
	}
}

func TestMonitor_DownInterruptIsImmediate(t *testing.T) {
	remote, events, stop := startMonitor(t, fastConfig())
	defer stop()

	remote.SetQuality(link.Quality{Latency: 20 * time.Millisecond, Loss: 0})
	waitTransition(t, events, link.StateUp)

	remote.InterruptDown()
	ev := waitTransition(t, events, link.StateDown)
	assert.Equal(t, "down interrupt", ev.Reason)
}

func TestMonitor_SilentDriverForcesDown(t *testing.T) {
	remote, events, stop := startMonitor(t, fastConfig())
	defer stop()

	remote.SetQuality(link.Quality{Latency: 20 * time.Millisecond, Loss: 0})
	waitTransition(t, events, link.StateUp)

	remote.SetQualityErr(errors.ErrDriverFault)
	ev := waitTransition(t, events, link.StateDown)
	assert.Equal(t, "driver silent", ev.Reason)
}

func TestMonitor_RecoversAfterDown(t *testing.T) {
	remote, events, stop := startMonitor(t, fastConfig())
	defer stop()

	remote.SetQuality(link.Quality{Latency: 20 * time.Millisecond, Loss: 0})
	waitTransition(t, events, link.StateUp)

	remote.InterruptDown()
	waitTransition(t, events, link.StateDown)

	waitTransition(t, events, link.StateUp)
}

func TestMonitor_Keepalive(t *testing.T) {
	remote, events, stop := startMonitor(t, fastConfig())
	defer stop()

	remote.SetQuality(link.Quality{Latency: 20 * time.Millisecond, Loss: 0})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if !ev.Transition {
				require.Equal(t, "keepalive", ev.Reason)
				return
			}
		case <-deadline:
			t.Fatal("no keepalive observed")
		}
	}
}

func TestMonitor_InstantScore(t *testing.T) {
	drv, remote := link.Pipe()
	defer remote.Close()
	m := New("l", link.KindMesh, drv, Config{LatencyFullScale: time.Second}, make(chan Event, 1))

	t.Run("perfect link", func(t *testing.T) {
		s := m.InstantScore(link.Quality{Latency: 0, Loss: 0})
		assert.Equal(t, 1.0, s)
	})
	t.Run("latency at full scale scores zero", func(t *testing.T) {
		s := m.InstantScore(link.Quality{Latency: time.Second, Loss: 0})
		assert.Equal(t, 0.0, s)
	})
	t.Run("loss scales the score", func(t *testing.T) {
		s := m.InstantScore(link.Quality{Latency: 500 * time.Millisecond, Loss: 0.5})
		assert.InDelta(t, 0.25, s, 1e-9)
	})
	t.Run("clamped to [0,1]", func(t *testing.T) {
		s := m.InstantScore(link.Quality{Latency: 5 * time.Second, Loss: 2})
		assert.Equal(t, 0.0, s)
	})
}
