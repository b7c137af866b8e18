package link

import (
	"context"
	"time"
)

// ID identifies a single configured link (one physical transport
// attachment). IDs are assigned by the deployment configuration.
type ID string

// Kind is the transport family a link belongs to.
type Kind string

const (
	KindSatellite      Kind = "satellite"
	KindCellular       Kind = "cellular"
	KindMesh           Kind = "mesh"
	KindEmergencyRadio Kind = "emergency_radio"
)

// DefaultPriority returns the default numeric priority for a transport
// kind. Lower is preferred; the ordering follows typical bandwidth and
// latency characteristics (cellular first, emergency radio last).
func DefaultPriority(k Kind) int {
	switch k {
	case KindCellular:
		return 1
	case KindSatellite:
		return 2
	case KindMesh:
		return 3
	case KindEmergencyRadio:
		return 4
	default:
		return 10
	}
}

// State is the health state of a link as judged by the link monitor.
type State int

const (
	StateDown State = iota
	StateDegraded
	StateUp
)

func (s State) String() string {
	switch s {
	case StateUp:
		return "up"
	case StateDegraded:
		return "degraded"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// Quality is one raw quality sample reported by a driver.
type Quality struct {
	// Latency is the measured round-trip latency of the link.
	Latency time.Duration
	// Loss is the measured loss fraction in [0,1].
	Loss float64
}

// Driver is the capability interface implemented by external transport
// drivers, one per physical link. Implementations must be safe for
// concurrent use: Send and Quality may be called from different
// goroutines.
type Driver interface {
	// Send transmits the payload. A nil return is an acknowledgment; any
	// error is a failed send. Send blocks until the outcome is known or
	// the context is canceled.
	Send(ctx context.Context, payload []byte) error

	// Quality probes the link and returns a raw sample. Errors are
	// recoverable; the monitor treats them as missed samples.
	Quality(ctx context.Context) (Quality, error)

	// Subscribe registers asynchronous link-up/link-down interrupts. The
	// returned cancel func unregisters the callbacks. Callbacks must not
	// block.
	Subscribe(onUp, onDown func()) (cancel func())
}
