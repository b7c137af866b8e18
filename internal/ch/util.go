package ch

import "context"

// WriteOrDone writes v to c, giving up when the context is canceled.
func WriteOrDone[T any](ctx context.Context, v T, c chan<- T) {
	select {
	case c <- v:
	case <-ctx.Done():
	}
}

// ReadOrDoneOne reads one value from c. It returns false when the context
// is canceled or the channel is closed.
func ReadOrDoneOne[T any](ctx context.Context, c <-chan T) (T, bool) {
	var t T
	select {
	case <-ctx.Done():
		return t, false
	case v, ok := <-c:
		if !ok {
			return t, false
		}
		return v, true
	}
}

// TryWrite writes v to c without blocking. It returns false when the
// channel is full. Used on best-effort paths (telemetry) that must never
// stall the control loop.
func TryWrite[T any](v T, c chan<- T) bool {
	select {
	case c <- v:
		return true
	default:
		return false
	}
}
