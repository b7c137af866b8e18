package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrDDIL is the base error for everything raised by ddil-go.
	ErrDDIL = errors.New("ddil")
	// ErrLinkUnavailable is returned when an operation needs a usable link
	// and none is available. Recoverable: it triggers reselection.
	ErrLinkUnavailable = fmt.Errorf("link unavailable: %w", ErrDDIL)
	// ErrHandoverTimeout is returned when a handover step exceeds its
	// configured timeout. Recoverable: the next-best link is retried
	// immediately.
	ErrHandoverTimeout = fmt.Errorf("handover timed out: %w", ErrDDIL)
	// ErrCapacityExceeded is returned by Submit when the disconnection
	// cache cannot make room even after evicting its oldest entries. The
	// caller's payload is never silently dropped.
	ErrCapacityExceeded = fmt.Errorf("cache capacity exceeded: %w", ErrDDIL)
	// ErrPayloadTooLarge is returned when a single payload exceeds the
	// total cache capacity. Evicting the entire backlog would not help, so
	// the payload is rejected before any eviction happens.
	ErrPayloadTooLarge = fmt.Errorf("payload exceeds cache capacity: %w", ErrCapacityExceeded)
	// ErrDriverFault marks a malfunction inside an external link driver.
	// The link is forced DOWN and the process continues.
	ErrDriverFault = fmt.Errorf("link driver fault: %w", ErrDDIL)
	// ErrControllerClosed is returned for operations on a controller whose
	// lifecycle has ended.
	ErrControllerClosed = fmt.Errorf("controller closed: %w", ErrDDIL)
	// ErrLinkClosed is returned for sends on a link sender that has been
	// drained or torn down.
	ErrLinkClosed = fmt.Errorf("link sender closed: %w", ErrDDIL)
	// ErrUnknownLink is returned when a link ID does not match any
	// configured link.
	ErrUnknownLink = fmt.Errorf("unknown link: %w", ErrDDIL)
)

func New(text string) error {
	return errors.New(text)
}

func Errorf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}
