// Package status defines the error taxonomy shared by the firmware components.
//
// Every package wraps one of these sentinels with context using fmt.Errorf and
// %w, so callers classify failures with errors.Is.
package status

import "errors"

var (
	// ErrUnsupported means there is nothing to do. It is a terminal success
	// path for the driver, not a failure.
	ErrUnsupported = errors.New("unsupported")

	// ErrProtocol means externally supplied configuration is malformed.
	ErrProtocol = errors.New("protocol error")

	// ErrInvalidArgument means a caller supplied a bad size, alignment or
	// format.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfResources means an integer overflow was detected or memory is
	// exhausted.
	ErrOutOfResources = errors.New("out of resources")

	// ErrNotFound means a named item or address range does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDevice is a transport failure reading or writing a register or the
	// configuration feed.
	ErrDevice = errors.New("device error")
)

// Code returns a short name for the sentinel err wraps, or "error" when err
// wraps none of them. A nil error is "success".
func Code(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, ErrProtocol):
		return "protocol-error"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid-argument"
	case errors.Is(err, ErrOutOfResources):
		return "out-of-resources"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrDevice):
		return "device-error"
	default:
		return "error"
	}
}
