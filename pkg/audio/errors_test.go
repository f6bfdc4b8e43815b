package audio

import "errors"

// isDeviceUnavailable reports whether err wraps [ErrDeviceUnavailable].
func isDeviceUnavailable(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable)
}
