package domain

import "errors"

var (
	ErrNameTooLong       = errors.New("name too long")
	ErrNameEmpty         = errors.New("name empty")
	ErrInvalidPlayer     = errors.New("invalid player id")
	ErrInvalidRoom       = errors.New("invalid room code")
	ErrInvalidRendezvous = errors.New("invalid rendezvous id")

	// ErrPermissionDenied: the user or the OS refused a capture device.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrIdentityConflict: another live session holds our rendezvous id.
	ErrIdentityConflict = errors.New("identity already in use")
	// ErrDialFailure: the remote peer was unreachable or not listening yet.
	ErrDialFailure = errors.New("dial failed")
	// ErrTransportFailed: the peer link failed after negotiation.
	ErrTransportFailed = errors.New("transport failed")
	// ErrSignalRelay: transient failure talking to signaling or presence.
	ErrSignalRelay = errors.New("signal relay error")

	ErrNotConnected = errors.New("voice chat not connected")
)

// Device names a capture device in permission errors.
type Device string

const (
	Microphone Device = "microphone"
	Camera     Device = "camera"
)

// PermissionError records which device was refused.
type PermissionError struct {
	Device Device
	Err    error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return string(e.Device) + ": " + ErrPermissionDenied.Error()
	}
	return string(e.Device) + ": " + ErrPermissionDenied.Error() + ": " + e.Err.Error()
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermissionDenied }

func (e *PermissionError) Unwrap() error { return e.Err }

// UserMessage returns the plain text shown to the user for err, or "" when
// err is background noise that heals by itself.
func UserMessage(err error) string {
	var pe *PermissionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe) && pe.Device == Camera:
		return "Couldn't access your camera"
	case errors.Is(err, ErrPermissionDenied):
		return "Couldn't access your microphone"
	case errors.Is(err, ErrIdentityConflict):
		return "Another session is already connected"
	}
	return ""
}
