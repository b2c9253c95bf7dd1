package hfp

import (
	"errors"
	"fmt"
)

var (
	ErrPolicyForbidden   = errors.New("hfp: connection policy forbids device")
	ErrTooManyMachines   = errors.New("hfp: too many device state machines")
	ErrMaxConnections    = errors.New("hfp: maximum connected devices reached")
	ErrLinkRejected      = errors.New("hfp: native link rejected request")
	ErrNotConnected      = errors.New("hfp: device not connected")
	ErrInvalidState      = errors.New("hfp: request not valid in current state")
	ErrNoCall            = errors.New("hfp: no call matches request")
	ErrNotActive         = errors.New("hfp: device is not the active device")
	ErrUnknownDevice     = errors.New("hfp: unknown device")
	ErrBusy              = errors.New("hfp: another operation is in progress")
	ErrUnsupported       = errors.New("hfp: not supported by peer")
	ErrClosed            = errors.New("hfp: service closed")
	ErrAudioRouteBlocked = errors.New("hfp: audio route not allowed")
	ErrNotInCall         = errors.New("hfp: no call, voice recognition or virtual call")
)

// IllegalTransitionError is the panic value raised when a machine attempts a
// transition whose source is not a legal predecessor of the destination.
type IllegalTransitionError struct {
	Device Device
	From   State
	To     State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("hfp: illegal transition %s -> %s for %s", e.From, e.To, e.Device)
}
