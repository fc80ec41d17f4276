package bluewire

import (
	"errors"
	"fmt"
	"time"
)

// ErrDestroyed is returned by operations that were still pending when the
// owning instance was released, and by calls on a released instance.
var ErrDestroyed = errors.New("instance destroyed")

// ErrRSSIUnavailable is returned when the radio cannot sample signal
// strength for a connected peripheral.
var ErrRSSIUnavailable = errors.New("signal strength not available")

// An InvalidStateError reports that the radio manager is not in a state
// that permits the attempted operation.
type InvalidStateError struct {
	State ManagerState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid manager state: %s", e.State)
}

// A NotConnectedError reports an operation attempted on a peripheral that
// is not connected.
type NotConnectedError struct {
	ID string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("peripheral %s not connected", e.ID)
}

// A ServiceNotFoundError reports that a service did not appear within the
// discovery deadline.
type ServiceNotFoundError struct {
	Service UUID
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("service %s not found", e.Service)
}

// A CharacteristicNotFoundError reports that a characteristic did not
// appear within the discovery deadline.
type CharacteristicNotFoundError struct {
	Characteristic UUID
}

func (e *CharacteristicNotFoundError) Error() string {
	return fmt.Sprintf("characteristic %s not found", e.Characteristic)
}

// A NotSupportedError reports an operation rejected before any radio
// command was issued, because the characteristic's declared properties do
// not include it.
type NotSupportedError struct {
	Characteristic UUID
	Op             string // "read", "write", or "notify"
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("characteristic %s does not support %s", e.Characteristic, e.Op)
}

// A TimeoutError reports that the engine's own deadline for an operation
// fired before the radio produced a result. Target names the operation's
// subject: a peripheral id, a service or characteristic UUID, or "manager"
// for readiness waits.
type TimeoutError struct {
	Op      string // "ready", "connect", "disconnect", "read", "write", "notify", "rssi", "advertise"
	Target  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out after %s", e.Op, e.Target, e.Timeout)
}

// An EmptyDataError reports a value update that carried no payload.
type EmptyDataError struct {
	Characteristic UUID
}

func (e *EmptyDataError) Error() string {
	return fmt.Sprintf("characteristic %s holds no data", e.Characteristic)
}

// A CodecError wraps an encode or decode failure from a payload codec with
// the identifier of the characteristic whose value was involved.
type CodecError struct {
	Characteristic UUID
	Op             string // "encode" or "decode"
	Cause          error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s characteristic %s: %v", e.Op, e.Characteristic, e.Cause)
}

func (e *CodecError) Unwrap() error { return e.Cause }

// NewDecodingError wraps a decode failure with its characteristic.
func NewDecodingError(c UUID, cause error) error {
	return &CodecError{Characteristic: c, Op: "decode", Cause: cause}
}

// NewEncodingError wraps an encode failure with its characteristic.
func NewEncodingError(c UUID, cause error) error {
	return &CodecError{Characteristic: c, Op: "encode", Cause: cause}
}
