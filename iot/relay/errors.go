package relay

import (
	"errors"

	"github.com/wricardo/sensor-relay/iot/protocol"
)

var (
	ErrNotRegistered     = errors.New("connection is not registered")
	ErrDeviceUnavailable = errors.New("no device is connected for this topic")
	ErrRoleNotPermitted  = errors.New("event not permitted for this role")
	ErrSuperseded        = errors.New("device binding was superseded by another connection")
	ErrUnknownEvent      = errors.New("unknown event")
	ErrRateLimited       = errors.New("too many events")
)

// Error codes carried by outbound error events.
const (
	CodeValidation        = "ValidationError"
	CodeNotRegistered     = "NotRegistered"
	CodeDeviceUnavailable = "DeviceUnavailable"
	CodeRoleNotPermitted  = "RoleNotPermitted"
	CodeSuperseded        = "Superseded"
	CodeUnknownEvent      = "UnknownEvent"
	CodeRateLimited       = "RateLimited"
	CodeInternal          = "InternalError"
)

// ErrorCode maps an error returned by the relay to its wire code.
func ErrorCode(err error) string {
	var verr *protocol.ValidationError
	switch {
	case errors.As(err, &verr):
		return CodeValidation
	case errors.Is(err, ErrNotRegistered):
		return CodeNotRegistered
	case errors.Is(err, ErrDeviceUnavailable):
		return CodeDeviceUnavailable
	case errors.Is(err, ErrRoleNotPermitted):
		return CodeRoleNotPermitted
	case errors.Is(err, ErrSuperseded):
		return CodeSuperseded
	case errors.Is(err, ErrUnknownEvent):
		return CodeUnknownEvent
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// ErrorMessage builds the outbound error event for err.
func ErrorMessage(err error) protocol.Message {
	return protocol.NewMessage(protocol.EventError, protocol.ErrorEvent{
		Message: err.Error(),
		Code:    ErrorCode(err),
	})
}
