package domain

import "fmt"

// PermissionErrorKind classifies why microphone access failed.
type PermissionErrorKind string

const (
	PermissionErrDenied      PermissionErrorKind = "denied"
	PermissionErrUnavailable PermissionErrorKind = "device_unavailable"
	PermissionErrBusy        PermissionErrorKind = "device_busy"
)

// PermissionError is returned when a capture session cannot be acquired.
type PermissionError struct {
	Kind   PermissionErrorKind
	Detail string
}

func (e *PermissionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("microphone access failed: %s", e.Kind)
	}
	return fmt.Sprintf("microphone access failed: %s: %s", e.Kind, e.Detail)
}

// ErrorCode maps a permission failure to its consumer-facing code.
func (e *PermissionError) ErrorCode() ErrorCode {
	switch e.Kind {
	case PermissionErrDenied:
		return ErrorCodePermissionDenied
	case PermissionErrBusy:
		return ErrorCodeDeviceBusy
	default:
		return ErrorCodeDeviceUnavailable
	}
}

// BackendError is a failure reported by a transcription backend.
type BackendError struct {
	Code   ErrorCode
	Detail string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error (%s): %s", e.Code, e.Detail)
}

// UnavailableError is returned by the capability probe when the configured
// backend cannot be reached or does not support the requested delivery model.
type UnavailableError struct {
	Kind   BackendKind
	Detail string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %s", e.Kind, e.Detail)
}
