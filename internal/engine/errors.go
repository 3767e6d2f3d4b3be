package engine

import (
	"errors"
	"fmt"
)

// HostError is an error raised by the host loop or by a standard op.
type HostError struct {
	// Code identifies the error category.
	Code HostErrorCode

	// Message is a human-readable description.
	Message string

	// Scene identifies the affected scene, if any.
	Scene string

	// Details contains additional context.
	Details map[string]string
}

// HostErrorCode categorizes host errors.
type HostErrorCode string

const (
	// ErrCodeQueueClosed means the host loop has stopped accepting work.
	ErrCodeQueueClosed HostErrorCode = "QUEUE_CLOSED"

	// ErrCodeQuotaExceeded means a scene sent more messages in one frame
	// than the configured quota.
	ErrCodeQuotaExceeded HostErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeUnknownScene means a command named a scene the host does not
	// know.
	ErrCodeUnknownScene HostErrorCode = "UNKNOWN_SCENE"

	// ErrCodeUnavailable means an op needs a collaborator that is not
	// configured (no store, no transport).
	ErrCodeUnavailable HostErrorCode = "UNAVAILABLE"
)

// Error implements the error interface.
func (e *HostError) Error() string {
	if e.Scene != "" {
		return fmt.Sprintf("%s: %s (scene=%s)", e.Code, e.Message, e.Scene)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches host errors by code, so errors.Is(err, ErrQueueClosed) works
// for any closed-queue error.
func (e *HostError) Is(target error) bool {
	var t *HostError
	if errors.As(target, &t) {
		return t.Code == e.Code && t.Message == ""
	}
	return false
}

// ErrQueueClosed is returned to producers once the host loop has stopped.
var ErrQueueClosed = &HostError{Code: ErrCodeQueueClosed}

// IsQueueClosed reports whether err means the host loop is gone.
func IsQueueClosed(err error) bool {
	return errors.Is(err, ErrQueueClosed)
}

// IsQuotaError reports whether err is a message quota error.
// Matches both HostError with ErrCodeQuotaExceeded and QuotaExceededError.
func IsQuotaError(err error) bool {
	var he *HostError
	if errors.As(err, &he) {
		return he.Code == ErrCodeQuotaExceeded
	}
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// IsUnknownScene reports whether err names an unknown scene.
func IsUnknownScene(err error) bool {
	var he *HostError
	return errors.As(err, &he) && he.Code == ErrCodeUnknownScene
}

// NewUnknownSceneError creates a HostError for an unknown scene id.
func NewUnknownSceneError(scene string) *HostError {
	return &HostError{
		Code:    ErrCodeUnknownScene,
		Message: "no such scene",
		Scene:   scene,
	}
}

// NewUnavailableError creates a HostError for a missing collaborator.
func NewUnavailableError(what string) *HostError {
	return &HostError{
		Code:    ErrCodeUnavailable,
		Message: what + " is not configured",
	}
}
