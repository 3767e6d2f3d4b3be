package wire

import (
	"errors"
	"fmt"

	"github.com/roach88/scenehost/internal/ir"
)

// CodecErrorKind categorizes codec failures.
type CodecErrorKind string

const (
	// ErrKindTruncated means the buffer ends inside a header or frame. The
	// rest of the stream cannot be framed and is abandoned.
	ErrKindTruncated CodecErrorKind = "TRUNCATED"

	// ErrKindBadLength means a header announces an impossible length.
	ErrKindBadLength CodecErrorKind = "BAD_LENGTH"

	// ErrKindUnknownType means the frame type is not one of the four
	// message types. The frame is skipped.
	ErrKindUnknownType CodecErrorKind = "UNKNOWN_TYPE"

	// ErrKindMalformedBody means the body does not match its type's layout.
	ErrKindMalformedBody CodecErrorKind = "MALFORMED_BODY"

	// ErrKindPayloadInvalid means a well-known component's payload failed
	// validation.
	ErrKindPayloadInvalid CodecErrorKind = "PAYLOAD_INVALID"

	// ErrKindKindMismatch means a message type does not fit the component's
	// merge kind (AppendValue on a last-writer-wins component, or the
	// reverse).
	ErrKindKindMismatch CodecErrorKind = "KIND_MISMATCH"
)

// CodecError describes a malformed message. Offset is the byte offset of the
// offending frame within the decoded buffer.
type CodecError struct {
	Kind      CodecErrorKind
	Offset    int
	Component ir.ComponentID
	Err       error
}

func (e *CodecError) Error() string {
	msg := fmt.Sprintf("wire: %s at offset %d", e.Kind, e.Offset)
	if e.Component != 0 {
		msg += fmt.Sprintf(" (component %d)", e.Component)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CodecError) Unwrap() error { return e.Err }

// IsCodecError reports whether err is (or wraps) a CodecError.
func IsCodecError(err error) bool {
	var ce *CodecError
	return errors.As(err, &ce)
}

// IsPayloadError reports whether err is a payload validation failure.
func IsPayloadError(err error) bool {
	var ce *CodecError
	if errors.As(err, &ce) {
		return ce.Kind == ErrKindPayloadInvalid || ce.Kind == ErrKindKindMismatch
	}
	return false
}

// recoverable reports whether a decoder can skip past the failed frame.
func (e *CodecError) recoverable() bool {
	return e.Kind != ErrKindTruncated && e.Kind != ErrKindBadLength
}
