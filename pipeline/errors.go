package pipeline

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ValidationError indicates a malformed request: it is raised before any
// external call is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// UpstreamModelError indicates a language-model call failed or returned
// unusable output. Stage names the pipeline step ("rewrite" or "synthesize")
// so logs and metrics can tell the two model calls apart. The pipeline never
// retries these; retry policy belongs to the model client.
type UpstreamModelError struct {
	Stage string
	Err   error
}

func (e *UpstreamModelError) Error() string {
	return fmt.Sprintf("upstream model failed during %s: %v", e.Stage, e.Err)
}

func (e *UpstreamModelError) Unwrap() error { return e.Err }

// IsUpstreamModelError reports whether err is (or wraps) an UpstreamModelError.
func IsUpstreamModelError(err error) bool {
	var ue *UpstreamModelError
	return errors.As(err, &ue)
}

// SerializationError indicates the source manifest could not be encoded for
// transport.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize response metadata: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// IsSerializationError reports whether err is (or wraps) a SerializationError.
func IsSerializationError(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}
