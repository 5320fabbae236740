package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Reason classifies why a conversion failed.
type Reason string

const (
	ReasonDownloadFailed   Reason = "download_failed"
	ReasonUnsupportedType  Reason = "unsupported_type"
	ReasonDurationExceeded Reason = "duration_exceeded"
	ReasonProbeFailed      Reason = "probe_failed"
	ReasonEncodeFailed     Reason = "encode_failed"
	ReasonSizeUnattainable Reason = "size_unattainable"
)

// Error is the typed failure of a conversion.
type Error struct {
	Reason Reason
	// Duration and Limit are set for duration rejections.
	Duration time.Duration
	Limit    time.Duration
	// Size and Ceiling are set for size rejections.
	Size    int64
	Ceiling int64
	Err     error
}

func (e *Error) Error() string {
	switch e.Reason {
	case ReasonDurationExceeded:
		return fmt.Sprintf("%s: clip is %s, limit is %s", e.Reason, e.Duration.Round(100*time.Millisecond), e.Limit)
	case ReasonSizeUnattainable:
		return fmt.Sprintf("%s: smallest output is %d bytes, ceiling is %d", e.Reason, e.Size, e.Ceiling)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return string(e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the failure reason from err.
func ReasonOf(err error) (Reason, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason, true
	}
	return "", false
}

// IsValidation reports whether the reason rejects a request before any encode.
func (r Reason) IsValidation() bool {
	switch r {
	case ReasonUnsupportedType, ReasonDurationExceeded, ReasonProbeFailed:
		return true
	}
	return false
}

// ReasonCode exposes the reason to callers that only see an error.
func (e *Error) ReasonCode() string { return string(e.Reason) }
