// Package model provides the domain types shared by every nexushub
// component: agent definitions, session summaries, and the ChatEvent
// union that makes up a session's durable history.
package model

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a well-known failure mode across the hub.
type ErrorCode string

// Error codes from spec §7.
const (
	ErrInvalidConfig    ErrorCode = "invalid_config"
	ErrDuplicateAgentID ErrorCode = "duplicate_agent_id"

	ErrSessionNotFound          ErrorCode = "session_not_found"
	ErrSessionBusy              ErrorCode = "session_busy"
	ErrNameInUse                ErrorCode = "name_in_use"
	ErrInvalidSessionAttributes ErrorCode = "invalid_session_attributes"

	ErrAgentNotFound      ErrorCode = "agent_not_found"
	ErrAgentNotAccessible ErrorCode = "agent_not_accessible"
	ErrAgentNotAvailable  ErrorCode = "agent_not_available"
	ErrAgentSessionError  ErrorCode = "agent_session_error"
	ErrAgentMessageFailed ErrorCode = "agent_message_failed"

	ErrToolNotFound     ErrorCode = "tool_not_found"
	ErrToolNotAllowed   ErrorCode = "tool_not_allowed"
	ErrToolInterrupted  ErrorCode = "tool_interrupted"
	ErrInvalidArguments ErrorCode = "invalid_arguments"
	ErrRateLimited      ErrorCode = "rate_limited"

	ErrUnsupportedProtocolVersion ErrorCode = "unsupported_protocol_version"
	ErrInvalidEvent               ErrorCode = "invalid_event"
	ErrSessionMismatch            ErrorCode = "session_mismatch"

	ErrExternalAgentError ErrorCode = "external_agent_error"

	ErrScheduleNotFound ErrorCode = "schedule_not_found"
)

// HubError is the single error type returned across component boundaries.
// It carries a stable Code for wire serialization alongside a
// human-readable Message and optional structured Details.
type HubError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
}

func (e *HubError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a HubError with the given code and formatted message.
func NewError(code ErrorCode, format string, args ...any) *HubError {
	return &HubError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details and returns the same error for chaining.
func (e *HubError) WithDetails(details map[string]any) *HubError {
	e.Details = details
	return e
}

// CodeOf extracts the ErrorCode from err if it is (or wraps) a *HubError.
func CodeOf(err error) (ErrorCode, bool) {
	var he *HubError
	if errors.As(err, &he) {
		return he.Code, true
	}
	return "", false
}
