package pipeline

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Commit after the scheduler was closed.
var ErrClosed = errors.New("scheduler closed")

// ErrorKind classifies a stage failure or a stop reason.
type ErrorKind string

const (
	KindConfig              ErrorKind = "config_error"
	KindWhitelistDenied     ErrorKind = "whitelist_denied"
	KindSafetyRejected      ErrorKind = "safety_rejected"
	KindCommandNotFound     ErrorKind = "command_not_found"
	KindCommandFailed       ErrorKind = "command_failed"
	KindProviderTimeout     ErrorKind = "provider_timeout"
	KindProviderAuth        ErrorKind = "provider_auth"
	KindProviderRateLimit   ErrorKind = "provider_rate_limit"
	KindProviderMalformed   ErrorKind = "provider_malformed"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindMalformedEvent      ErrorKind = "malformed_event"
	KindMissingSession      ErrorKind = "missing_session"
	KindSendFailed          ErrorKind = "send_failed"
	KindUnexpected          ErrorKind = "unexpected_stage_error"
)

var knownKinds = map[ErrorKind]bool{
	KindConfig: true, KindWhitelistDenied: true, KindSafetyRejected: true,
	KindCommandNotFound: true, KindCommandFailed: true,
	KindProviderTimeout: true, KindProviderAuth: true, KindProviderRateLimit: true,
	KindProviderMalformed: true, KindProviderUnavailable: true,
	KindMalformedEvent: true, KindMissingSession: true, KindSendFailed: true,
	KindUnexpected: true,
}

// ParseErrorKind validates a kind name from configuration.
func ParseErrorKind(s string) (ErrorKind, bool) {
	k := ErrorKind(s)
	return k, knownKinds[k]
}

// StageError describes why a stage failed or stopped.
type StageError struct {
	Stage  StageID
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("stage %s: %s", e.Stage, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *StageError) Unwrap() error { return e.Err }
