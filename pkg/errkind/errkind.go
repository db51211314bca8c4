// Package errkind classifies relay errors into the closed set of kinds the
// supervisor and HTTP layer branch on for recovery and status-code mapping.
package errkind

import "errors"

// Kind is one of the error classes a relay component can report.
type Kind string

const (
	MalformedSignalling Kind = "malformed_signalling"
	Authentication       Kind = "authentication"
	Timeout              Kind = "timeout"
	TransportClosed       Kind = "transport_closed"
	MediaNegotiation      Kind = "media_negotiation"
	DepacketMalformed     Kind = "depacket_malformed"
	SlowConsumer          Kind = "slow_consumer"
	Internal              Kind = "internal"
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return string(e.kind) + ": " + e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Wrap tags err with kind, preserving err for errors.Is/As/Unwrap chains.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// As extracts the Kind attached to err, if any, walking the wrap chain.
func As(err error) (Kind, bool) {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind, true
	}
	return "", false
}

// Recoverable reports whether the spec's propagation policy treats kind as
// locally recoverable (backoff-and-resume or drop-and-request-keyframe)
// rather than fatal to the owning session.
func Recoverable(kind Kind) bool {
	switch kind {
	case Timeout, TransportClosed, DepacketMalformed, SlowConsumer:
		return true
	default:
		return false
	}
}
