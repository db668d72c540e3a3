package qdevice

import (
	"errors"
	"fmt"

	"qnet/pkg/tlv"
)

// ErrorKind classifies why a session ended.
type ErrorKind int

const (
	// KindTransport covers dial, TLS and I/O failures and missed
	// heartbeats. The client reconnects.
	KindTransport ErrorKind = iota + 1
	// KindProtocol covers frames the client or the server could not
	// accept. The client reconnects.
	KindProtocol
	// KindNegotiation covers version, TLS policy and algorithm mismatches.
	// The client keeps retrying with backoff, but only a configuration
	// change can fix it.
	KindNegotiation
	// KindAuthorization covers a refusal of the node itself by the
	// arbitrator. It is fatal.
	KindAuthorization
	// KindResource covers limits of the arbitrator.
	KindResource
	// KindInternal covers local failures, such as the voting subsystem
	// rejecting a vote.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindNegotiation:
		return "negotiation"
	case KindAuthorization:
		return "authorization"
	case KindResource:
		return "resource"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the error a session ends with.
type Error struct {
	Kind ErrorKind
	// Code is the protocol error code involved, if any.
	Code tlv.ErrorCode
	Err  error

	// Set when the code was reported by the arbitrator.
	remote bool
}

func (e *Error) Error() string {
	if e.Code != tlv.ErrNone {
		return fmt.Sprintf("%v error (%v): %v", e.Kind, e.Code, e.Err)
	}

	return fmt.Sprintf("%v error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether reconnecting cannot help.
func (e *Error) Fatal() bool {
	return e.Kind == KindAuthorization
}

// ErrVotequorumFailure is the reason of a session closed because the
// voting subsystem refused a vote.
var ErrVotequorumFailure = errors.New("votequorum-failure")

// errUpgradeTLS ends a plain text session once the arbitrator has
// advertised TLS, so that the next connection starts with it.
var errUpgradeTLS = errors.New("arbitrator supports tls, reconnecting")

func newError(kind ErrorKind, code tlv.ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Err: fmt.Errorf(format, args...)}
}

func transportError(err error) *Error {
	return &Error{Kind: KindTransport, Err: err}
}

// KindOf maps an error code received from the arbitrator to the kind of
// failure it denotes.
func KindOf(code tlv.ErrorCode) ErrorKind {
	switch code {
	case tlv.ErrDuplicateNodeID, tlv.ErrClusterPolicyDenied:
		return KindAuthorization

	case tlv.ErrIncompatibleProtocol, tlv.ErrUnsupportedDecisionAlgorithm,
		tlv.ErrTLSRequired, tlv.ErrAlgorithmDiffers, tlv.ErrTieBreakerDiffers,
		tlv.ErrInvalidHeartbeatInterval:
		return KindNegotiation

	case tlv.ErrQueueOverflow, tlv.ErrMaxConnectionsReached:
		return KindResource

	case tlv.ErrInternal:
		return KindInternal

	default:
		return KindProtocol
	}
}

// IsFatal reports whether err ends the instance.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Fatal()
}
