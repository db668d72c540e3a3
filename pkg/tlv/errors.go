package tlv

import (
	"errors"
	"fmt"
)

// ErrorCode is the value of the reply-error-code option.
type ErrorCode uint16

const (
	ErrNone                         ErrorCode = 0
	ErrUnsupportedMessage           ErrorCode = 1
	ErrMalformed                    ErrorCode = 2
	ErrUnexpectedMessage            ErrorCode = 3
	ErrMessageTooLong               ErrorCode = 4
	ErrIncompatibleProtocol         ErrorCode = 5
	ErrUnsupportedDecisionAlgorithm ErrorCode = 6
	ErrTLSRequired                  ErrorCode = 7
	ErrDuplicateNodeID              ErrorCode = 8
	ErrClusterPolicyDenied          ErrorCode = 9
	ErrQueueOverflow                ErrorCode = 10
	ErrMaxConnectionsReached        ErrorCode = 11
	ErrInternal                     ErrorCode = 12
	ErrAlgorithmDiffers             ErrorCode = 13
	ErrTieBreakerDiffers            ErrorCode = 14
	ErrInvalidHeartbeatInterval     ErrorCode = 15
	ErrSequenceMismatch             ErrorCode = 16
)

var errorCodeNames = map[ErrorCode]string{
	ErrNone:                         "no-error",
	ErrUnsupportedMessage:           "unsupported-message",
	ErrMalformed:                    "malformed",
	ErrUnexpectedMessage:            "unexpected-message",
	ErrMessageTooLong:               "message-too-long",
	ErrIncompatibleProtocol:         "incompatible-protocol",
	ErrUnsupportedDecisionAlgorithm: "unsupported-decision-algorithm",
	ErrTLSRequired:                  "tls-required",
	ErrDuplicateNodeID:              "duplicate-node-id",
	ErrClusterPolicyDenied:          "cluster-policy-denied",
	ErrQueueOverflow:                "queue-overflow",
	ErrMaxConnectionsReached:        "max-connections-reached",
	ErrInternal:                     "internal-error",
	ErrAlgorithmDiffers:             "algorithm-differs-from-other-nodes",
	ErrTieBreakerDiffers:            "tie-breaker-differs-from-other-nodes",
	ErrInvalidHeartbeatInterval:     "invalid-heartbeat-interval",
	ErrSequenceMismatch:             "sequence-mismatch",
}

func (c ErrorCode) String() string {
	if name, found := errorCodeNames[c]; found {
		return name
	}

	return fmt.Sprintf("ErrorCode(%d)", uint16(c))
}

// Error is a protocol level failure carrying the code sent to the peer.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol error code of err, ErrInternal if err is
// not a protocol error and ErrNone if err is nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrNone
	}

	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}

	return ErrInternal
}
