package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrTransportFailure  = errors.New("transport failure")
	ErrIntegrity         = errors.New("integrity check failed")
	ErrTimeout           = errors.New("timed out waiting for message frame")
	ErrUnexpectedPeer    = errors.New("frame from unexpected peer")
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// FramePart names the two frames of an exchange
type FramePart uint8

const (
	PartHeader FramePart = iota + 1
	PartMessage
)

func (p FramePart) String() string {
	switch p {
	case PartHeader:
		return "header"
	case PartMessage:
		return "message"
	default:
		return "unknown"
	}
}

// IntegrityError reports a checksum failure on one frame of an exchange.
// It matches ErrIntegrity with errors.Is.
type IntegrityError struct {
	Part          FramePart
	CorrelationID uint32
	Err           error
}

func (e *IntegrityError) Error() string {
	if e.Part == PartMessage {
		return fmt.Sprintf("%s: %s frame of exchange %08x: %v", ErrIntegrity, e.Part, e.CorrelationID, e.Err)
	}
	return fmt.Sprintf("%s: %s frame: %v", ErrIntegrity, e.Part, e.Err)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// Outcome is the terminal result of one exchange
type Outcome uint8

const (
	OutcomeNoMessage Outcome = iota
	OutcomeDelivered
	OutcomeSent
	OutcomeTimeout
	OutcomeHeaderIntegrity
	OutcomeMessageIntegrity
	OutcomeTransportFailure
	OutcomeError
)

var outcomeNames = map[Outcome]string{
	OutcomeNoMessage:        "no_message",
	OutcomeDelivered:        "delivered",
	OutcomeSent:             "sent",
	OutcomeTimeout:          "timeout",
	OutcomeHeaderIntegrity:  "header_integrity",
	OutcomeMessageIntegrity: "message_integrity",
	OutcomeTransportFailure: "transport_failure",
	OutcomeError:            "error",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// ParseOutcome is the inverse of Outcome.String
func ParseOutcome(s string) (Outcome, bool) {
	for o, name := range outcomeNames {
		if name == s {
			return o, true
		}
	}
	return OutcomeError, false
}

// OutcomeOf classifies an error returned by Sender.Send or Receiver.Receive
func OutcomeOf(err error) Outcome {
	var ie *IntegrityError
	switch {
	case err == nil:
		return OutcomeSent
	case errors.As(err, &ie) && ie.Part == PartHeader:
		return OutcomeHeaderIntegrity
	case errors.As(err, &ie):
		return OutcomeMessageIntegrity
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrTransportFailure):
		return OutcomeTransportFailure
	default:
		return OutcomeError
	}
}
