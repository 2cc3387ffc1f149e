package protocol

import (
	"fmt"
	"time"
)

// Role of the local device in an exchange
type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// State of an exchange
type State uint8

// Send side states
const (
	StateReady State = iota + 1
	StateHeaderSent
	StateMessageSent
	StateComplete
	StateFailed
)

// Receive side states
const (
	StateIdle State = iota + 16
	StateAwaitingHeader
	StateHeaderValid
	StateAwaitingMessage
	StateDelivered
	StateRejected
)

var stateNames = map[State]string{
	StateReady:           "READY",
	StateHeaderSent:      "HEADER_SENT",
	StateMessageSent:     "MESSAGE_SENT",
	StateComplete:        "COMPLETE",
	StateFailed:          "FAILED",
	StateIdle:            "IDLE",
	StateAwaitingHeader:  "AWAITING_HEADER",
	StateHeaderValid:     "HEADER_VALID",
	StateAwaitingMessage: "AWAITING_MESSAGE",
	StateDelivered:       "DELIVERED",
	StateRejected:        "REJECTED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// transitions lists the allowed successors of each state
var transitions = map[State][]State{
	StateReady:           {StateHeaderSent, StateFailed},
	StateHeaderSent:      {StateMessageSent, StateFailed},
	StateMessageSent:     {StateComplete},
	StateIdle:            {StateAwaitingHeader, StateRejected},
	StateAwaitingHeader:  {StateHeaderValid, StateRejected},
	StateHeaderValid:     {StateAwaitingMessage, StateRejected},
	StateAwaitingMessage: {StateDelivered, StateRejected},
}

// Session is the ephemeral state of one exchange. It is owned by the call
// that created it and never outlives it.
type Session struct {
	CorrelationID uint32
	Role          Role
	IV            IV
	Peer          DeviceAddress
	State         State
	StartedAt     time.Time
}

func newInitiatorSession(id uint32, iv IV, peer DeviceAddress) *Session {
	return &Session{
		CorrelationID: id,
		Role:          RoleInitiator,
		IV:            iv,
		Peer:          peer,
		State:         StateReady,
		StartedAt:     time.Now(),
	}
}

func newResponderSession() *Session {
	return &Session{
		Role:      RoleResponder,
		State:     StateIdle,
		StartedAt: time.Now(),
	}
}

// Params combines the local key with the IV negotiated for this exchange
func (s *Session) Params(local *CryptoParams) CryptoParams {
	return CryptoParams{Key: local.Key, IV: s.IV}
}

func (s *Session) transition(to State) error {
	for _, next := range transitions[s.State] {
		if next == to {
			s.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
}

// bind adopts a validated header into the session
func (s *Session) bind(h *Header, from DeviceAddress) error {
	if err := s.transition(StateHeaderValid); err != nil {
		return err
	}
	s.CorrelationID = h.CorrelationID
	s.IV = h.IV
	s.Peer = from
	return nil
}
