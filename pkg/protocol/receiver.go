package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Receiver defaults
const (
	DefaultReceiveTimeout = 250 * time.Millisecond
	DefaultPollInterval   = time.Millisecond
)

// ReceiverConfig configures a receiver
type ReceiverConfig struct {
	Timeout      time.Duration // Bound on waiting for the message frame
	PollInterval time.Duration // Spacing of transport polls while waiting
	Peer         DeviceAddress // Only accept exchanges from this peer, zero accepts any
	Logger       *zap.Logger
	Observer     Observer
}

// DefaultReceiverConfig returns the default receiver configuration
func DefaultReceiverConfig() *ReceiverConfig {
	return &ReceiverConfig{
		Timeout:      DefaultReceiveTimeout,
		PollInterval: DefaultPollInterval,
	}
}

// Result of one Receive call
type Result struct {
	Outcome   Outcome
	Payload   Payload       // Only meaningful when Outcome is OutcomeDelivered
	From      DeviceAddress // Transport source of the header frame
	Session   *Session      // Nil when no exchange was started
	Discarded bool          // A frame was polled and dropped before an exchange started
}

// Receiver runs the receive side of an exchange:
// IDLE -> AWAITING_HEADER -> HEADER_VALID -> AWAITING_MESSAGE -> DELIVERED,
// with REJECTED reachable from every non-terminal state.
type Receiver struct {
	codec        *Codec
	transport    Transport
	timeout      time.Duration
	pollInterval time.Duration
	peer         DeviceAddress
	logger       *zap.Logger
	observer     Observer
}

// NewReceiver creates a receiver reading frames from transport
func NewReceiver(codec *Codec, transport Transport, config *ReceiverConfig) *Receiver {
	if config == nil {
		config = DefaultReceiverConfig()
	}

	r := &Receiver{
		codec:        codec,
		transport:    transport,
		timeout:      config.Timeout,
		pollInterval: config.PollInterval,
		peer:         config.Peer,
		logger:       config.Logger,
		observer:     config.Observer,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultReceiveTimeout
	}
	if r.pollInterval <= 0 {
		r.pollInterval = DefaultPollInterval
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.observer == nil {
		r.observer = nopObserver{}
	}
	return r
}

// Receive checks the transport for a new exchange and, if a valid header is
// waiting, completes it. Every call starts from IDLE; the exchange session is
// discarded when the call returns.
//
// No pending frame, or a pending frame that is not a header, yields
// OutcomeNoMessage with a nil error. Integrity failures return an
// *IntegrityError, an absent message frame returns ErrTimeout.
func (r *Receiver) Receive(ctx context.Context, local *CryptoParams) (Result, error) {
	session := newResponderSession()
	var packet Packet
	var deadline time.Time

	for {
		switch session.State {
		case StateIdle:
			p, ok := r.transport.Poll()
			if !ok {
				return Result{Outcome: OutcomeNoMessage}, nil
			}
			if !r.acceptsPeer(p.From) {
				r.discard(p, ErrUnexpectedPeer)
				return Result{Outcome: OutcomeNoMessage, Discarded: true}, nil
			}
			packet = p
			if err := session.transition(StateAwaitingHeader); err != nil {
				return Result{Outcome: OutcomeError}, err
			}

		case StateAwaitingHeader:
			header, err := r.codec.DecodeHeader(&packet.Frame)
			if errors.Is(err, ErrNotHeader) {
				// Noise while idle does not start an exchange
				r.discard(packet, err)
				return Result{Outcome: OutcomeNoMessage, Discarded: true}, nil
			}
			if err != nil {
				r.reject(session)
				r.logger.Warn("Header failed integrity check",
					zap.Stringer("peer", packet.From),
					zap.Error(err),
				)
				return r.result(OutcomeHeaderIntegrity, packet.From, session),
					&IntegrityError{Part: PartHeader, Err: err}
			}
			if err := session.bind(&header, packet.From); err != nil {
				return r.result(OutcomeError, packet.From, session), err
			}

		case StateHeaderValid:
			deadline = time.Now().Add(r.timeout)
			if err := session.transition(StateAwaitingMessage); err != nil {
				return r.result(OutcomeError, packet.From, session), err
			}

		case StateAwaitingMessage:
			log := r.logger.With(
				zap.Stringer("peer", session.Peer),
				zap.Uint32("correlation_id", session.CorrelationID),
			)

			p, err := r.await(ctx, deadline, session.Peer)
			if err != nil {
				r.reject(session)
				log.Info("Exchange abandoned", zap.Error(err))
				return r.result(OutcomeTimeout, packet.From, session), err
			}

			params := session.Params(local)
			payload, err := r.codec.DecodeMessage(&p.Frame, &params)
			if err != nil {
				r.reject(session)
				log.Warn("Message failed integrity check", zap.Error(err))
				return r.result(OutcomeMessageIntegrity, packet.From, session), &IntegrityError{
					Part:          PartMessage,
					CorrelationID: session.CorrelationID,
					Err:           err,
				}
			}

			if err := session.transition(StateDelivered); err != nil {
				return r.result(OutcomeError, packet.From, session), err
			}
			log.Debug("Message delivered")

			res := r.result(OutcomeDelivered, packet.From, session)
			res.Payload = payload
			return res, nil

		default:
			return r.result(OutcomeError, packet.From, session),
				fmt.Errorf("%w: receiver in state %s", ErrInvalidTransition, session.State)
		}
	}
}

// await polls for the next frame of the open exchange until the deadline
func (r *Receiver) await(ctx context.Context, deadline time.Time, from DeviceAddress) (Packet, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		// Frames from other peers must not hold the exchange open
		if err := ctx.Err(); err != nil {
			return Packet{}, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		if !time.Now().Before(deadline) {
			return Packet{}, ErrTimeout
		}

		if p, ok := r.transport.Poll(); ok {
			if from.IsZero() || p.From.IsZero() || p.From == from {
				return p, nil
			}
			r.discard(p, ErrUnexpectedPeer)
			continue
		}

		select {
		case <-ctx.Done():
			return Packet{}, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		case <-timer.C:
			return Packet{}, ErrTimeout
		case <-ticker.C:
		}
	}
}

func (r *Receiver) acceptsPeer(from DeviceAddress) bool {
	return r.peer.IsZero() || from.IsZero() || from == r.peer
}

func (r *Receiver) discard(p Packet, reason error) {
	r.observer.FrameDiscarded(reason)
	r.logger.Debug("Discarded frame",
		zap.Stringer("peer", p.From),
		zap.Binary("frame", p.Frame[:]),
		zap.NamedError("reason", reason),
	)
}

func (r *Receiver) reject(session *Session) {
	_ = session.transition(StateRejected)
}

func (r *Receiver) result(outcome Outcome, from DeviceAddress, session *Session) Result {
	return Result{
		Outcome: outcome,
		From:    from,
		Session: session,
	}
}
