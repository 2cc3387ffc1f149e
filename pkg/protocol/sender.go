package protocol

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
)

// SenderConfig holds optional sender collaborators
type SenderConfig struct {
	Logger   *zap.Logger
	Observer Observer
	Rand     io.Reader // IV and correlation id source, crypto/rand when nil
}

// Sender runs the send side of an exchange:
// READY -> HEADER_SENT -> MESSAGE_SENT -> COMPLETE.
type Sender struct {
	codec     *Codec
	transport Transport
	rand      io.Reader
	nextID    atomic.Uint32
	logger    *zap.Logger
	observer  Observer
}

// NewSender creates a sender writing frames to transport
func NewSender(codec *Codec, transport Transport, config *SenderConfig) (*Sender, error) {
	if config == nil {
		config = &SenderConfig{}
	}

	s := &Sender{
		codec:     codec,
		transport: transport,
		rand:      config.Rand,
		logger:    config.Logger,
		observer:  config.Observer,
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}

	// Correlation ids count up from a random start so they never repeat
	// within 2^32 exchanges of one sender.
	var seed [4]byte
	if _, err := io.ReadFull(s.rand, seed[:]); err != nil {
		return nil, fmt.Errorf("failed to seed correlation ids: %w", err)
	}
	s.nextID.Store(binary.BigEndian.Uint32(seed[:]))

	return s, nil
}

func (s *Sender) correlationID() uint32 {
	for {
		if id := s.nextID.Add(1); id != 0 {
			return id
		}
	}
}

// Send transmits payload to the device at address to. The key comes from
// params; a fresh IV is generated for every exchange and params.IV is ignored.
func (s *Sender) Send(ctx context.Context, payload *Payload, to DeviceAddress, params *CryptoParams) (*Session, error) {
	var iv IV
	if _, err := io.ReadFull(s.rand, iv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	session := newInitiatorSession(s.correlationID(), iv, to)
	log := s.logger.With(
		zap.Stringer("peer", to),
		zap.Uint32("correlation_id", session.CorrelationID),
	)

	header := s.codec.EncodeHeader(&Header{
		CorrelationID: session.CorrelationID,
		Type:          MsgTypeRequest,
		Length:        FrameSize,
		IV:            iv,
	})
	if err := s.transport.Send(ctx, to, header); err != nil {
		return session, s.fail(session, log, PartHeader, err)
	}
	if err := s.advance(session, PartHeader, StateHeaderSent); err != nil {
		return session, err
	}

	// The message is sealed with the IV just announced in the header
	message, err := s.codec.EncodeMessage(payload, &CryptoParams{Key: params.Key, IV: iv})
	if err != nil {
		_ = session.transition(StateFailed)
		return session, err
	}
	if err := s.transport.Send(ctx, to, message); err != nil {
		return session, s.fail(session, log, PartMessage, err)
	}
	if err := s.advance(session, PartMessage, StateMessageSent); err != nil {
		return session, err
	}
	if err := session.transition(StateComplete); err != nil {
		return session, err
	}

	log.Debug("Exchange sent")
	return session, nil
}

func (s *Sender) advance(session *Session, part FramePart, to State) error {
	s.observer.FrameSent(part)
	return session.transition(to)
}

func (s *Sender) fail(session *Session, log *zap.Logger, part FramePart, err error) error {
	_ = session.transition(StateFailed)
	log.Error("Failed to transmit frame", zap.Stringer("frame", part), zap.Error(err))
	return fmt.Errorf("%w: %s frame: %w", ErrTransportFailure, part, err)
}
