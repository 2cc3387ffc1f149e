// Package node ties a transport, a sender and a receiver into one link
// endpoint with fixed addresses and keys, journaling and counting every
// exchange it takes part in.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/metrics"
	"github.com/ZentaChain/zentalk-link/pkg/protocol"
	"github.com/ZentaChain/zentalk-link/pkg/storage"
)

var ErrNotConfigured = errors.New("node not configured")

// Recorder persists finished exchanges
type Recorder interface {
	Record(ctx context.Context, e *storage.Exchange) error
}

// Handler is called by Run for every delivered payload
type Handler func(ctx context.Context, res protocol.Result)

// Config holds node configuration. Addresses and keys are fixed for the
// lifetime of the node.
type Config struct {
	LocalAddress       protocol.DeviceAddress
	DestinationAddress protocol.DeviceAddress
	LocalParams        protocol.CryptoParams // Opens messages sent to this node
	DestinationParams  protocol.CryptoParams // Seals messages for the destination

	ReceiveTimeout time.Duration
	PollInterval   time.Duration
	PinPeer        bool // Only accept exchanges from DestinationAddress

	Codec    *protocol.Codec // DefaultCodec when nil
	Metrics  *metrics.Collector
	Recorder Recorder
	Logger   *zap.Logger
}

// Stats is a snapshot of node counters
type Stats struct {
	LocalAddress       protocol.DeviceAddress `json:"local_address"`
	DestinationAddress protocol.DeviceAddress `json:"destination_address"`
	Sent               uint64                 `json:"sent"`
	SendFailures       uint64                 `json:"send_failures"`
	Delivered          uint64                 `json:"delivered"`
	Rejected           uint64                 `json:"rejected"`
	Discarded          uint64                 `json:"discarded"`
	LastExchange       time.Time              `json:"last_exchange,omitempty"`
	Uptime             time.Duration          `json:"uptime"`
}

// Node is one end of a secure link
type Node struct {
	local             protocol.DeviceAddress
	destination       protocol.DeviceAddress
	localParams       protocol.CryptoParams
	destinationParams protocol.CryptoParams

	sender       *protocol.Sender
	receiver     *protocol.Receiver
	pollInterval time.Duration
	metrics      *metrics.Collector
	recorder     Recorder
	logger       *zap.Logger

	// A receiver runs one exchange at a time
	receiveMu sync.Mutex
	sendMu    sync.Mutex

	sent         atomic.Uint64
	sendFailures atomic.Uint64
	delivered    atomic.Uint64
	rejected     atomic.Uint64
	discarded    atomic.Uint64
	lastExchange atomic.Int64
	startedAt    time.Time
}

// New creates a node on transport and registers its local address there
func New(transport protocol.Transport, config *Config) (*Node, error) {
	if config == nil || config.LocalAddress.IsZero() || config.DestinationAddress.IsZero() {
		return nil, fmt.Errorf("%w: local and destination addresses are required", ErrNotConfigured)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Stringer("local", config.LocalAddress))

	codec := config.Codec
	if codec == nil {
		codec = protocol.DefaultCodec()
	}

	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = protocol.DefaultPollInterval
	}

	if err := transport.SetLocalAddress(config.LocalAddress); err != nil {
		return nil, fmt.Errorf("failed to set local address: %w", err)
	}

	var observer protocol.Observer
	if config.Metrics != nil {
		observer = config.Metrics
	}

	n := &Node{
		local:             config.LocalAddress,
		destination:       config.DestinationAddress,
		localParams:       config.LocalParams,
		destinationParams: config.DestinationParams,
		pollInterval:      pollInterval,
		metrics:           config.Metrics,
		recorder:          config.Recorder,
		logger:            logger,
		startedAt:         time.Now(),
	}

	sender, err := protocol.NewSender(codec, transport, &protocol.SenderConfig{
		Logger:   logger,
		Observer: &discardCounter{node: n, next: observer},
	})
	if err != nil {
		return nil, err
	}
	n.sender = sender

	receiverConfig := &protocol.ReceiverConfig{
		Timeout:      config.ReceiveTimeout,
		PollInterval: pollInterval,
		Logger:       logger,
		Observer:     &discardCounter{node: n, next: observer},
	}
	if config.PinPeer {
		receiverConfig.Peer = config.DestinationAddress
	}
	n.receiver = protocol.NewReceiver(codec, transport, receiverConfig)

	return n, nil
}

// LocalAddress returns the node's own address
func (n *Node) LocalAddress() protocol.DeviceAddress { return n.local }

// DestinationAddress returns the configured peer address
func (n *Node) DestinationAddress() protocol.DeviceAddress { return n.destination }

// Send transmits payload to the configured destination
func (n *Node) Send(ctx context.Context, payload *protocol.Payload) (*protocol.Session, error) {
	return n.SendTo(ctx, n.destination, &n.destinationParams, payload)
}

// SendTo transmits payload to an arbitrary peer sealed with params
func (n *Node) SendTo(ctx context.Context, to protocol.DeviceAddress, params *protocol.CryptoParams, payload *protocol.Payload) (*protocol.Session, error) {
	n.sendMu.Lock()
	session, err := n.sender.Send(ctx, payload, to, params)
	n.sendMu.Unlock()

	outcome := protocol.OutcomeOf(err)
	if err != nil {
		n.sendFailures.Add(1)
	} else {
		n.sent.Add(1)
	}

	e := &storage.Exchange{
		Direction: storage.DirectionSend,
		Peer:      to,
		Outcome:   outcome,
	}
	if session != nil {
		e.CorrelationID = session.CorrelationID
	}
	if err == nil {
		e.Payload = append([]byte(nil), payload[:]...)
	}
	n.finish(ctx, e)

	return session, err
}

// Receive runs one receive attempt with the local key. See
// protocol.Receiver.Receive for the outcomes.
func (n *Node) Receive(ctx context.Context) (protocol.Result, error) {
	n.receiveMu.Lock()
	res, err := n.receiver.Receive(ctx, &n.localParams)
	n.receiveMu.Unlock()

	if res.Outcome == protocol.OutcomeNoMessage {
		return res, err
	}

	e := &storage.Exchange{
		Direction: storage.DirectionReceive,
		Peer:      res.From,
		Outcome:   res.Outcome,
	}
	if res.Session != nil {
		e.CorrelationID = res.Session.CorrelationID
	}
	if res.Outcome == protocol.OutcomeDelivered {
		n.delivered.Add(1)
		e.Payload = append([]byte(nil), res.Payload[:]...)
	} else {
		n.rejected.Add(1)
	}
	n.finish(ctx, e)

	return res, err
}

// Run receives until ctx ends, calling handler for every delivered payload.
// Failed exchanges are logged and counted; Run keeps going.
func (n *Node) Run(ctx context.Context, handler Handler) error {
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	n.logger.Info("Receive loop started", zap.Stringer("destination", n.destination))
	defer n.logger.Info("Receive loop stopped")

	for {
		res, err := n.Receive(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil && res.Outcome == protocol.OutcomeDelivered && handler != nil {
			handler(ctx, res)
		}

		// Drain back-to-back frames before sleeping
		if res.Outcome != protocol.OutcomeNoMessage || res.Discarded {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats returns a snapshot of the node counters
func (n *Node) Stats() Stats {
	s := Stats{
		LocalAddress:       n.local,
		DestinationAddress: n.destination,
		Sent:               n.sent.Load(),
		SendFailures:       n.sendFailures.Load(),
		Delivered:          n.delivered.Load(),
		Rejected:           n.rejected.Load(),
		Discarded:          n.discarded.Load(),
		Uptime:             time.Since(n.startedAt),
	}
	if last := n.lastExchange.Load(); last != 0 {
		s.LastExchange = time.Unix(0, last)
	}
	return s
}

func (n *Node) finish(ctx context.Context, e *storage.Exchange) {
	e.CreatedAt = time.Now()
	n.lastExchange.Store(e.CreatedAt.UnixNano())

	if n.metrics != nil {
		n.metrics.ExchangeFinished(e.Direction, e.Outcome)
	}
	if n.recorder == nil {
		return
	}

	// The exchange is over whether or not the caller is still waiting
	if err := n.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		n.logger.Warn("Failed to journal exchange",
			zap.String("direction", e.Direction),
			zap.Stringer("outcome", e.Outcome),
			zap.Error(err),
		)
	}
}

// discardCounter counts discarded frames before passing events on
type discardCounter struct {
	node *Node
	next protocol.Observer
}

func (d *discardCounter) FrameSent(part protocol.FramePart) {
	if d.next != nil {
		d.next.FrameSent(part)
	}
}

func (d *discardCounter) FrameDiscarded(reason error) {
	d.node.discarded.Add(1)
	if d.next != nil {
		d.next.FrameDiscarded(reason)
	}
}
