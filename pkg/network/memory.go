package network

import (
	"context"
	"sync"

	"github.com/ZentaChain/zentalk-link/pkg/protocol"
)

// DefaultInboxSize is the number of received frames a transport buffers
// before it stops acknowledging new ones.
const DefaultInboxSize = 64

// LossFunc reports whether a frame in flight should be dropped
type LossFunc func(from, to protocol.DeviceAddress, f protocol.Frame) bool

// Hub connects in-process transports by device address
type Hub struct {
	endpoints map[protocol.DeviceAddress]*MemoryTransport
	loss      LossFunc
	mu        sync.RWMutex
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[protocol.DeviceAddress]*MemoryTransport),
	}
}

// SetLoss installs a loss model, nil disables loss
func (h *Hub) SetLoss(fn LossFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loss = fn
}

// NewTransport creates a transport attached to the hub. It receives nothing
// until SetLocalAddress is called.
func (h *Hub) NewTransport(retry RetryPolicy) *MemoryTransport {
	return &MemoryTransport{
		hub:   h,
		retry: retry,
		inbox: make(chan protocol.Packet, DefaultInboxSize),
	}
}

func (h *Hub) attach(addr protocol.DeviceAddress, t *MemoryTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoints[addr] = t
}

func (h *Hub) detach(addr protocol.DeviceAddress, t *MemoryTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[addr] == t {
		delete(h.endpoints, addr)
	}
}

// deliver hands f to the endpoint at to. A missing endpoint, a lost frame
// and a full inbox all look the same to the sender: no ack.
func (h *Hub) deliver(from, to protocol.DeviceAddress, f protocol.Frame) error {
	h.mu.RLock()
	dst, ok := h.endpoints[to]
	loss := h.loss
	h.mu.RUnlock()

	if !ok {
		return ErrNoAck
	}
	if loss != nil && loss(from, to, f) {
		return ErrNoAck
	}

	select {
	case dst.inbox <- protocol.Packet{From: from, Frame: f}:
		return nil
	default:
		return ErrNoAck
	}
}

// MemoryTransport is a protocol.Transport on a Hub
type MemoryTransport struct {
	hub    *Hub
	retry  RetryPolicy
	inbox  chan protocol.Packet
	local  protocol.DeviceAddress
	closed bool
	mu     sync.RWMutex
}

// SetLocalAddress registers the transport on the hub under addr
func (t *MemoryTransport) SetLocalAddress(addr protocol.DeviceAddress) error {
	if addr.IsZero() {
		return protocol.ErrInvalidAddress
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if !t.local.IsZero() {
		t.hub.detach(t.local, t)
	}
	t.local = addr
	t.hub.attach(addr, t)
	return nil
}

// LocalAddress returns the registered address
func (t *MemoryTransport) LocalAddress() protocol.DeviceAddress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local
}

// Send delivers f to the transport registered under to, retrying per the
// transport's policy.
func (t *MemoryTransport) Send(ctx context.Context, to protocol.DeviceAddress, f protocol.Frame) error {
	t.mu.RLock()
	from, closed := t.local, t.closed
	t.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if from.IsZero() {
		return ErrNoLocalAddress
	}

	return t.retry.Do(ctx, func(context.Context) error {
		return t.hub.deliver(from, to, f)
	})
}

// Poll returns the next buffered frame without blocking
func (t *MemoryTransport) Poll() (protocol.Packet, bool) {
	select {
	case p := <-t.inbox:
		return p, true
	default:
		return protocol.Packet{}, false
	}
}

// Close detaches the transport from its hub
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if !t.local.IsZero() {
		t.hub.detach(t.local, t)
	}
	return nil
}
