package network

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/protocol"
)

// Link datagram layout (big-endian):
//
//	data: [kind 1][boot 4][seq 2][src 8][dst 8][frame 32]
//	ack:  [kind 1][boot 4][seq 2][src 8][dst 8]
//
// boot is drawn at random when a transport starts, so a restarted sender's
// sequence numbers never collide with its previous run. An ack echoes the
// boot and seq of the data datagram; its src is the acknowledging device and
// its dst the original sender.
const (
	kindData byte = 0x01
	kindAck  byte = 0x02

	linkHeaderSize   = 1 + 4 + 2 + 8 + 8
	dataDatagramSize = linkHeaderSize + protocol.FrameSize
	ackDatagramSize  = linkHeaderSize

	// Retransmits of an already delivered frame are re-acked but not
	// delivered again while they fall inside this window.
	dedupWindow = 2 * time.Second
)

// UDP transport defaults
const (
	DefaultAckTimeout = 20 * time.Millisecond
)

// UDPConfig configures a UDP transport
type UDPConfig struct {
	Retry      RetryPolicy
	AckTimeout time.Duration // Wait for an ack before retransmitting
	InboxSize  int
	Logger     *zap.Logger
}

// DefaultUDPConfig returns the default UDP transport configuration
func DefaultUDPConfig() *UDPConfig {
	return &UDPConfig{
		Retry:      DefaultRetryPolicy(),
		AckTimeout: DefaultAckTimeout,
		InboxSize:  DefaultInboxSize,
	}
}

type ackWaiter struct {
	peer protocol.DeviceAddress
	ack  chan struct{}
}

type linkHeader struct {
	kind byte
	boot uint32
	seq  uint16
	src  protocol.DeviceAddress
	dst  protocol.DeviceAddress
}

type seenKey struct {
	src  protocol.DeviceAddress
	boot uint32
	seq  uint16
}

// UDPTransport carries frames in acknowledged UDP datagrams. Peers are
// resolved through an AddressBook; replies go to the datagram source, so a
// device can receive from peers it has no endpoint for.
type UDPTransport struct {
	conn       *net.UDPConn
	book       *AddressBook
	retry      RetryPolicy
	ackTimeout time.Duration
	logger     *zap.Logger
	inbox      chan protocol.Packet

	local atomic.Uint64
	boot  uint32
	seq   atomic.Uint32

	mu        sync.Mutex
	pending   map[uint16]*ackWaiter
	seen      map[seenKey]time.Time
	lastPrune time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenUDP binds a UDP transport to listen (host:port, port 0 picks one)
func ListenUDP(listen string, book *AddressBook, config *UDPConfig) (*UDPTransport, error) {
	if config == nil {
		config = DefaultUDPConfig()
	}
	if book == nil {
		book = NewAddressBook()
	}

	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", listen, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listen, err)
	}

	var boot [4]byte
	if _, err := rand.Read(boot[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to generate boot id: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ackTimeout := config.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	inboxSize := config.InboxSize
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}

	t := &UDPTransport{
		conn:       conn,
		book:       book,
		retry:      config.Retry,
		ackTimeout: ackTimeout,
		logger:     logger.With(zap.String("transport", "udp"), zap.Stringer("listen", conn.LocalAddr())),
		inbox:      make(chan protocol.Packet, inboxSize),
		boot:       binary.BigEndian.Uint32(boot[:]),
		pending:    make(map[uint16]*ackWaiter),
		seen:       make(map[seenKey]time.Time),
		done:       make(chan struct{}),
	}

	t.wg.Add(1)
	go t.readLoop()

	return t, nil
}

// LocalEndpoint returns the bound host:port
func (t *UDPTransport) LocalEndpoint() string {
	return t.conn.LocalAddr().String()
}

// SetLocalAddress sets the device address datagrams are accepted for
func (t *UDPTransport) SetLocalAddress(addr protocol.DeviceAddress) error {
	if addr.IsZero() {
		return protocol.ErrInvalidAddress
	}
	t.local.Store(uint64(addr))
	return nil
}

func (t *UDPTransport) localAddress() protocol.DeviceAddress {
	return protocol.DeviceAddress(t.local.Load())
}

// Send transmits f to the endpoint of to and waits for its ack,
// retransmitting per the retry policy.
func (t *UDPTransport) Send(ctx context.Context, to protocol.DeviceAddress, f protocol.Frame) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	from := t.localAddress()
	if from.IsZero() {
		return ErrNoLocalAddress
	}
	endpoint, ok := t.book.Endpoint(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, to)
	}
	raddr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnknownAddress, endpoint, err)
	}

	seq := uint16(t.seq.Add(1))
	waiter := &ackWaiter{peer: to, ack: make(chan struct{}, 1)}

	t.mu.Lock()
	t.pending[seq] = waiter
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, seq)
		t.mu.Unlock()
	}()

	datagram := encodeDatagram(linkHeader{kind: kindData, boot: t.boot, seq: seq, src: from, dst: to}, &f)

	return t.retry.Do(ctx, func(ctx context.Context) error {
		if _, err := t.conn.WriteToUDP(datagram, raddr); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return ErrClosed
			}
			return err
		}

		timer := time.NewTimer(t.ackTimeout)
		defer timer.Stop()

		select {
		case <-waiter.ack:
			return nil
		case <-timer.C:
			return ErrNoAck
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrClosed
		}
	})
}

// Poll returns the next received frame without blocking
func (t *UDPTransport) Poll() (protocol.Packet, bool) {
	select {
	case p := <-t.inbox:
		return p, true
	default:
		return protocol.Packet{}, false
	}
}

// Close stops the read loop and releases the socket
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, 2*dataDatagramSize)
	for {
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Debug("UDP read failed", zap.Error(err))
			continue
		}
		t.handleDatagram(buf[:n], raddr)
	}
}

func (t *UDPTransport) handleDatagram(b []byte, raddr *net.UDPAddr) {
	local := t.localAddress()

	switch {
	case len(b) == dataDatagramSize && b[0] == kindData:
		h := decodeLinkHeader(b)
		if local.IsZero() || h.dst != local {
			t.logger.Debug("Dropping datagram for another device",
				zap.Stringer("dst", h.dst), zap.Stringer("from", raddr))
			return
		}
		// An endpoint we hold a binding for must speak as its bound device
		if bound, ok := t.book.Device(raddr.String()); ok && bound != h.src {
			t.logger.Warn("Dropping datagram with spoofed source",
				zap.Stringer("src", h.src), zap.Stringer("bound", bound), zap.Stringer("from", raddr))
			return
		}

		if !t.accept(h, b[linkHeaderSize:]) {
			return
		}
		ack := linkHeader{kind: kindAck, boot: h.boot, seq: h.seq, src: local, dst: h.src}
		t.write(encodeDatagram(ack, nil), raddr)

	case len(b) == ackDatagramSize && b[0] == kindAck:
		h := decodeLinkHeader(b)
		if h.dst != local || h.boot != t.boot {
			return
		}

		t.mu.Lock()
		waiter, ok := t.pending[h.seq]
		t.mu.Unlock()
		if !ok || waiter.peer != h.src {
			return
		}
		select {
		case waiter.ack <- struct{}{}:
		default:
		}

	default:
		t.logger.Debug("Dropping malformed datagram",
			zap.Int("size", len(b)), zap.Stringer("from", raddr))
	}
}

// accept queues a data frame unless it is a retransmit of one already
// queued. It reports whether the frame should be acked.
func (t *UDPTransport) accept(h linkHeader, frame []byte) bool {
	now := time.Now()
	key := seenKey{src: h.src, boot: h.boot, seq: h.seq}

	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastPrune) > dedupWindow {
		for k, at := range t.seen {
			if now.Sub(at) > dedupWindow {
				delete(t.seen, k)
			}
		}
		t.lastPrune = now
	}

	if at, ok := t.seen[key]; ok && now.Sub(at) <= dedupWindow {
		return true
	}

	var p protocol.Packet
	p.From = h.src
	copy(p.Frame[:], frame)

	select {
	case t.inbox <- p:
		t.seen[key] = now
		return true
	default:
		t.logger.Warn("Inbox full, withholding ack", zap.Stringer("from", h.src))
		return false
	}
}

func (t *UDPTransport) write(datagram []byte, raddr *net.UDPAddr) {
	if _, err := t.conn.WriteToUDP(datagram, raddr); err != nil {
		t.logger.Debug("UDP write failed", zap.Error(err), zap.Stringer("to", raddr))
	}
}

func encodeDatagram(h linkHeader, f *protocol.Frame) []byte {
	size := ackDatagramSize
	if f != nil {
		size = dataDatagramSize
	}

	b := make([]byte, size)
	b[0] = h.kind
	binary.BigEndian.PutUint32(b[1:5], h.boot)
	binary.BigEndian.PutUint16(b[5:7], h.seq)
	binary.BigEndian.PutUint64(b[7:15], uint64(h.src))
	binary.BigEndian.PutUint64(b[15:23], uint64(h.dst))
	if f != nil {
		copy(b[linkHeaderSize:], f[:])
	}
	return b
}

func decodeLinkHeader(b []byte) linkHeader {
	return linkHeader{
		kind: b[0],
		boot: binary.BigEndian.Uint32(b[1:5]),
		seq:  binary.BigEndian.Uint16(b[5:7]),
		src:  protocol.DeviceAddress(binary.BigEndian.Uint64(b[7:15])),
		dst:  protocol.DeviceAddress(binary.BigEndian.Uint64(b[15:23])),
	}
}
