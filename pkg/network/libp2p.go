package network

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	p2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/protocol"
)

// FrameProtocolID is the libp2p protocol carrying link frames.
// Each frame travels on its own stream as [src 8][dst 8][frame 32] and is
// answered with a single status byte.
const FrameProtocolID = "/zentalk-link/frame/1.0.0"

const (
	streamRequestSize = 8 + 8 + protocol.FrameSize

	statusAck  byte = 0x06
	statusNak  byte = 0x15
	streamIdle      = 5 * time.Second
)

var (
	ErrFrameRejected = errors.New("frame rejected by peer")
	ErrInvalidPeer   = errors.New("invalid peer multiaddr")
)

// P2PConfig configures a libp2p transport
type P2PConfig struct {
	Retry      RetryPolicy
	AckTimeout time.Duration // Bound on one stream round trip
	InboxSize  int
	Identity   p2pcrypto.PrivKey // Generated when nil
	Logger     *zap.Logger
}

// DefaultP2PConfig returns the default libp2p transport configuration.
// Stream setup costs far more than a radio retransmit, so attempts are
// fewer and further apart than DefaultRetryPolicy.
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		Retry:      RetryPolicy{Attempts: 4, Delay: 50 * time.Millisecond},
		AckTimeout: 2 * time.Second,
		InboxSize:  DefaultInboxSize,
	}
}

type resolvedPeer struct {
	endpoint string
	info     *peer.AddrInfo
}

// P2PTransport carries frames over libp2p streams. The address book maps
// device addresses to full multiaddrs ending in /p2p/<peer id>.
type P2PTransport struct {
	host       host.Host
	book       *AddressBook
	retry      RetryPolicy
	ackTimeout time.Duration
	logger     *zap.Logger
	inbox      chan protocol.Packet
	local      atomic.Uint64

	peers map[protocol.DeviceAddress]resolvedPeer
	mu    sync.Mutex

	closeOnce sync.Once
}

// NewP2PTransport starts a libp2p host listening on listen, a multiaddr such
// as /ip4/0.0.0.0/tcp/4001.
func NewP2PTransport(listen string, book *AddressBook, config *P2PConfig) (*P2PTransport, error) {
	if config == nil {
		config = DefaultP2PConfig()
	}
	if book == nil {
		book = NewAddressBook()
	}

	priv := config.Identity
	if priv == nil {
		var err error
		priv, _, err = p2pcrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listen),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ackTimeout := config.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultP2PConfig().AckTimeout
	}
	inboxSize := config.InboxSize
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}

	t := &P2PTransport{
		host:       h,
		book:       book,
		retry:      config.Retry,
		ackTimeout: ackTimeout,
		logger:     logger.With(zap.String("transport", "libp2p"), zap.Stringer("peer", h.ID())),
		inbox:      make(chan protocol.Packet, inboxSize),
		peers:      make(map[protocol.DeviceAddress]resolvedPeer),
	}
	h.SetStreamHandler(FrameProtocolID, t.handleStream)

	return t, nil
}

// ID returns the host's peer id
func (t *P2PTransport) ID() peer.ID {
	return t.host.ID()
}

// Addrs returns the host's listen addresses with the /p2p component
// appended, in the form peers put in their address books.
func (t *P2PTransport) Addrs() []string {
	addrs := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return addrs
}

// SetLocalAddress sets the device address streams are accepted for
func (t *P2PTransport) SetLocalAddress(addr protocol.DeviceAddress) error {
	if addr.IsZero() {
		return protocol.ErrInvalidAddress
	}
	t.local.Store(uint64(addr))
	return nil
}

func (t *P2PTransport) localAddress() protocol.DeviceAddress {
	return protocol.DeviceAddress(t.local.Load())
}

// resolve returns the peer info for addr, parsing each book entry once
func (t *P2PTransport) resolve(addr protocol.DeviceAddress) (*peer.AddrInfo, error) {
	endpoint, ok := t.book.Endpoint(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cached, ok := t.peers[addr]; ok && cached.endpoint == endpoint {
		return cached.info, nil
	}

	maddr, err := multiaddr.NewMultiaddr(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPeer, endpoint, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPeer, endpoint, err)
	}
	t.peers[addr] = resolvedPeer{endpoint: endpoint, info: info}
	return info, nil
}

// Send opens a stream to the peer bound to to, writes f and waits for the
// peer's status byte, retrying per the retry policy.
func (t *P2PTransport) Send(ctx context.Context, to protocol.DeviceAddress, f protocol.Frame) error {
	from := t.localAddress()
	if from.IsZero() {
		return ErrNoLocalAddress
	}
	info, err := t.resolve(to)
	if err != nil {
		if errors.Is(err, ErrInvalidPeer) {
			return fmt.Errorf("%w: %w", ErrUnknownAddress, err)
		}
		return err
	}

	request := make([]byte, streamRequestSize)
	binary.BigEndian.PutUint64(request[0:8], uint64(from))
	binary.BigEndian.PutUint64(request[8:16], uint64(to))
	copy(request[16:], f[:])

	return t.retry.Do(ctx, func(ctx context.Context) error {
		return t.sendOnce(ctx, info, request)
	})
}

// sendOnce is a single attempt. Running out of the per-attempt budget is
// reported as a missing ack so the retry policy tries again.
func (t *P2PTransport) sendOnce(parent context.Context, info *peer.AddrInfo, request []byte) error {
	ctx, cancel := context.WithTimeout(parent, t.ackTimeout)
	defer cancel()

	err := t.exchange(ctx, info, request)
	if err != nil && parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrNoAck, err)
	}
	return err
}

func (t *P2PTransport) exchange(ctx context.Context, info *peer.AddrInfo, request []byte) error {
	if err := t.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", info.ID, err)
	}

	stream, err := t.host.NewStream(ctx, info.ID, FrameProtocolID)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if _, err := stream.Write(request); err != nil {
		stream.Reset()
		return fmt.Errorf("failed to write frame: %w", err)
	}

	var status [1]byte
	if _, err := io.ReadFull(stream, status[:]); err != nil {
		stream.Reset()
		return fmt.Errorf("failed to read ack: %w", err)
	}
	if status[0] != statusAck {
		return ErrFrameRejected
	}
	return nil
}

// handleStream receives one frame per stream
func (t *P2PTransport) handleStream(stream p2pnet.Stream) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(streamIdle))

	remote := stream.Conn().RemotePeer()

	request := make([]byte, streamRequestSize)
	if _, err := io.ReadFull(stream, request); err != nil {
		t.logger.Debug("Failed to read frame", zap.Error(err), zap.Stringer("remote", remote))
		stream.Reset()
		return
	}

	src := protocol.DeviceAddress(binary.BigEndian.Uint64(request[0:8]))
	dst := protocol.DeviceAddress(binary.BigEndian.Uint64(request[8:16]))

	local := t.localAddress()
	if local.IsZero() || dst != local {
		t.logger.Debug("Rejecting frame for another device",
			zap.Stringer("dst", dst), zap.Stringer("remote", remote))
		t.reply(stream, statusNak)
		return
	}

	// A source we hold a binding for must come from the bound peer id.
	if info, err := t.resolve(src); err == nil && info.ID != remote {
		t.logger.Warn("Rejecting frame with spoofed source",
			zap.Stringer("src", src), zap.Stringer("remote", remote))
		t.reply(stream, statusNak)
		return
	}

	var p protocol.Packet
	p.From = src
	copy(p.Frame[:], request[16:])

	select {
	case t.inbox <- p:
		t.reply(stream, statusAck)
	default:
		t.logger.Warn("Inbox full, rejecting frame", zap.Stringer("src", src))
		t.reply(stream, statusNak)
	}
}

func (t *P2PTransport) reply(stream p2pnet.Stream, status byte) {
	if _, err := stream.Write([]byte{status}); err != nil {
		t.logger.Debug("Failed to write status", zap.Error(err))
	}
}

// Poll returns the next received frame without blocking
func (t *P2PTransport) Poll() (protocol.Packet, bool) {
	select {
	case p := <-t.inbox:
		return p, true
	default:
		return protocol.Packet{}, false
	}
}

// Close shuts the libp2p host down
func (t *P2PTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.host.RemoveStreamHandler(FrameProtocolID)
		err = t.host.Close()
	})
	return err
}

// LoadIdentity reads a libp2p private key from path, creating and saving a
// new Ed25519 key when the file does not exist. A stable identity keeps the
// /p2p/<peer id> in peers' address books valid across restarts.
func LoadIdentity(path string) (p2pcrypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		priv, err := p2pcrypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse identity %s: %w", path, err)
		}
		return priv, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	priv, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	data, err = p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to save identity: %w", err)
	}
	return priv, nil
}
