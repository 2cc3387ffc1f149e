package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-link/pkg/protocol"
)

func listenLoopback(t *testing.T, book *AddressBook, addr protocol.DeviceAddress, retry RetryPolicy) *UDPTransport {
	t.Helper()

	tr, err := ListenUDP("127.0.0.1:0", book, &UDPConfig{
		Retry:      retry,
		AckTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, tr.SetLocalAddress(addr))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func pollEventually(t *testing.T, tr interface {
	Poll() (protocol.Packet, bool)
}) protocol.Packet {
	t.Helper()

	var p protocol.Packet
	require.Eventually(t, func() bool {
		var ok bool
		p, ok = tr.Poll()
		return ok
	}, 2*time.Second, time.Millisecond)
	return p
}

func TestUDPTransportDelivers(t *testing.T) {
	book := NewAddressBook()
	a := listenLoopback(t, book, addrA, DefaultRetryPolicy())
	b := listenLoopback(t, book, addrB, DefaultRetryPolicy())
	book.Set(addrA, a.LocalEndpoint())
	book.Set(addrB, b.LocalEndpoint())

	require.NoError(t, a.Send(context.Background(), addrB, testFrame(0x41)))

	p := pollEventually(t, b)
	assert.Equal(t, addrA, p.From)
	assert.Equal(t, testFrame(0x41), p.Frame)

	// And back the other way
	require.NoError(t, b.Send(context.Background(), addrA, testFrame(0x42)))
	p = pollEventually(t, a)
	assert.Equal(t, addrB, p.From)
	assert.Equal(t, testFrame(0x42), p.Frame)
}

func TestUDPTransportReceivesFromUnlistedPeer(t *testing.T) {
	senderBook := NewAddressBook()
	a := listenLoopback(t, senderBook, addrA, DefaultRetryPolicy())
	b := listenLoopback(t, nil, addrB, DefaultRetryPolicy())
	senderBook.Set(addrB, b.LocalEndpoint())

	require.NoError(t, a.Send(context.Background(), addrB, testFrame(0x41)))
	assert.Equal(t, addrA, pollEventually(t, b).From)
}

func TestUDPTransportUnknownAddress(t *testing.T) {
	a := listenLoopback(t, nil, addrA, DefaultRetryPolicy())

	err := a.Send(context.Background(), addrB, testFrame(0x41))
	assert.ErrorIs(t, err, ErrUnknownAddress)
}

func TestUDPTransportNoAck(t *testing.T) {
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	book := NewAddressBook()
	book.Set(addrB, silent.LocalAddr().String())
	a := listenLoopback(t, book, addrA, RetryPolicy{Attempts: 3, Delay: time.Millisecond})

	err = a.Send(context.Background(), addrB, testFrame(0x41))
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrNoAck)

	// Every attempt was a retransmit of the same datagram
	buf := make([]byte, 128)
	for i := 0; i < 3; i++ {
		require.NoError(t, silent.SetReadDeadline(time.Now().Add(time.Second)))
		n, _, err := silent.ReadFromUDP(buf)
		require.NoError(t, err)
		require.Equal(t, dataDatagramSize, n)
		assert.Equal(t, kindData, buf[0])
		h := decodeLinkHeader(buf[:n])
		assert.Equal(t, uint16(1), h.seq)
		assert.Equal(t, a.boot, h.boot)
		assert.Equal(t, addrA, h.src)
		assert.Equal(t, addrB, h.dst)
	}
}

func TestUDPTransportSendCancelled(t *testing.T) {
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	book := NewAddressBook()
	book.Set(addrB, silent.LocalAddr().String())
	a := listenLoopback(t, book, addrA, RetryPolicy{Attempts: 1000, Delay: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = a.Send(ctx, addrB, testFrame(0x41))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// rawPeer exchanges hand-built datagrams with a transport
type rawPeer struct {
	conn *net.UDPConn
	to   *net.UDPAddr
}

func newRawPeer(t *testing.T, to string) *rawPeer {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	raddr, err := net.ResolveUDPAddr("udp", to)
	require.NoError(t, err)
	return &rawPeer{conn: conn, to: raddr}
}

func (r *rawPeer) write(t *testing.T, b []byte) {
	t.Helper()
	_, err := r.conn.WriteToUDP(b, r.to)
	require.NoError(t, err)
}

func (r *rawPeer) readAck(t *testing.T) linkHeader {
	t.Helper()

	buf := make([]byte, 128)
	require.NoError(t, r.conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := r.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, ackDatagramSize, n)
	require.Equal(t, kindAck, buf[0])
	return decodeLinkHeader(buf[:n])
}

func (r *rawPeer) expectSilence(t *testing.T) {
	t.Helper()

	buf := make([]byte, 128)
	require.NoError(t, r.conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err := r.conn.ReadFromUDP(buf)
	assert.Error(t, err, "no reply expected")
}

func TestUDPTransportSuppressesRetransmits(t *testing.T) {
	b := listenLoopback(t, nil, addrB, DefaultRetryPolicy())
	peer := newRawPeer(t, b.LocalEndpoint())

	f := testFrame(0x41)
	data := linkHeader{kind: kindData, boot: 0xB0071, seq: 7, src: addrA, dst: addrB}
	datagram := encodeDatagram(data, &f)

	// The first ack is lost; the sender retransmits.
	peer.write(t, datagram)
	peer.write(t, datagram)

	for i := 0; i < 2; i++ {
		ack := peer.readAck(t)
		assert.Equal(t, uint16(7), ack.seq)
		assert.Equal(t, data.boot, ack.boot)
		assert.Equal(t, addrB, ack.src)
		assert.Equal(t, addrA, ack.dst)
	}

	p := pollEventually(t, b)
	assert.Equal(t, f, p.Frame)
	_, ok := b.Poll()
	assert.False(t, ok, "retransmit delivered once")

	// A new sequence number is a new frame
	data.seq = 8
	peer.write(t, encodeDatagram(data, &f))
	peer.readAck(t)
	pollEventually(t, b)

	// So is the same sequence number from a restarted sender
	data.boot++
	peer.write(t, encodeDatagram(data, &f))
	peer.readAck(t)
	pollEventually(t, b)
}

func TestUDPTransportSenderRestart(t *testing.T) {
	book := NewAddressBook()
	b := listenLoopback(t, book, addrB, DefaultRetryPolicy())
	book.Set(addrB, b.LocalEndpoint())

	for i, payload := range []byte{0x41, 0x42} {
		a, err := ListenUDP("127.0.0.1:0", book, &UDPConfig{
			Retry:      DefaultRetryPolicy(),
			AckTimeout: 50 * time.Millisecond,
		})
		require.NoError(t, err)
		require.NoError(t, a.SetLocalAddress(addrA))

		require.NoError(t, a.Send(context.Background(), addrB, testFrame(payload)), "run %d", i)
		require.NoError(t, a.Close())
	}

	// Both runs used seq 1; both frames arrive
	assert.Equal(t, testFrame(0x41), pollEventually(t, b).Frame)
	assert.Equal(t, testFrame(0x42), pollEventually(t, b).Frame)
}

func TestUDPTransportRejectsSpoofedSource(t *testing.T) {
	book := NewAddressBook()
	b := listenLoopback(t, book, addrB, DefaultRetryPolicy())
	peer := newRawPeer(t, b.LocalEndpoint())
	book.Set(addrA, peer.conn.LocalAddr().String())

	// The endpoint bound to addrA claims to be addrC
	f := testFrame(0x41)
	peer.write(t, encodeDatagram(linkHeader{kind: kindData, boot: 1, seq: 1, src: addrC, dst: addrB}, &f))
	peer.expectSilence(t)
	_, ok := b.Poll()
	assert.False(t, ok)

	peer.write(t, encodeDatagram(linkHeader{kind: kindData, boot: 1, seq: 2, src: addrA, dst: addrB}, &f))
	assert.Equal(t, addrA, peer.readAck(t).dst)
	assert.Equal(t, addrA, pollEventually(t, b).From)
}

func TestUDPTransportIgnoresStaleAck(t *testing.T) {
	peer := newRawPeer(t, "127.0.0.1:9")
	book := NewAddressBook()
	book.Set(addrB, peer.conn.LocalAddr().String())
	a := listenLoopback(t, book, addrA, RetryPolicy{Attempts: 2, Delay: time.Millisecond})

	// Answer every datagram with an ack meant for an earlier run of a
	stale := encodeDatagram(linkHeader{kind: kindAck, boot: a.boot + 1, seq: 1, src: addrB, dst: addrA}, nil)
	go func() {
		buf := make([]byte, 128)
		for {
			_, raddr, err := peer.conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = peer.conn.WriteToUDP(stale, raddr)
		}
	}()

	err := a.Send(context.Background(), addrB, testFrame(0x41))
	assert.ErrorIs(t, err, ErrNoAck)
}

func TestUDPTransportIgnoresForeignAndMalformed(t *testing.T) {
	b := listenLoopback(t, nil, addrB, DefaultRetryPolicy())
	peer := newRawPeer(t, b.LocalEndpoint())

	f := testFrame(0x41)
	peer.write(t, encodeDatagram(linkHeader{kind: kindData, boot: 1, seq: 1, src: addrA, dst: addrC}, &f))
	peer.expectSilence(t)

	peer.write(t, []byte{kindData, 0x00, 0x01})
	peer.expectSilence(t)

	_, ok := b.Poll()
	assert.False(t, ok)
}

func TestUDPTransportClose(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	require.NoError(t, a.SetLocalAddress(addrA))

	require.NoError(t, a.Close())
	assert.NoError(t, a.Close(), "close is idempotent")
	assert.ErrorIs(t, a.Send(context.Background(), addrB, testFrame(0x41)), ErrClosed)
}

func TestDatagramLayout(t *testing.T) {
	f := testFrame(0x5A)
	h := linkHeader{kind: kindData, boot: 0xA1B2C3D4, seq: 0x0102, src: 0x1122334455, dst: 0x66778899AA}
	b := encodeDatagram(h, &f)

	require.Len(t, b, 55)
	assert.Equal(t, []byte{0x01, 0xA1, 0xB2, 0xC3, 0xD4, 0x01, 0x02}, b[:7])
	assert.Equal(t, []byte{0, 0, 0, 0x11, 0x22, 0x33, 0x44, 0x55}, b[7:15])
	assert.Equal(t, []byte{0, 0, 0, 0x66, 0x77, 0x88, 0x99, 0xAA}, b[15:23])
	assert.Equal(t, f[:], b[23:])
	assert.Equal(t, h, decodeLinkHeader(b))

	h.kind = kindAck
	ack := encodeDatagram(h, nil)
	require.Len(t, ack, 23)
	assert.Equal(t, b[1:23], ack[1:23])
}
