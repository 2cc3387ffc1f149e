package protocol

import "context"

// Packet is a frame as delivered by the transport together with the
// transport-level source address (zero when the transport cannot tell).
type Packet struct {
	From  DeviceAddress
	Frame Frame
}

// Transport moves fixed-size frames between addressed devices.
//
// Send blocks until the link layer confirms delivery or its own bounded retry
// budget is exhausted. Poll never blocks.
type Transport interface {
	SetLocalAddress(addr DeviceAddress) error
	Send(ctx context.Context, to DeviceAddress, f Frame) error
	Poll() (Packet, bool)
}

// Observer receives per-frame protocol events
type Observer interface {
	FrameSent(part FramePart)
	FrameDiscarded(reason error)
}

type nopObserver struct{}

func (nopObserver) FrameSent(FramePart)  {}
func (nopObserver) FrameDiscarded(error) {}
