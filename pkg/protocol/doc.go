// Package protocol implements the zentalk-link secure frame protocol.
//
// Two devices, each identified by a 64-bit address, exchange 30-byte
// payloads over a transport that moves fixed 32-byte frames. Every exchange
// is two frames: a header sent in the clear, followed by an encrypted
// message frame.
//
// # Header Format
//
// Every exchange starts with a 32-byte header (big-endian):
//   - Marker (8 bytes): 0xFF repeated, identifies the frame as a header
//   - CorrelationID (4 bytes): ties the header to the following message
//   - Type (1 byte): message type (0x01 = request)
//   - Length (1 byte): message length in bytes
//   - IV (16 bytes): CBC initialization vector of the following message
//   - Checksum (2 bytes): CRC-16 over bytes 0..30, computed with the
//     checksum bytes zeroed
//
// # Message Format
//
// The message frame is the AES-128-CBC encryption, as two chained 16-byte
// blocks, of the payload followed by a CRC-16 of the payload. The sender
// seals it with the destination key and the IV it announced in the header;
// the receiver opens it with its local key and that same IV.
//
// # Exchanges
//
// A Sender walks READY -> HEADER_SENT -> MESSAGE_SENT -> COMPLETE and draws a
// fresh IV and correlation id for every exchange. A Receiver walks
// IDLE -> AWAITING_HEADER -> HEADER_VALID -> AWAITING_MESSAGE -> DELIVERED
// and rejects the exchange on any checksum failure or when the message frame
// does not arrive in time. The per-exchange state lives in a Session that
// is created and discarded inside a single call.
//
// # Usage Example
//
//	codec := protocol.DefaultCodec()
//	sender, err := protocol.NewSender(codec, transport, nil)
//	if err != nil {
//	    return err
//	}
//
//	payload, _ := protocol.PayloadFromBytes([]byte("hello"))
//	_, err = sender.Send(ctx, &payload, destination, &destinationParams)
//
//	receiver := protocol.NewReceiver(codec, transport, nil)
//	res, err := receiver.Receive(ctx, &localParams)
//	if err == nil && res.Outcome == protocol.OutcomeDelivered {
//	    handle(res.Payload)
//	}
//
// # Security Considerations
//
// The checksums detect transmission corruption; they are not a MAC. Keys are
// pre-shared and configured out of band. IVs travel in the clear and must
// never repeat under one key, which is why Sender ignores any IV it is given.
package protocol
