// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// A Message is one tagged unit exchanged between peers. The tag is a
// short printable identifier such as a command name or topic; the payload
// is arbitrary binary data. A nil payload and an empty payload are
// equivalent on the wire.
//
// A message is immutable once constructed. Ownership moves from the codec
// to the inbound queue to the consumer; no component retains a message
// after handing it off.
type Message struct {
	Tag     string
	Payload []byte
}

// String returns a human-friendly rendering of the message.
func (m Message) String() string {
	if len(m.Payload) > 16 {
		return fmt.Sprintf("Message(%q, [%d bytes])", m.Tag, len(m.Payload))
	}
	return fmt.Sprintf("Message(%q, %v)", m.Tag, m.Payload)
}

// MaxFrameSize is the maximum permitted size in bytes of one encoded
// frame, length prefixes included. The wire format has no sync marker, so
// a frame whose declared lengths exceed this limit is protocol fatal: no
// resynchronization is attempted.
const MaxFrameSize = 1 << 24 // 16 MiB

// ErrFrameTooLarge is reported by Decode when a frame's declared size
// exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// frameOverhead is the fixed framing cost: two u32 length prefixes.
const frameOverhead = 8

// Encode encodes m in binary format:
//
//	[4] tag length (uint32, little-endian)
//	[n] tag (UTF-8)
//	[4] payload length (uint32, little-endian)
//	[n] payload
func (m Message) Encode() []byte {
	buf := make([]byte, 0, frameOverhead+len(m.Tag)+len(m.Payload))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Tag)))
	buf = append(buf, m.Tag...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	return buf
}

// Decode parses the first complete frame at the front of buf.
//
// If buf begins with a complete frame, Decode returns the parsed message
// and the number of bytes consumed, leaving the remainder for the next
// call. If buf does not yet hold a complete frame, Decode reports n == 0
// with a nil error; the caller should append more data and retry.
//
// Decode never allocates for data that have not actually arrived: lengths
// are validated against MaxFrameSize as soon as they are readable, and a
// violation reports ErrFrameTooLarge, which is fatal for the connection.
//
// The returned message does not alias buf; the caller may reuse or
// overwrite the buffer after Decode returns.
func Decode(buf []byte) (msg Message, n int, err error) {
	if len(buf) < 4 {
		return Message{}, 0, nil
	}
	tlen := int(binary.LittleEndian.Uint32(buf))
	if frameOverhead+tlen > MaxFrameSize {
		return Message{}, 0, fmt.Errorf("%w (tag %d bytes)", ErrFrameTooLarge, tlen)
	}
	if len(buf) < 4+tlen+4 {
		return Message{}, 0, nil
	}
	plen := int(binary.LittleEndian.Uint32(buf[4+tlen:]))
	total := frameOverhead + tlen + plen
	if total > MaxFrameSize {
		return Message{}, 0, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, total)
	}
	if len(buf) < total {
		return Message{}, 0, nil
	}
	msg = Message{Tag: string(buf[4 : 4+tlen])}
	if plen > 0 {
		msg.Payload = append([]byte(nil), buf[frameOverhead+tlen:total]...)
	}
	return msg, total, nil
}
