package polycall

import "encoding/binary"

// ProtocolVersion is the only wire version this package understands.
const ProtocolVersion = 1

// ProtocolMagic is the handshake payload's magic number ("PLC").
const ProtocolMagic = 0x504C43

// DefaultMaxMessageSize is the default ceiling on a framed message
// (header + payload), used when a Config does not set one.
const DefaultMaxMessageSize = 4096

// HeaderSize is the fixed, packed, little-endian wire header size.
const HeaderSize = 16

// MessageType identifies the kind of a Message's payload.
type MessageType uint8

const (
	MsgHandshake MessageType = 1
	MsgAuth      MessageType = 2
	MsgCommand   MessageType = 3
	MsgError     MessageType = 4
	MsgHeartbeat MessageType = 5
)

func (t MessageType) valid() bool {
	return t >= MsgHandshake && t <= MsgHeartbeat
}

// Flags is a bitmask carried in a Message's header.
type Flags uint16

const (
	FlagReliable   Flags = 1 << 0
	FlagEncrypted  Flags = 1 << 1
	FlagCompressed Flags = 1 << 2
	FlagUrgent     Flags = 1 << 3
)

// Header is the 16-byte fixed frame header.
type Header struct {
	Version       uint8
	Type          MessageType
	Flags         Flags
	Sequence      uint32
	PayloadLength uint32
	Checksum      uint32
}

// Encode writes a frame (header followed by payload) for the given
// message fields. The header's checksum is computed over payload only.
// Encode does not enforce maxMessageSize; callers that care (Send) check
// the encoded length themselves.
func Encode(msgType MessageType, flags Flags, sequence uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))

	buf[0] = ProtocolVersion
	buf[1] = byte(msgType)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(flags))
	binary.LittleEndian.PutUint32(buf[4:8], sequence)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[12:16], payloadChecksum(payload))

	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode parses a frame produced by Encode, returning its header and a
// slice of buf aliasing the payload bytes. It rejects frames shorter than
// HeaderSize, frames whose declared payload_length would run past the end
// of buf, an unrecognized protocol version or message type, buffers
// longer than maxMessageSize (ignored if 0), and frames whose
// checksum does not match the payload.
func Decode(buf []byte, maxMessageSize int) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, status(CodeDecodeTruncated, ErrDecodeTruncated)
	}

	h := Header{
		Version:       buf[0],
		Type:          MessageType(buf[1]),
		Flags:         Flags(binary.LittleEndian.Uint16(buf[2:4])),
		Sequence:      binary.LittleEndian.Uint32(buf[4:8]),
		PayloadLength: binary.LittleEndian.Uint32(buf[8:12]),
		Checksum:      binary.LittleEndian.Uint32(buf[12:16]),
	}

	if maxMessageSize > 0 && len(buf) > maxMessageSize {
		return Header{}, nil, status(CodeDecodeOversize, ErrDecodeOversize)
	}

	if h.Version != ProtocolVersion {
		return Header{}, nil, status(CodeDecodeVersion, ErrDecodeVersion)
	}
	if !h.Type.valid() {
		return Header{}, nil, status(CodeDecodeType, ErrDecodeType)
	}

	end := uint64(HeaderSize) + uint64(h.PayloadLength)
	if end > uint64(len(buf)) {
		return Header{}, nil, status(CodeDecodeTruncated, ErrDecodeTruncated)
	}
	payload := buf[HeaderSize:end]

	if payloadChecksum(payload) != h.Checksum {
		return Header{}, nil, status(CodeDecodeChecksum, ErrDecodeChecksum)
	}

	return h, payload, nil
}

// payloadChecksum is a 5-bit rotate-and-add hash, deliberately distinct
// from the 8-bit rotate used by stateChecksum in fsm.go — the two are
// unrelated integrity mechanisms that happen to share a shape.
func payloadChecksum(payload []byte) uint32 {
	var h uint32
	for _, b := range payload {
		h = (h << 5) | (h >> 27)
		h += uint32(b)
	}
	return h
}
