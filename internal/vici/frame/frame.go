package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind is the one-byte packet type tag.
type Kind uint8

const (
	CmdRequest      Kind = 0
	CmdResponse     Kind = 1
	CmdUnknown      Kind = 2
	EventRegister   Kind = 3
	EventUnregister Kind = 4
	EventConfirm    Kind = 5
	EventUnknown    Kind = 6
	Event           Kind = 7
)

const lengthPrefixLen = 4

var (
	ErrEmptyPacket    = errors.New("frame: zero-length packet")
	ErrUnknownKind    = errors.New("frame: unknown packet kind")
	ErrTruncated      = errors.New("frame: truncated packet")
	ErrPacketTooLarge = errors.New("frame: packet too large")
	ErrNameTooLong    = errors.New("frame: packet name too long")
)

// Packet is one complete wire unit. Name is set only for the named kinds
// (CmdRequest, EventRegister, EventUnregister, Event); for those kinds the
// encoded body begins with a 1-byte length-prefixed name, and Body holds the
// remainder.
type Packet struct {
	Kind Kind
	Name string
	Body []byte
}

// Limits constrains packet decode memory use.
type Limits struct {
	MaxPacketBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPacketBytes: 512 * 1024}
}

// Named reports whether this kind carries a leading name.
func (k Kind) Named() bool {
	switch k {
	case CmdRequest, EventRegister, EventUnregister, Event:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case CmdRequest:
		return "CMD_REQUEST"
	case CmdResponse:
		return "CMD_RESPONSE"
	case CmdUnknown:
		return "CMD_UNKNOWN"
	case EventRegister:
		return "EVENT_REGISTER"
	case EventUnregister:
		return "EVENT_UNREGISTER"
	case EventConfirm:
		return "EVENT_CONFIRM"
	case EventUnknown:
		return "EVENT_UNKNOWN"
	case Event:
		return "EVENT"
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// WritePacket writes one packet as a single buffer so the caller never
// observes a partially framed packet.
func WritePacket(w io.Writer, p Packet) error {
	if p.Kind > Event {
		return ErrUnknownKind
	}
	nameLen := 0
	if p.Kind.Named() {
		if len(p.Name) > 0xFF {
			return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(p.Name))
		}
		nameLen = 1 + len(p.Name)
	}
	inner := 1 + nameLen + len(p.Body)
	if uint64(inner) > uint64(^uint32(0)) {
		return ErrPacketTooLarge
	}

	buf := make([]byte, lengthPrefixLen+inner)
	binary.BigEndian.PutUint32(buf[0:4], uint32(inner))
	buf[4] = byte(p.Kind)
	off := 5
	if p.Kind.Named() {
		buf[off] = byte(len(p.Name))
		off++
		off += copy(buf[off:], p.Name)
	}
	copy(buf[off:], p.Body)

	_, err := w.Write(buf)
	return err
}

// ReadPacket reads exactly one packet. A clean io.EOF is returned only when
// the stream ends at a packet boundary; closure mid-length or mid-body is
// ErrTruncated.
func ReadPacket(r io.Reader, limits Limits) (Packet, error) {
	var prefix [lengthPrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Packet{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, ErrTruncated
		}
		return Packet{}, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return Packet{}, ErrEmptyPacket
	}
	if limits.MaxPacketBytes > 0 && length > limits.MaxPacketBytes {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, length)
	}

	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, ErrTruncated
		}
		return Packet{}, err
	}

	p := Packet{Kind: Kind(raw[0])}
	if p.Kind > Event {
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownKind, raw[0])
	}
	rest := raw[1:]
	if p.Kind.Named() {
		if len(rest) < 1 {
			return Packet{}, ErrTruncated
		}
		nameLen := int(rest[0])
		if len(rest)-1 < nameLen {
			return Packet{}, ErrTruncated
		}
		p.Name = string(rest[1 : 1+nameLen])
		rest = rest[1+nameLen:]
	}
	p.Body = rest
	return p, nil
}
