// Package coap implements the subset of RFC 7252/7959 spoken by the
// uplink: confirmable request/response over UDP, piggyback and separate
// responses, Block1 transfers for oversized POST bodies.
package coap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	version = 1

	TokenMaxLength = 8
	HeaderSize     = 4

	payloadMarker = 0xff
)

type Type uint8

const (
	CON Type = 0
	NON Type = 1
	ACK Type = 2
	RST Type = 3
)

func (t Type) String() string {
	switch t {
	case CON:
		return "CON"
	case NON:
		return "NON"
	case ACK:
		return "ACK"
	case RST:
		return "RST"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Code is class<<5|detail per RFC 7252 section 3.
type Code uint8

const (
	CodeEmpty Code = 0
	CodeGET   Code = 1
	CodePOST  Code = 2

	CodeContent  Code = 2<<5 | 5  // 2.05
	CodeContinue Code = 2<<5 | 31 // 2.31
)

func MakeCode(class, detail uint8) Code { return Code(class<<5 | detail&0x1f) }

func (c Code) Class() uint8  { return uint8(c) >> 5 }
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

func (c Code) String() string { return fmt.Sprintf("%d.%02d", c.Class(), c.Detail()) }

// Option numbers used by the uplink.
const (
	OptUriPath       uint16 = 11
	OptContentFormat uint16 = 12
	OptBlock1        uint16 = 27
	OptSize1         uint16 = 60
)

// Content-Format registry values.
const (
	ContentFormatTextPlain   uint16 = 0
	ContentFormatOctetStream uint16 = 42
)

type Option struct {
	Number uint16
	Value  []byte
}

type Packet struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

var (
	ErrPacketShort   = errors.New("coap: packet too short")
	ErrVersion       = errors.New("coap: bad version")
	ErrTokenLength   = errors.New("coap: token length over 8")
	ErrOptionFormat  = errors.New("coap: malformed option")
	ErrPayloadMarker = errors.New("coap: payload marker without payload")
)

// AddOption appends an option. Callers append in ascending number order;
// Marshal encodes deltas as given.
func (p *Packet) AddOption(number uint16, value []byte) {
	p.Options = append(p.Options, Option{Number: number, Value: value})
}

func (p *Packet) AddUriPath(path string) { p.AddOption(OptUriPath, []byte(path)) }

func (p *Packet) AddContentFormat(cf uint16) { p.AddOption(OptContentFormat, encodeUint(uint32(cf))) }

// AddBlock1 encodes NUM<<4|M<<3|SZX minimal-length per RFC 7959.
func (p *Packet) AddBlock1(num uint32, more bool, szx uint8) {
	v := num<<4 | uint32(szx)&0x7
	if more {
		v |= 1 << 3
	}
	p.AddOption(OptBlock1, encodeUint(v))
}

func (p *Packet) AddSize1(total uint32) { p.AddOption(OptSize1, encodeUint(total)) }

// Option lookup by number, nil when absent.
func (p *Packet) Option(number uint16) []byte {
	for i := range p.Options {
		if p.Options[i].Number == number {
			return p.Options[i].Value
		}
	}
	return nil
}

// Block1 decodes the Block1 option. ok=false when absent.
func (p *Packet) Block1() (num uint32, more bool, szx uint8, ok bool) {
	v := p.Option(OptBlock1)
	if v == nil {
		return 0, false, 0, false
	}
	x := decodeUint(v)
	return x >> 4, x&(1<<3) != 0, uint8(x & 0x7), true
}

// minimal-length big-endian uint option value; zero encodes as empty
func encodeUint(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	i := 0
	for i < 4 && b[i] == 0 {
		i++
	}
	return b[i:]
}

func decodeUint(b []byte) uint32 {
	v := uint32(0)
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v
}

// Marshal encodes the packet into wire bytes.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Token) > TokenMaxLength {
		return nil, ErrTokenLength
	}
	size := HeaderSize + len(p.Token)
	prev := uint16(0)
	for i := range p.Options {
		o := &p.Options[i]
		if o.Number < prev {
			return nil, ErrOptionFormat
		}
		size += 1 + extLen(uint32(o.Number-prev)) + extLen(uint32(len(o.Value))) + len(o.Value)
		prev = o.Number
	}
	if len(p.Payload) > 0 {
		size += 1 + len(p.Payload)
	}

	b := make([]byte, 0, size)
	b = append(b, version<<6|byte(p.Type)<<4|byte(len(p.Token)))
	b = append(b, byte(p.Code))
	b = append(b, byte(p.MessageID>>8), byte(p.MessageID))
	b = append(b, p.Token...)

	prev = 0
	for i := range p.Options {
		o := &p.Options[i]
		delta := uint32(o.Number - prev)
		length := uint32(len(o.Value))
		b = append(b, nibble(delta)<<4|nibble(length))
		b = appendExt(b, delta)
		b = appendExt(b, length)
		b = append(b, o.Value...)
		prev = o.Number
	}
	if len(p.Payload) > 0 {
		b = append(b, payloadMarker)
		b = append(b, p.Payload...)
	}
	return b, nil
}

func nibble(v uint32) byte {
	switch {
	case v < 13:
		return byte(v)
	case v < 269:
		return 13
	default:
		return 14
	}
}

func extLen(v uint32) int {
	switch {
	case v < 13:
		return 0
	case v < 269:
		return 1
	default:
		return 2
	}
}

func appendExt(b []byte, v uint32) []byte {
	switch {
	case v < 13:
		return b
	case v < 269:
		return append(b, byte(v-13))
	default:
		return append(b, byte((v-269)>>8), byte(v-269))
	}
}

// Parse decodes wire bytes into a packet.
func Parse(b []byte) (*Packet, error) {
	if len(b) < HeaderSize {
		return nil, ErrPacketShort
	}
	if b[0]>>6 != version {
		return nil, ErrVersion
	}
	tkl := int(b[0] & 0x0f)
	if tkl > TokenMaxLength {
		return nil, ErrTokenLength
	}
	p := &Packet{
		Type:      Type(b[0] >> 4 & 0x3),
		Code:      Code(b[1]),
		MessageID: binary.BigEndian.Uint16(b[2:4]),
	}
	offset := HeaderSize
	if len(b) < offset+tkl {
		return nil, ErrPacketShort
	}
	if tkl > 0 {
		p.Token = append([]byte(nil), b[offset:offset+tkl]...)
		offset += tkl
	}

	number := uint16(0)
	for offset < len(b) {
		if b[offset] == payloadMarker {
			offset++
			if offset == len(b) {
				return nil, ErrPayloadMarker
			}
			p.Payload = append([]byte(nil), b[offset:]...)
			return p, nil
		}
		deltaN := uint32(b[offset] >> 4)
		lengthN := uint32(b[offset] & 0x0f)
		offset++
		delta, n, err := parseExt(b, offset, deltaN)
		if err != nil {
			return nil, err
		}
		offset = n
		length, n, err := parseExt(b, offset, lengthN)
		if err != nil {
			return nil, err
		}
		offset = n
		if len(b) < offset+int(length) {
			return nil, ErrOptionFormat
		}
		number += uint16(delta)
		p.Options = append(p.Options, Option{
			Number: number,
			Value:  append([]byte(nil), b[offset:offset+int(length)]...),
		})
		offset += int(length)
	}
	return p, nil
}

func parseExt(b []byte, offset int, n uint32) (uint32, int, error) {
	switch n {
	case 13:
		if len(b) < offset+1 {
			return 0, 0, ErrOptionFormat
		}
		return uint32(b[offset]) + 13, offset + 1, nil
	case 14:
		if len(b) < offset+2 {
			return 0, 0, ErrOptionFormat
		}
		return uint32(b[offset])<<8 + uint32(b[offset+1]) + 269, offset + 2, nil
	case 15:
		return 0, 0, ErrOptionFormat
	default:
		return n, offset, nil
	}
}
