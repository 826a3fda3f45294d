package coap

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalGetRequest(t *testing.T) {
	t.Parallel()
	p := &Packet{Type: CON, Code: CodeGET, MessageID: 0x04d2, Token: []byte{0x12, 0x34}}
	p.AddUriPath("airgradient:AABB")
	b, err := p.Marshal()
	require.NoError(t, err)
	expect := "420104d21234bd03" + hex.EncodeToString([]byte("airgradient:AABB"))
	assert.Equal(t, expect, hex.EncodeToString(b))
}

func TestMarshalEmptyAck(t *testing.T) {
	t.Parallel()
	p := &Packet{Type: ACK, Code: CodeEmpty, MessageID: 0x07d0}
	b, err := p.Marshal()
	require.NoError(t, err)
	assert.Equal(t, "600007d0", hex.EncodeToString(b))
}

func TestParseRoundtrip(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		make func() *Packet
	}{
		{"get", func() *Packet {
			p := &Packet{Type: CON, Code: CodeGET, MessageID: 1234, Token: []byte{0x12, 0x34}}
			p.AddUriPath("airgradient:AABB")
			return p
		}},
		{"post-block1", func() *Packet {
			p := &Packet{Type: CON, Code: CodePOST, MessageID: 40000, Token: []byte{0xca, 0xfe}, Payload: []byte{1, 2, 3}}
			p.AddUriPath("sn")
			p.AddContentFormat(ContentFormatOctetStream)
			p.AddBlock1(2, true, SzxDefault)
			p.AddSize1(2600)
			return p
		}},
		{"piggyback-response", func() *Packet {
			return &Packet{Type: ACK, Code: CodeContent, MessageID: 7, Token: []byte{9}, Payload: []byte("{}")}
		}},
		{"empty-ack", func() *Packet {
			return &Packet{Type: ACK, Code: CodeEmpty, MessageID: 99}
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			p := c.make()
			b, err := p.Marshal()
			require.NoError(t, err)
			back, err := Parse(b)
			require.NoError(t, err)
			assert.Equal(t, p.Type, back.Type)
			assert.Equal(t, p.Code, back.Code)
			assert.Equal(t, p.MessageID, back.MessageID)
			assert.Equal(t, p.Token, back.Token)
			assert.Equal(t, p.Payload, back.Payload)
			require.Equal(t, len(p.Options), len(back.Options))
			for i := range p.Options {
				assert.Equal(t, p.Options[i].Number, back.Options[i].Number)
				assert.Equal(t, p.Options[i].Value, back.Options[i].Value)
			}
		})
	}
}

func TestBlock1Encoding(t *testing.T) {
	t.Parallel()
	cases := []struct {
		num  uint32
		more bool
		szx  uint8
		hex  string
	}{
		{0, true, 6, "0e"},
		{1, true, 6, "1e"},
		{2, false, 6, "26"},
		{16, true, 6, "010e"},
		{4096, false, 6, "010006"},
	}
	for _, c := range cases {
		p := &Packet{}
		p.AddBlock1(c.num, c.more, c.szx)
		assert.Equal(t, c.hex, hex.EncodeToString(p.Option(OptBlock1)), "num=%d", c.num)

		num, more, szx, ok := p.Block1()
		require.True(t, ok)
		assert.Equal(t, c.num, num)
		assert.Equal(t, c.more, more)
		assert.Equal(t, c.szx, szx)
	}
}

func TestCodeClassDetail(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint8(2), CodeContent.Class())
	assert.Equal(t, uint8(5), CodeContent.Detail())
	assert.Equal(t, uint8(31), CodeContinue.Detail())
	assert.Equal(t, "2.31", CodeContinue.String())
	assert.Equal(t, MakeCode(4, 4), Code(4<<5|4))
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		input  string
		expect error
	}{
		{"short", "4001", ErrPacketShort},
		{"version", "000104d2", ErrVersion},
		{"token-length", "490104d2", ErrTokenLength},
		{"token-short", "420104d212", ErrPacketShort},
		{"marker-no-payload", "600004d2ff", ErrPayloadMarker},
		{"option-overrun", "600004d2b16162", ErrOptionFormat},
		{"option-delta-15", "600004d2f0", ErrOptionFormat},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b, err := hex.DecodeString(c.input)
			require.NoError(t, err)
			_, perr := Parse(b)
			assert.Equal(t, c.expect, perr)
		})
	}
}
