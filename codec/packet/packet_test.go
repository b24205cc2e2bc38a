package packet_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqttgo/broker/codec/packet"
	"github.com/mqttgo/broker/encoding"
)

func TestReadFrame_ConnectFromScenario1(t *testing.T) {
	raw := []byte{
		0x10, 0x10, 0x00, 0x04, 0x4d, 0x51, 0x54, 0x54, 0x05, 0x02,
		0x00, 0x00, 0x00, 0x00, 0x03, 0x62, 0x61, 0x72,
	}

	fr := packet.NewReader(bytes.NewReader(raw))
	frame, err := fr.ReadFrame()
	require.NoError(t, err)

	assert.Equal(t, encoding.CONNECT, frame.Header.Type)
	assert.Equal(t, uint32(0x10), frame.Header.RemainingLength)
	assert.Len(t, frame.Payload, 0x10)
}

func TestReadFrame_MultipleFramesInSequence(t *testing.T) {
	raw := []byte{
		0xc0, 0x00, // PINGREQ
		0xd0, 0x00, // PINGRESP
	}

	fr := packet.NewReader(bytes.NewReader(raw))

	first, err := fr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, encoding.PINGREQ, first.Header.Type)

	second, err := fr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, encoding.PINGRESP, second.Header.Type)
}

func TestReadFrame_CleanCloseAtFrameBoundary(t *testing.T) {
	fr := packet.NewReader(bytes.NewReader(nil))
	_, err := fr.ReadFrame()
	assert.ErrorIs(t, err, packet.ErrConnectionLost)
}

func TestReadFrame_TruncatedMidPayload(t *testing.T) {
	raw := []byte{0xc0, 0x05, 0x00, 0x00} // claims 5 remaining bytes, has 2

	fr := packet.NewReader(bytes.NewReader(raw))
	_, err := fr.ReadFrame()
	assert.ErrorIs(t, err, encoding.ErrUnexpectedEOF)
}

func TestReadFrame_TruncatedMidFixedHeader(t *testing.T) {
	fr := packet.NewReader(bytes.NewReader([]byte{0x10}))
	_, err := fr.ReadFrame()
	assert.ErrorIs(t, err, packet.ErrConnectionLost)
}

func TestReadFrame_UnderlyingReaderError(t *testing.T) {
	fr := packet.NewReader(iotest{err: io.ErrClosedPipe})
	_, err := fr.ReadFrame()
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

type iotest struct {
	err error
}

func (t iotest) Read(_ []byte) (int, error) {
	return 0, t.err
}
