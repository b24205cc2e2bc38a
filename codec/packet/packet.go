// Package packet implements the framed reader: it turns a byte stream into
// a sequence of whole MQTT control packets, one fixed-header-plus-payload
// frame at a time, and leaves decoding the payload into a typed packet to
// the encoding package.
package packet

import (
	"errors"
	"io"

	"github.com/mqttgo/broker/encoding"
)

// ErrConnectionLost reports that the stream ended while a fixed header was
// being read, whether before its first byte (a clean close between frames)
// or part-way through it. A stream that ends inside a frame's payload is
// reported as encoding.ErrUnexpectedEOF instead.
var ErrConnectionLost = errors.New("connection lost")

// Frame is one decoded fixed header paired with its raw payload bytes.
type Frame struct {
	Header  encoding.FixedHeader
	Payload []byte
}

// Reader yields one Frame per ReadFrame call from an underlying byte stream.
type Reader struct {
	r io.Reader
}

// NewReader wraps r as a framed MQTT packet reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame reads exactly one MQTT control packet frame: the fixed header,
// its variable-length remaining-length field, and exactly that many payload
// bytes. A close of the stream anywhere in the fixed header is reported as
// ErrConnectionLost; a close in the payload is reported as
// encoding.ErrUnexpectedEOF.
func (fr *Reader) ReadFrame() (*Frame, error) {
	header, err := encoding.ParseFixedHeader(fr.r)
	if err != nil {
		if errors.Is(err, encoding.ErrUnexpectedEOF) {
			return nil, ErrConnectionLost
		}
		return nil, err
	}

	payload := make([]byte, header.RemainingLength)
	if header.RemainingLength > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, encoding.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return &Frame{Header: *header, Payload: payload}, nil
}
