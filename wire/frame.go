package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/lithdew/bytesutil"
	"github.com/valyala/bytebufferpool"
)

// MaxFrameSize bounds the size prefix accepted by ReadFrame.
const MaxFrameSize = 16 << 20

// MaxClientIDSize is the longest client id a request header can carry.
const MaxClientIDSize = 1<<16 - 1

var (
	ErrFrameTooLarge    = errors.New("wire: frame too large")
	ErrClientIDTooLarge = errors.New("wire: client id too large")
)

// CheckClientID reports whether id fits in a request header.
func CheckClientID(id string) error {
	if len(id) > MaxClientIDSize {
		return fmt.Errorf("%w: got %d bytes, max is %d", ErrClientIDTooLarge, len(id), MaxClientIDSize)
	}
	return nil
}

// Encoder appends an encoded request body to dst.
type Encoder interface {
	AppendTo(dst []byte) []byte
}

// Bytes is an already encoded body.
type Bytes []byte

func (b Bytes) AppendTo(dst []byte) []byte { return append(dst, b...) }

type RequestHeader struct {
	APIKey        int16  // api key
	APIVersion    int16  // api version
	CorrelationID int32  // join key for the response
	ClientID      string // client id, at most 65535 bytes
}

// AppendRequest appends one size-prefixed request frame to dst. dst is
// returned unchanged if the client id does not fit in the header.
func AppendRequest(dst []byte, h RequestHeader, body Encoder) ([]byte, error) {
	if err := CheckClientID(h.ClientID); err != nil {
		return dst, err
	}
	start := len(dst)
	dst = bytesutil.AppendUint32BE(dst, 0)
	dst = bytesutil.AppendUint16BE(dst, uint16(h.APIKey))
	dst = bytesutil.AppendUint16BE(dst, uint16(h.APIVersion))
	dst = bytesutil.AppendUint32BE(dst, uint32(h.CorrelationID))
	dst = bytesutil.AppendUint16BE(dst, uint16(len(h.ClientID)))
	dst = append(dst, h.ClientID...)
	if body != nil {
		dst = body.AppendTo(dst)
	}
	binary.BigEndian.PutUint32(dst[start:start+4], uint32(len(dst)-start-4))
	return dst, nil
}

// UnmarshalRequest decodes a request frame read by ReadFrame. The returned
// body aliases buf.
func UnmarshalRequest(buf []byte) (RequestHeader, []byte, error) {
	var h RequestHeader
	if len(buf) < 2+2+4+2 {
		return h, nil, io.ErrUnexpectedEOF
	}
	h.APIKey, buf = int16(bytesutil.Uint16BE(buf[:2])), buf[2:]
	h.APIVersion, buf = int16(bytesutil.Uint16BE(buf[:2])), buf[2:]
	h.CorrelationID, buf = int32(bytesutil.Uint32BE(buf[:4])), buf[4:]

	var size uint16
	size, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]
	if len(buf) < int(size) {
		return h, nil, io.ErrUnexpectedEOF
	}
	h.ClientID, buf = string(buf[:size]), buf[size:]
	return h, buf, nil
}

// AppendResponse appends one size-prefixed response frame to dst.
func AppendResponse(dst []byte, correlationID int32, payload []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(4+len(payload)))
	dst = bytesutil.AppendUint32BE(dst, uint32(correlationID))
	dst = append(dst, payload...)
	return dst
}

// UnmarshalResponse splits a response frame read by ReadFrame into its
// correlation id and payload. The payload aliases buf.
func UnmarshalResponse(buf []byte) (int32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return int32(bytesutil.Uint32BE(buf[:4])), buf[4:], nil
}

// ReadFrame reads one size-prefixed frame from r into buf, without the size
// prefix.
func ReadFrame(r io.Reader, buf *bytebufferpool.ByteBuffer) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	size := bytesutil.Uint32BE(hdr[:])
	if size > MaxFrameSize {
		return fmt.Errorf("%w: got %d bytes, max is %d", ErrFrameTooLarge, size, MaxFrameSize)
	}

	buf.Reset()
	if cap(buf.B) < int(size) {
		buf.B = make([]byte, size)
	} else {
		buf.B = buf.B[:size]
	}
	if _, err := io.ReadFull(r, buf.B); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}
