package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// HeaderSize is the fixed size of a native protocol v4 frame header.
	HeaderSize = 9

	// ProtoVersion4 is the only protocol version spoken by this package.
	ProtoVersion4 byte = 0x04

	// ResponseDirection is or-ed into the version byte of server to client frames.
	ResponseDirection byte = 0x80

	// EventStreamID marks frames pushed by the server without a request.
	EventStreamID int16 = -1

	// MaxStreams is the size of the stream id space for protocol v3 and later.
	MaxStreams = 32768

	// MaxBodyLength is the largest body a frame may announce (256MB).
	MaxBodyLength = 256 * 1024 * 1024
)

// Header flags.
const (
	FlagCompression byte = 0x01
	FlagTracing     byte = 0x02
)

// OpCode identifies the message carried by a frame.
type OpCode byte

// OpCodes of the native protocol.
const (
	OpError         OpCode = 0x00
	OpStartup       OpCode = 0x01
	OpReady         OpCode = 0x02
	OpAuthenticate  OpCode = 0x03
	OpOptions       OpCode = 0x05
	OpSupported     OpCode = 0x06
	OpQuery         OpCode = 0x07
	OpResult        OpCode = 0x08
	OpPrepare       OpCode = 0x09
	OpExecute       OpCode = 0x0A
	OpRegister      OpCode = 0x0B
	OpEvent         OpCode = 0x0C
	OpBatch         OpCode = 0x0D
	OpAuthChallenge OpCode = 0x0E
	OpAuthResponse  OpCode = 0x0F
	OpAuthSuccess   OpCode = 0x10
)

func (op OpCode) String() string {
	switch op {
	case OpError:
		return "ERROR"
	case OpStartup:
		return "STARTUP"
	case OpReady:
		return "READY"
	case OpAuthenticate:
		return "AUTHENTICATE"
	case OpOptions:
		return "OPTIONS"
	case OpSupported:
		return "SUPPORTED"
	case OpQuery:
		return "QUERY"
	case OpResult:
		return "RESULT"
	case OpPrepare:
		return "PREPARE"
	case OpExecute:
		return "EXECUTE"
	case OpRegister:
		return "REGISTER"
	case OpEvent:
		return "EVENT"
	case OpBatch:
		return "BATCH"
	case OpAuthChallenge:
		return "AUTH_CHALLENGE"
	case OpAuthResponse:
		return "AUTH_RESPONSE"
	case OpAuthSuccess:
		return "AUTH_SUCCESS"
	default:
		return fmt.Sprintf("UNKNOWN_OP_%d", byte(op))
	}
}

// Header is the decoded 9 byte frame header.
type Header struct {
	Version  byte
	Flags    byte
	StreamID int16
	OpCode   OpCode
	Length   int32
}

// IsResponse reports whether the header was sent by a server.
func (h Header) IsResponse() bool {
	return h.Version&ResponseDirection != 0
}

// Frame is a header plus its (already decompressed) body.
type Frame struct {
	Header Header
	Body   []byte
}

// New builds a request frame for the given stream and opcode.
func New(streamID int16, op OpCode, body []byte) *Frame {
	return &Frame{
		Header: Header{
			Version:  ProtoVersion4,
			StreamID: streamID,
			OpCode:   op,
			Length:   int32(len(body)),
		},
		Body: body,
	}
}

// NewResponse builds a server to client frame. Used by fake nodes.
func NewResponse(streamID int16, op OpCode, body []byte) *Frame {
	f := New(streamID, op, body)
	f.Header.Version |= ResponseDirection
	return f
}

// EncodeHeader writes h into dst, which must be at least HeaderSize long.
func EncodeHeader(dst []byte, h Header) {
	dst[0] = h.Version
	dst[1] = h.Flags
	binary.BigEndian.PutUint16(dst[2:4], uint16(h.StreamID))
	dst[4] = byte(h.OpCode)
	binary.BigEndian.PutUint32(dst[5:9], uint32(h.Length))
}

// DecodeHeader parses a header and validates the version and body length.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrProtocol, HeaderSize, len(src))
	}

	h := Header{
		Version:  src[0],
		Flags:    src[1],
		StreamID: int16(binary.BigEndian.Uint16(src[2:4])),
		OpCode:   OpCode(src[4]),
		Length:   int32(binary.BigEndian.Uint32(src[5:9])),
	}

	if h.Version&^ResponseDirection != ProtoVersion4 {
		return h, fmt.Errorf("%w: unsupported protocol version 0x%02x", ErrProtocol, h.Version)
	}
	if h.Length < 0 || h.Length > MaxBodyLength {
		return h, fmt.Errorf("%w: body length %d out of range", ErrProtocol, h.Length)
	}

	return h, nil
}

// WriteFrame encodes f to w, compressing the body when c is not nil.
func WriteFrame(w io.Writer, f *Frame, c Compressor) error {

	body := f.Body
	h := f.Header
	if c != nil && len(body) > 0 {
		compressed, err := c.Encode(body)
		if err != nil {
			return fmt.Errorf("compress body: %w", err)
		}
		body = compressed
		h.Flags |= FlagCompression
	}
	h.Length = int32(len(body))

	buf := make([]byte, HeaderSize+len(body))
	EncodeHeader(buf, h)
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame from r. The returned body is decompressed
// when the compression flag is set.
func ReadFrame(r io.Reader, c Compressor) (*Frame, error) {

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	if h.Flags&FlagCompression != 0 {
		if c == nil {
			return nil, fmt.Errorf("%w: compressed frame without negotiated compression", ErrProtocol)
		}
		body, err = c.Decode(body)
		if err != nil {
			return nil, fmt.Errorf("decompress body: %w", err)
		}
		h.Flags &^= FlagCompression
		h.Length = int32(len(body))
	}

	return &Frame{Header: h, Body: body}, nil
}
