package frame

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
)

// Compressor compresses frame bodies once negotiated at STARTUP.
type Compressor interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// SnappyCompressor implements the "snappy" STARTUP compression option.
type SnappyCompressor struct{}

// Name is the value sent in the STARTUP COMPRESSION option.
func (SnappyCompressor) Name() string { return "snappy" }

// Encode compresses a body.
func (SnappyCompressor) Encode(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

// Decode decompresses a body.
func (SnappyCompressor) Decode(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

// CompressorByName resolves a configured compression name. An empty name
// means no compression.
func CompressorByName(name string) (Compressor, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "snappy":
		return SnappyCompressor{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", name)
	}
}
