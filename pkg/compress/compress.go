// Package compress provides the codecs used for archived oplog chunks.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	lz4 "github.com/pierrec/lz4/v4"
)

// Type names a codec. It is stored with every archived chunk so readers do
// not depend on the current configuration.
type Type string

const (
	None   Type = "none"
	Snappy Type = "snappy"
	LZ4    Type = "lz4"
	Zstd   Type = "zstd"
)

// Compressor compresses whole buffers.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Type() Type
}

// maxDecodedSize bounds a single decoded chunk.
const maxDecodedSize = 256 << 20

// ErrUnsupported is returned for unknown codec names.
var ErrUnsupported = errors.New("unsupported compression type")

// New returns the compressor registered under t.
func New(t Type) (Compressor, error) {
	switch Type(strings.ToLower(string(t))) {
	case None, "":
		return noCompression{}, nil
	case Snappy:
		return snappyCompressor{}, nil
	case LZ4:
		return lz4Compressor{}, nil
	case Zstd:
		return newZstd()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, t)
	}
}

type noCompression struct{}

func (noCompression) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noCompression) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noCompression) Type() Type                             { return None }

type snappyCompressor struct{}

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return out, nil
}

func (snappyCompressor) Type() Type { return Snappy }

// lz4Compressor uses the block format. Output is a uvarint raw length, a
// mode byte, then either the block or the raw bytes when lz4 could not
// shrink them.
type lz4Compressor struct{}

const (
	lz4Raw   byte = 0
	lz4Block byte = 1
)

func (lz4Compressor) Compress(data []byte) ([]byte, error) {
	out := make([]byte, binary.MaxVarintLen64+1+lz4.CompressBlockBound(len(data)))
	n := binary.PutUvarint(out, uint64(len(data)))
	var c lz4.Compressor
	written, err := c.CompressBlock(data, out[n+1:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 {
		out[n] = lz4Raw
		return append(out[:n+1], data...), nil
	}
	out[n] = lz4Block
	return out[:n+1+written], nil
}

func (lz4Compressor) Decompress(data []byte) ([]byte, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 || len(data) < n+1 {
		return nil, fmt.Errorf("lz4 decompress: invalid header")
	}
	if size > maxDecodedSize {
		return nil, fmt.Errorf("lz4 decompress: declared size %d exceeds limit", size)
	}
	body := data[n+1:]
	if data[n] == lz4Raw {
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("lz4 decompress: raw length %d, want %d", len(body), size)
		}
		return append([]byte(nil), body...), nil
	}
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	written, err := lz4.UncompressBlock(body, out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out[:written], nil
}

func (lz4Compressor) Type() Type { return LZ4 }

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstd() (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (c *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

func (c *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

func (c *zstdCompressor) Type() Type { return Zstd }
