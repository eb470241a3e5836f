package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how spilled block payloads are encoded on disk.
// The values are stored in each payload header.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

const spillHeaderSize = 5 // tag byte + uint32 uncompressed length

var errIncompressible = errors.New("incompressible")

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a compression name from settings.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown spill compression: %q", name)
	}
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// encodePayload frames data for the spill backend. Data that does not
// shrink is stored raw under CompressionNone.
func encodePayload(c Compression, data []byte) ([]byte, error) {
	var body []byte
	var err error
	switch c {
	case CompressionNone:
	case CompressionLZ4:
		body, err = compressLZ4(data)
	case CompressionZstd:
		body, err = compressZstd(data)
	default:
		return nil, fmt.Errorf("unsupported compression: %d", c)
	}
	if errors.Is(err, errIncompressible) || c == CompressionNone {
		c, body, err = CompressionNone, data, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, spillHeaderSize+len(body))
	out[0] = byte(c)
	binary.BigEndian.PutUint32(out[1:spillHeaderSize], uint32(len(data)))
	copy(out[spillHeaderSize:], body)
	return out, nil
}

func decodePayload(payload []byte) ([]byte, error) {
	if len(payload) < spillHeaderSize {
		return nil, fmt.Errorf("spill payload truncated: %d bytes", len(payload))
	}
	c := Compression(payload[0])
	size := int(binary.BigEndian.Uint32(payload[1:spillHeaderSize]))
	body := payload[spillHeaderSize:]
	switch c {
	case CompressionNone:
		if len(body) != size {
			return nil, fmt.Errorf("raw spill payload: size %d does not match expected %d", len(body), size)
		}
		out := make([]byte, size)
		copy(out, body)
		return out, nil
	case CompressionLZ4:
		return decompressLZ4(body, size)
	case CompressionZstd:
		return decompressZstd(body, size)
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", c)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompressLZ4(body []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(body, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
	}
	return dst, nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

func decompressZstd(body []byte, size int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
	}
	return out, nil
}
