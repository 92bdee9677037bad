package storage

import (
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec selects how spill blocks are compressed.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecSnappy
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("Codec(%d)", uint8(c))
	}
}

func ParseCodec(s string) (Codec, error) {
	switch s {
	case "none", "":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "snappy":
		return CodecSnappy, nil
	default:
		return CodecNone, fmt.Errorf("storage: unknown codec %q", s)
	}
}

// Shared zstd state. EncodeAll and DecodeAll are goroutine-safe, so a single
// encoder/decoder pair serves every writer and iterator in the process.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			zstdErr = fmt.Errorf("failed to create zstd encoder: %w", zstdErr)
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
		if zstdErr != nil {
			zstdErr = fmt.Errorf("failed to create zstd decoder: %w", zstdErr)
		}
	})
	return zstdEnc, zstdDec, zstdErr
}

// compress appends the encoded form of src to dst.
func (c Codec) compress(dst, src []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return append(dst, src...), nil
	case CodecZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(src, dst), nil
	case CodecSnappy:
		return append(dst, snappy.Encode(nil, src)...), nil
	default:
		return nil, fmt.Errorf("storage: compress with %v: %w", c, ErrUnsupportedType)
	}
}

// decompress decodes src, rawLen is the expected decoded size.
func (c Codec) decompress(src []byte, rawLen int) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case CodecNone:
		out = src
	case CodecZstd:
		var dec *zstd.Decoder
		_, dec, err = zstdCodec()
		if err != nil {
			return nil, err
		}
		out, err = dec.DecodeAll(src, make([]byte, 0, rawLen))
	case CodecSnappy:
		out, err = snappy.Decode(make([]byte, rawLen), src)
	default:
		return nil, fmt.Errorf("storage: decompress with %v: %w", c, ErrUnsupportedType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("%w: decoded %d bytes, header says %d", ErrCorruptBlock, len(out), rawLen)
	}
	return out, nil
}
