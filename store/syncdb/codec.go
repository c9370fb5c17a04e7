package syncdb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	feedsync "github.com/campusfeed/feed-sync"
)

const (
	// CompressionThreshold is the minimum payload size before compression is
	// considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed page payload.
	MaxPayloadSize = 4 * 1024 * 1024

	// MaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	MaxDecompressedSize = 4 * 1024 * 1024
)

var (
	// ErrPayloadTooLarge is returned when a page payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("page payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds the limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("page payload digest mismatch")
)

// PageCodec handles page payload encoding with optional zstd compression.
// Encoder and decoder are goroutine-safe and reused across calls.
type PageCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewPageCodec creates a codec with pooled zstd encoder/decoder.
func NewPageCodec() (*PageCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &PageCodec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *PageCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode compresses the payload if beneficial. Returns the encoded bytes,
// the encoding used, and the digest of the original payload.
func (c *PageCodec) Encode(data []byte) (payload []byte, encoding, digest string, err error) {
	if len(data) > MaxPayloadSize {
		return nil, EncodingIdentity, "", ErrPayloadTooLarge
	}

	digest = feedsync.DigestBytes(data).String()

	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, EncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, digest, nil
	}
	return compressed, EncodingZstd, digest, nil
}

// Decode reverses Encode and verifies the payload digest.
func (c *PageCodec) Decode(payload []byte, encoding, digest string) ([]byte, error) {
	var data []byte
	switch encoding {
	case EncodingIdentity, "":
		data = payload
	case EncodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, fmt.Errorf("codec closed")
		}
		out, err := dec.DecodeAll(payload, make([]byte, 0, len(payload)*2))
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(out) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		data = out
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}

	if digest != "" && feedsync.DigestBytes(data).String() != digest {
		return nil, ErrCorrupted
	}
	return data, nil
}
