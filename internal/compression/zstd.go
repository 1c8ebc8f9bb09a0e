// Package compression wraps zstd for snapshot bundles in transit. Bundles
// are compressed before blob-store upload and transparently restored after
// download; input that predates compression support passes through intact.
package compression

import (
	"bytes"

	"github.com/klauspost/compress/zstd"
)

// zstd frame magic, used to recognize compressed bundles on the way back.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

func NewCompressor(level int, enabled bool) (*Compressor, error) {
	// The decoder always exists: disabling compression only stops new
	// uploads from being compressed, previously stored bundles still
	// arrive zstd-framed and Decompress may run concurrently.
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return &Compressor{decoder: decoder}, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 2:
		encoderLevel = zstd.SpeedDefault
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
		enabled: true,
	}, nil
}

// Compress returns data unchanged when compression is disabled, the input
// is tiny, or compressing would grow it.
func (c *Compressor) Compress(data []byte) []byte {
	if !c.enabled || len(data) < 128 {
		return data
	}

	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data
	}
	return compressed
}

// Decompress restores a compressed bundle. Data without a zstd frame
// header is returned as-is, so bundles stored uncompressed stay readable.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < len(zstdMagic) || !bytes.Equal(data[:len(zstdMagic)], zstdMagic) {
		return data, nil
	}
	return c.decoder.DecodeAll(data, nil)
}

func (c *Compressor) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
