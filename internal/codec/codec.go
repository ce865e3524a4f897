// Package codec compresses archived feed payloads with a self-describing
// algorithm tag, so the archive can mix algorithms over time and decode rows
// written by older builds.
package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// AlgoZstd is the only algorithm currently written. Level 3 balances ratio
// and speed on large JSON documents.
const AlgoZstd = "zstd"

// Encoded is a compressed payload as stored in the archive.
type Encoded struct {
	Algo         string
	Data         []byte
	OriginalSize int
}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("codec: create zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("codec: create zstd decoder: %v", err))
	}
}

// Compress encodes raw with the current default algorithm.
func Compress(raw []byte) Encoded {
	return Encoded{
		Algo:         AlgoZstd,
		Data:         encoder.EncodeAll(raw, make([]byte, 0, len(raw)/4)),
		OriginalSize: len(raw),
	}
}

// Decompress decodes a stored payload, selecting the algorithm by tag.
// Unknown tags fail loudly rather than guessing.
func Decompress(enc Encoded) ([]byte, error) {
	switch enc.Algo {
	case AlgoZstd:
		raw, err := decoder.DecodeAll(enc.Data, make([]byte, 0, enc.OriginalSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", enc.Algo)
	}
}
