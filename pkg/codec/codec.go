// Package codec implements the selectable-level payload compressor.
// Levels 1-9 are deflate at that level; level 10 favors
// throughput over ratio ("fast"); level 11 favors ratio over throughput
// ("best"). Compression operates on the post-header payload only.
// Levels 10 and 11 are not LZO: level 10 uses s2 and level 11 uses zstd
// at its best-compression setting, as stand-ins for the two LZO tiers.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Level bounds.
const (
	LevelIdentity   = 0
	LevelDeflateMin = 1
	LevelDeflateMax = 9
	LevelFast       = 10
	LevelBest       = 11
)

// ErrInvalidLevel is returned for a level outside [0, 11].
var ErrInvalidLevel = fmt.Errorf("codec: compression level must be 0..11")

// ValidLevel reports whether level is a supported compression level.
func ValidLevel(level int) bool {
	return level >= LevelIdentity && level <= LevelBest
}

// Compress compresses src at the given level. An error signals the caller
// to drop the packet.
func Compress(level int, src []byte) ([]byte, error) {
	switch {
	case level == LevelIdentity:
		return src, nil

	case level >= LevelDeflateMin && level <= LevelDeflateMax:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("codec: deflate writer: %w", err)
		}
		if _, err := w.Write(src); err != nil {
			return nil, fmt.Errorf("codec: deflate write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: deflate close: %w", err)
		}
		return buf.Bytes(), nil

	case level == LevelFast:
		return s2.Encode(nil, src), nil

	case level == LevelBest:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, fmt.Errorf("codec: zstd writer: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(src, nil), nil

	default:
		return nil, ErrInvalidLevel
	}
}

// Decompress reverses Compress for the same level.
func Decompress(level int, src []byte) ([]byte, error) {
	switch {
	case level == LevelIdentity:
		return src, nil

	case level >= LevelDeflateMin && level <= LevelDeflateMax:
		r := flate.NewReader(bytes.NewReader(src))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("codec: deflate read: %w", err)
		}
		return out, nil

	case level == LevelFast:
		out, err := s2.Decode(nil, src)
		if err != nil {
			return nil, fmt.Errorf("codec: s2 decode: %w", err)
		}
		return out, nil

	case level == LevelBest:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd reader: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(src, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd decode: %w", err)
		}
		return out, nil

	default:
		return nil, ErrInvalidLevel
	}
}

// OverheadEstimate is a rough per-packet compression-accounting heuristic
// (MTU/64 + 20), used only for MTU-probe accounting, never as a contract
// on actual decompressed size.
func OverheadEstimate(mtu int) int {
	return mtu/64 + 20
}
