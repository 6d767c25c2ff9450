package codec

import (
	"bytes"
	"testing"
)

func TestRoundTripAllLevels(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 40)

	for level := 0; level <= 11; level++ {
		level := level
		t.Run("", func(t *testing.T) {
			compressed, err := Compress(level, payload)
			if err != nil {
				t.Fatalf("level %d: compress: %v", level, err)
			}
			out, err := Decompress(level, compressed)
			if err != nil {
				t.Fatalf("level %d: decompress: %v", level, err)
			}
			if !bytes.Equal(out, payload) {
				t.Fatalf("level %d: round trip mismatch", level)
			}
		})
	}
}

func TestInvalidLevel(t *testing.T) {
	if _, err := Compress(12, []byte("x")); err != ErrInvalidLevel {
		t.Fatalf("expected ErrInvalidLevel, got %v", err)
	}
	if ValidLevel(-1) || ValidLevel(12) {
		t.Fatal("levels outside 0..11 must be invalid")
	}
}

func TestIdentityIsNoCopy(t *testing.T) {
	payload := []byte("identity")
	out, err := Compress(0, payload)
	if err != nil {
		t.Fatal(err)
	}
	if &out[0] != &payload[0] {
		t.Fatal("identity level should pass the slice through unchanged")
	}
}
