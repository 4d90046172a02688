package compression

import (
	"bytes"
	"testing"
)

func testPayloads() map[string][]byte {
	return map[string][]byte{
		"empty":       {},
		"short":       []byte("hello"),
		"repetitive":  bytes.Repeat([]byte("abcdefgh"), 512),
		"binary":      {0x00, 0xFF, 0x10, 0x20, 0x00, 0x00, 0x00, 0x7F},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, ct := range []Type{None, Snappy, LZ4, Zstd} {
		t.Run(ct.String(), func(t *testing.T) {
			for name, payload := range testPayloads() {
				compressed, err := Compress(ct, payload)
				if err != nil {
					t.Fatalf("%s: compress: %v", name, err)
				}
				got, err := Decompress(ct, compressed)
				if err != nil {
					t.Fatalf("%s: decompress: %v", name, err)
				}
				if !bytes.Equal(got, payload) {
					t.Errorf("%s: round trip mismatch", name)
				}
			}
		})
	}
}

func TestRepetitiveDataShrinks(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 512)
	for _, ct := range []Type{Snappy, LZ4, Zstd} {
		compressed, err := Compress(ct, payload)
		if err != nil {
			t.Fatalf("%s: %v", ct, err)
		}
		if len(compressed) >= len(payload) {
			t.Errorf("%s did not shrink %d bytes of repetitive data (got %d)",
				ct, len(payload), len(compressed))
		}
	}
}

func TestUnsupportedType(t *testing.T) {
	if _, err := Compress(Type(0x33), []byte("x")); err == nil {
		t.Fatal("expected error for unknown compression type")
	}
	if Type(0x33).IsSupported() {
		t.Fatal("unknown type reported as supported")
	}
}
