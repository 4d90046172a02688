// Package checksum implements the block and file checksums used by the SST
// and blob formats.
//
// Block trailers carry a 32-bit checksum of the payload plus the one-byte
// block type. Whole files carry an XXH3-64 digest recorded in the file
// metadata as a hex string.
package checksum

import (
	"encoding/hex"
	"hash/crc32"

	"github.com/zeebo/xxh3"

	"github.com/quarrykv/quarrykv/internal/encoding"
)

// Type identifies a block checksum algorithm.
type Type uint8

const (
	// NoChecksum disables block checksums.
	NoChecksum Type = 0x0

	// CRC32c uses the Castagnoli CRC-32 polynomial.
	CRC32c Type = 0x1

	// XXH3 uses the lower 32 bits of the XXH3-64 digest.
	XXH3 Type = 0x4
)

// String returns the name recorded in file metadata for this checksum type.
func (t Type) String() string {
	switch t {
	case NoChecksum:
		return "none"
	case CRC32c:
		return "crc32c"
	case XXH3:
		return "xxh3"
	default:
		return "unknown"
	}
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Compute returns the 32-bit checksum of data followed by lastByte.
// lastByte is the block type byte stored in the trailer, covered by the
// checksum so a block cannot be reinterpreted as a different type.
func Compute(t Type, data []byte, lastByte byte) uint32 {
	switch t {
	case CRC32c:
		c := crc32.Update(0, crc32cTable, data)
		return crc32.Update(c, crc32cTable, []byte{lastByte})
	case XXH3:
		buf := make([]byte, 0, len(data)+1)
		buf = append(buf, data...)
		buf = append(buf, lastByte)
		return uint32(xxh3.Hash(buf))
	default:
		return 0
	}
}

// FileDigest accumulates an XXH3-64 digest over everything written to a
// file. It is cheap enough to run inline on the compaction write path.
type FileDigest struct {
	h xxh3.Hasher
}

// Write adds p to the digest. It never fails.
func (d *FileDigest) Write(p []byte) (int, error) {
	_, _ = d.h.Write(p)
	return len(p), nil
}

// Sum64 returns the current digest value.
func (d *FileDigest) Sum64() uint64 {
	return d.h.Sum64()
}

// String returns the digest as the hex string stored in file metadata.
func (d *FileDigest) String() string {
	var buf [8]byte
	encoding.EncodeFixed64(buf[:], d.h.Sum64())
	return hex.EncodeToString(buf[:])
}

// FileChecksumFuncName is the name recorded next to per-file checksums.
const FileChecksumFuncName = "xxh3-64"
