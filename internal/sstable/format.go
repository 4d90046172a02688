// Package sstable implements the sorted string table builder and reader
// the compaction engine writes outputs with and verifies them through.
//
// File layout:
//
//	[data block]*
//	[range-del block]
//	[properties block]
//	[index block]
//	footer
//
// Every block is a compressed payload followed by a one-byte compression
// type and a four-byte checksum covering payload plus type byte. Data
// block payloads are (varint keyLen, varint valLen, key, value) records in
// internal-key order. The index block maps each data block's last internal
// key to its handle. The footer is fixed-size: index, range-del, and
// properties handles, the checksum type, and the magic number.
package sstable

import (
	"errors"
	"fmt"

	"github.com/quarrykv/quarrykv/internal/checksum"
	"github.com/quarrykv/quarrykv/internal/compression"
	"github.com/quarrykv/quarrykv/internal/encoding"
)

// MagicNumber identifies the table format, stored at the end of the footer.
const MagicNumber uint64 = 0x8773f9a8c2655fd1

// blockTrailerSize is the compression type byte plus the checksum.
const blockTrailerSize = 5

// footerSize is three fixed handles, the checksum type, and the magic.
const footerSize = 3*16 + 1 + 8

var (
	// ErrBadMagic is returned when the footer magic does not match.
	ErrBadMagic = errors.New("sstable: bad magic number")

	// ErrChecksumMismatch is returned when a block checksum fails.
	ErrChecksumMismatch = errors.New("sstable: block checksum mismatch")

	// ErrOutOfOrder is returned when keys are added out of order.
	ErrOutOfOrder = errors.New("sstable: keys added out of order")

	// ErrTruncated is returned when the file is shorter than its handles
	// claim.
	ErrTruncated = errors.New("sstable: truncated file")
)

// blockHandle locates a block within the file. Size includes the trailer.
type blockHandle struct {
	Offset uint64
	Size   uint64
}

func (h blockHandle) appendTo(dst []byte) []byte {
	dst = encoding.AppendFixed64(dst, h.Offset)
	return encoding.AppendFixed64(dst, h.Size)
}

func decodeHandle(src []byte) blockHandle {
	return blockHandle{
		Offset: encoding.DecodeFixed64(src),
		Size:   encoding.DecodeFixed64(src[8:]),
	}
}

func encodeFooter(index, rangeDel, props blockHandle, ct checksum.Type) []byte {
	dst := make([]byte, 0, footerSize)
	dst = index.appendTo(dst)
	dst = rangeDel.appendTo(dst)
	dst = props.appendTo(dst)
	dst = append(dst, byte(ct))
	dst = encoding.AppendFixed64(dst, MagicNumber)
	return dst
}

func decodeFooter(src []byte) (index, rangeDel, props blockHandle, ct checksum.Type, err error) {
	if len(src) < footerSize {
		return blockHandle{}, blockHandle{}, blockHandle{}, 0, ErrTruncated
	}
	if encoding.DecodeFixed64(src[footerSize-8:]) != MagicNumber {
		return blockHandle{}, blockHandle{}, blockHandle{}, 0, ErrBadMagic
	}
	index = decodeHandle(src)
	rangeDel = decodeHandle(src[16:])
	props = decodeHandle(src[32:])
	ct = checksum.Type(src[48])
	return index, rangeDel, props, ct, nil
}

// buildBlock compresses payload and appends the trailer.
func buildBlock(payload []byte, ctype compression.Type, csType checksum.Type) ([]byte, error) {
	compressed, err := compression.Compress(ctype, payload)
	if err != nil {
		return nil, fmt.Errorf("compress block: %w", err)
	}
	// Fall back to the raw payload when compression does not shrink it.
	typeByte := byte(ctype)
	if len(compressed) >= len(payload) {
		compressed = payload
		typeByte = byte(compression.None)
	}
	out := make([]byte, 0, len(compressed)+blockTrailerSize)
	out = append(out, compressed...)
	out = append(out, typeByte)
	out = encoding.AppendFixed32(out, checksum.Compute(csType, compressed, typeByte))
	return out, nil
}

// openBlock verifies the trailer and decompresses the payload.
func openBlock(raw []byte, csType checksum.Type) ([]byte, error) {
	if len(raw) < blockTrailerSize {
		return nil, ErrTruncated
	}
	payload := raw[:len(raw)-blockTrailerSize]
	typeByte := raw[len(raw)-blockTrailerSize]
	stored := encoding.DecodeFixed32(raw[len(raw)-4:])
	if csType != checksum.NoChecksum {
		if got := checksum.Compute(csType, payload, typeByte); got != stored {
			return nil, fmt.Errorf("%w: stored %#x computed %#x", ErrChecksumMismatch, stored, got)
		}
	}
	out, err := compression.Decompress(compression.Type(typeByte), payload)
	if err != nil {
		return nil, fmt.Errorf("decompress block: %w", err)
	}
	return out, nil
}
