// Package crc32c computes the Castagnoli CRC-32 variant used to protect
// header and payload spans on the wire.
package crc32c

import (
	"encoding/binary"
	"hash/crc32"
)

// Size is the width, in bytes, of a serialized CRC-32C trailer.
const Size = 4

var table = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC-32C of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, table)
}

// Digest accumulates a CRC-32C incrementally.
type Digest struct {
	crc uint32
}

// Write feeds more bytes into the digest. It never fails.
func (d *Digest) Write(p []byte) (int, error) {
	d.crc = crc32.Update(d.crc, table, p)
	return len(p), nil
}

// Sum32 returns the CRC-32C of all bytes written so far.
func (d *Digest) Sum32() uint32 { return d.crc }

// Reset clears the digest back to its initial state.
func (d *Digest) Reset() { d.crc = 0 }

// AppendTrailer appends the little-endian CRC-32C of data to dst.
func AppendTrailer(dst, data []byte) []byte {
	var trailer [Size]byte
	binary.LittleEndian.PutUint32(trailer[:], Checksum(data))
	return append(dst, trailer[:]...)
}

// ValidSpan reports whether span's last 4 bytes are the little-endian
// CRC-32C of the bytes preceding them. span must be at least Size bytes.
// This is the decode-side "residue" check of spec.md §4.2: a zero-length
// covered region (span of exactly Size bytes) checks against the CRC of
// empty input, as required for a zero-length payload.
func ValidSpan(span []byte) bool {
	if len(span) < Size {
		return false
	}
	body := span[:len(span)-Size]
	want := binary.LittleEndian.Uint32(span[len(span)-Size:])
	return Checksum(body) == want
}
