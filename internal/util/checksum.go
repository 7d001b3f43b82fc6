package util

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"hash/crc32"
)

// Checksum utilities for record integrity
// Uses CRC32 (IEEE polynomial)

var (
	// crc32Table is precomputed for better performance
	crc32Table = crc32.MakeTable(crc32.IEEE)
)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// FrameLine prefixes data with its checksum as 8 hex digits and a space,
// and terminates it with a newline.
// Format: [checksum hex (8)][' '][data]['\n']
func FrameLine(data []byte) []byte {
	out := make([]byte, 0, len(data)+10)
	out = fmt.Appendf(out, "%08x ", ComputeChecksum(data))
	out = append(out, data...)
	return append(out, '\n')
}

// UnframeLine validates a framed line (without its newline) and returns
// the payload. valid is false if the frame is malformed or the checksum
// does not match.
func UnframeLine(line []byte) (data []byte, valid bool) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) < 10 || line[8] != ' ' {
		return nil, false
	}

	var sum [4]byte
	if _, err := hex.Decode(sum[:], line[:8]); err != nil {
		return nil, false
	}
	expected := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])

	data = line[9:]
	return data, ValidateChecksum(data, expected)
}
