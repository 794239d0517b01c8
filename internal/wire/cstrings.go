package wire

import (
	"bytes"
	"strings"
)

// DecodeCStrings splits null-terminated strings into a slice.
// The last string in data does not need a terminating null-byte.
func DecodeCStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	data = bytes.TrimSuffix(data, []byte{0})
	return strings.Split(string(data), "\x00")
}

// ReadCString returns the first null-terminated string of data.
// Without a null-byte the whole of data is returned.
func ReadCString(data []byte) string {
	if pos := bytes.IndexByte(data, 0); pos >= 0 {
		return string(data[:pos])
	}
	return string(data)
}

// AppendCString appends s and a null-byte to dest.
func AppendCString(dest []byte, s string) []byte {
	dest = append(dest, s...)
	return append(dest, 0)
}
