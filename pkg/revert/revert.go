// Package revert extracts a human-readable reason from the data returned by a
// failed target call. Decoding is best effort and never fails.
package revert

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// UnknownError is reported when the failed call returned no data.
	UnknownError = "unknown error"
	// ExecutionReverted is reported when the data is present but not decodable.
	ExecutionReverted = "execution reverted"

	wordSize = 32
)

var (
	errorSelector = [4]byte{0x08, 0xc3, 0x79, 0xa0} // Error(string)
	panicSelector = [4]byte{0x4e, 0x48, 0x7b, 0x71} // Panic(uint256)
)

var panicCodes = map[uint64]string{
	0x00: "generic compiler panic",
	0x01: "assertion failed",
	0x11: "arithmetic overflow or underflow",
	0x12: "division or modulo by zero",
	0x21: "invalid enum conversion",
	0x22: "invalid storage byte array encoding",
	0x31: "pop on empty array",
	0x32: "array index out of bounds",
	0x41: "out of memory",
	0x51: "call to zero-initialized function",
}

// Reason decodes revert data.
func Reason(data []byte) string {
	if len(data) == 0 {
		return UnknownError
	}
	if len(data) < 4 {
		return ExecutionReverted
	}
	var sel [4]byte
	copy(sel[:], data[:4])
	args := data[4:]

	switch sel {
	case errorSelector:
		if s, ok := decodeString(args); ok {
			return s
		}
	case panicSelector:
		if code, ok := word(args, 0); ok {
			desc, known := panicCodes[code]
			if !known {
				desc = "unknown panic"
			}
			return fmt.Sprintf("panic: %s (0x%02x)", desc, code)
		}
	}
	return ExecutionReverted
}

// Encode builds Error(string) revert data for reason.
func Encode(reason string) []byte {
	padded := (len(reason) + wordSize - 1) / wordSize * wordSize
	out := make([]byte, 4+2*wordSize+padded)
	copy(out, errorSelector[:])
	binary.BigEndian.PutUint64(out[4+wordSize-8:], wordSize)
	binary.BigEndian.PutUint64(out[4+2*wordSize-8:], uint64(len(reason)))
	copy(out[4+2*wordSize:], reason)
	return out
}

// EncodePanic builds Panic(uint256) revert data.
func EncodePanic(code uint64) []byte {
	out := make([]byte, 4+wordSize)
	copy(out, panicSelector[:])
	binary.BigEndian.PutUint64(out[4+wordSize-8:], code)
	return out
}

// word reads the 32-byte big-endian word at offset as a uint64. Values that
// do not fit are rejected.
func word(args []byte, offset uint64) (uint64, bool) {
	if offset > uint64(len(args)) || uint64(len(args))-offset < wordSize {
		return 0, false
	}
	w := args[offset : offset+wordSize]
	for _, b := range w[:wordSize-8] {
		if b != 0 {
			return 0, false
		}
	}
	return binary.BigEndian.Uint64(w[wordSize-8:]), true
}

func decodeString(args []byte) (string, bool) {
	offset, ok := word(args, 0)
	if !ok {
		return "", false
	}
	length, ok := word(args, offset)
	if !ok {
		return "", false
	}
	start := offset + wordSize
	if length > uint64(len(args)) || start > uint64(len(args))-length {
		return "", false
	}
	raw := string(args[start : start+length])
	return norm.NFC.String(strings.ToValidUTF8(raw, "�")), true
}
