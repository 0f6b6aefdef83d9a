package revert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReason(t *testing.T) {
	truncated := Encode("insufficient allowance")
	truncated = truncated[:len(truncated)-40]

	badOffset := Encode("x")
	badOffset[4+31] = 0xff

	hugeLength := Encode("x")
	hugeLength[4+32+20] = 0x01

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"nil data", nil, UnknownError},
		{"empty data", []byte{}, UnknownError},
		{"shorter than selector", []byte{0x08, 0xc3}, ExecutionReverted},
		{"error string", Encode("insufficient allowance"), "insufficient allowance"},
		{"empty error string", Encode(""), ""},
		{"long error string", Encode("a reason that is definitely longer than a single thirty-two byte word"), "a reason that is definitely longer than a single thirty-two byte word"},
		{"truncated error string", truncated, ExecutionReverted},
		{"offset out of range", badOffset, ExecutionReverted},
		{"length overflows word", hugeLength, ExecutionReverted},
		{"panic overflow", EncodePanic(0x11), "panic: arithmetic overflow or underflow (0x11)"},
		{"panic unknown code", EncodePanic(0x99), "panic: unknown panic (0x99)"},
		{"panic without code", panicSelector[:], ExecutionReverted},
		{"custom error", []byte{0xde, 0xad, 0xbe, 0xef, 0x00}, ExecutionReverted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reason(tt.data))
		})
	}
}

func TestReasonSanitizesInvalidUTF8(t *testing.T) {
	got := Reason(Encode("bad\xffbyte"))
	assert.Equal(t, "bad�byte", got)
}

func TestReasonNeverPanics(t *testing.T) {
	for n := 0; n < 200; n++ {
		data := make([]byte, n)
		if n >= 4 {
			copy(data, errorSelector[:])
		}
		for i := 4; i < n; i++ {
			data[i] = byte(i * 7)
		}
		assert.NotPanics(t, func() { _ = Reason(data) })
	}
}
