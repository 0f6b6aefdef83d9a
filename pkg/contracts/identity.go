package contracts

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	AddressLength  = 20
	HashLength     = 32
	SelectorLength = 4
)

// Address identifies a principal, a call target or an asset.
type Address [AddressLength]byte

// ZeroAddress is the null identifier. It is never a valid call target.
var ZeroAddress Address

// Hash is a 32-byte identifier (capability ids, execution ids).
type Hash [HashLength]byte

// ZeroHash is the empty identifier.
var ZeroHash Hash

// Keccak256 returns the legacy Keccak-256 digest of the concatenated inputs.
func Keccak256(data ...[]byte) Hash {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		_, _ = h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func decodeHex(s string, size int) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != size*2 {
		return nil, fmt.Errorf("expected %d hex bytes, got %q", size, s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}

// ParseAddress parses a 0x-prefixed 20-byte hex string.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := decodeHex(s, AddressLength)
	if err != nil {
		return a, fmt.Errorf("address: %w", err)
	}
	copy(a[:], b)
	return a, nil
}

// MustAddress is ParseAddress for constants and tests.
func MustAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero reports whether a is the null identifier.
func (a Address) IsZero() bool { return a == ZeroAddress }

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseHash parses a 0x-prefixed 32-byte hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := decodeHex(s, HashLength)
	if err != nil {
		return h, fmt.Errorf("hash: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

// MustHash is ParseHash for constants and tests.
func MustHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Selector is a 4-byte action code, or the wildcard that matches every action.
type Selector struct {
	Code     [SelectorLength]byte
	Wildcard bool
}

// WildcardSelector matches any payload.
var WildcardSelector = Selector{Wildcard: true}

// SelectorFromSignature derives the action code from a function signature,
// e.g. "transfer(address,uint256)".
func SelectorFromSignature(signature string) Selector {
	h := Keccak256([]byte(signature))
	var s Selector
	copy(s.Code[:], h[:SelectorLength])
	return s
}

// SelectorOf returns the leading action code of a payload. Payloads shorter
// than four bytes yield the zero code.
func SelectorOf(payload []byte) Selector {
	var s Selector
	if len(payload) >= SelectorLength {
		copy(s.Code[:], payload[:SelectorLength])
	}
	return s
}

// ParseSelector accepts "*" or a 0x-prefixed 4-byte hex string.
func ParseSelector(s string) (Selector, error) {
	if strings.TrimSpace(s) == "*" {
		return WildcardSelector, nil
	}
	b, err := decodeHex(s, SelectorLength)
	if err != nil {
		return Selector{}, fmt.Errorf("selector: %w", err)
	}
	var sel Selector
	copy(sel.Code[:], b)
	return sel, nil
}

// Matches reports whether the selector admits the payload.
func (s Selector) Matches(payload []byte) bool {
	if s.Wildcard {
		return true
	}
	if len(payload) < SelectorLength {
		return false
	}
	return bytes.Equal(s.Code[:], payload[:SelectorLength])
}

// Bytes returns the canonical encoding used when deriving identifiers.
// The wildcard encodes as 0xffffffff followed by a marker byte so it never
// collides with a concrete code.
func (s Selector) Bytes() []byte {
	if s.Wildcard {
		return []byte{0xff, 0xff, 0xff, 0xff, 0x01}
	}
	return append(s.Code[:], 0x00)
}

func (s Selector) String() string {
	if s.Wildcard {
		return "*"
	}
	return "0x" + hex.EncodeToString(s.Code[:])
}

func (s Selector) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Selector) UnmarshalText(text []byte) error {
	parsed, err := ParseSelector(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
