package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// AddressSize is the length of an address in bytes.
const AddressSize = 20

// AddressPrefix is the fixed human-readable prefix every address string
// carries before its hex-encoded payload.
const AddressPrefix = "XAI"

// Address represents a 160-bit address (public key hash).
type Address [AddressSize]byte

// IsZero returns true if the address is all zeros.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the address in "XAI<UPPERHEX>" form.
func (a Address) String() string {
	return AddressPrefix + strings.ToUpper(hex.EncodeToString(a[:]))
}

// Hex returns the raw hex-encoded address without prefix.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns a copy of the address as a byte slice.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressSize)
	copy(b, a[:])
	return b
}

// MarshalJSON encodes the address as an "XAI<HEX>" string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a prefixed or raw hex string into an address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses an "XAI<HEX>"-prefixed or raw 40-char hex address string.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	hexStr := s
	if strings.HasPrefix(strings.ToUpper(s), AddressPrefix) {
		hexStr = s[len(AddressPrefix):]
	}

	decoded, err := hex.DecodeString(hexStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address: %w", err)
	}
	if len(decoded) != AddressSize {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(decoded))
	}
	var a Address
	copy(a[:], decoded)
	return a, nil
}

// HexToAddress converts a raw hex string to an Address.
// Returns an error if the string is not exactly 40 hex characters.
// For user-facing input that may carry the "XAI" prefix, use ParseAddress instead.
func HexToAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != AddressSize {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}
