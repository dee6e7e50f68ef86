package device

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// IEEEAddress is the 64-bit hardware address of a node, most significant byte first.
type IEEEAddress [8]byte

// ParseIEEE parses "DD:DD:DD:DD:DD:DD:DD:DD" or "DDDDDDDDDDDDDDDD".
func ParseIEEE(s string) (IEEEAddress, error) {
	var result IEEEAddress
	s = strings.ReplaceAll(s, ":", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return result, fmt.Errorf("parse ieee address: %w", err)
	}
	if len(b) != 8 {
		return result, fmt.Errorf("ieee address must be 8 bytes, got %d", len(b))
	}
	copy(result[:], b)
	return result, nil
}

// String returns the colon-delimited upper-case hex form.
func (a IEEEAddress) String() string {
	var sb strings.Builder
	sb.Grow(23)
	for i, b := range a {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

func (a IEEEAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *IEEEAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseIEEE(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
