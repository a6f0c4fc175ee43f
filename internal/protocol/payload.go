package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// ErrEmptyPayload is returned when a hex payload contains no bytes.
var ErrEmptyPayload = errors.New("empty payload")

// ParseHexPayload decodes a hex string into the bytes to write.
// Accepts "01", "0x01", "aa bb cc" and "aa:bb:cc".
func ParseHexPayload(s string) ([]byte, error) {
	clean := strings.TrimSpace(s)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	clean = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(clean)
	if clean == "" {
		return nil, ErrEmptyPayload
	}
	if len(clean)%2 != 0 {
		return nil, fmt.Errorf("odd number of hex digits in %q", s)
	}
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload %q: %w", s, err)
	}
	return data, nil
}

// NormalizeUUID parses a UUID string and returns its canonical lower-case
// form. Surrounding braces and whitespace are ignored.
func NormalizeUUID(s string) (string, error) {
	u := strings.ToLower(strings.TrimSpace(s))
	u = strings.TrimSuffix(strings.TrimPrefix(u, "{"), "}")

	uuid, err := bluetooth.ParseUUID(u)
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return uuid.String(), nil
}
