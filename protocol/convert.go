package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseUID decodes a UID written in any of the accepted formats.
// Supports: "04:AB:CD:EF", "04ABCDEF", "04 AB CD EF", "04-AB-CD-EF"
func ParseUID(uid string) ([]byte, error) {
	if uid == "" {
		return nil, fmt.Errorf("empty UID")
	}

	cleaned := strings.NewReplacer(":", "", " ", "", "-", "").Replace(uid)
	if len(cleaned)%2 != 0 {
		return nil, fmt.Errorf("UID has odd number of hex characters: %s", uid)
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("UID contains invalid characters: %s", uid)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("UID too short: %s", uid)
	}
	return raw, nil
}

// NormalizeUID rewrites uid as colon-separated upper-case hex.
func NormalizeUID(uid string) (string, error) {
	raw, err := ParseUID(uid)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(raw))
	for i, b := range raw {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}
