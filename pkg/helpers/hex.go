package helpers

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// DecodeHexField decodes a hex string and checks its length. A zero size
// accepts any length. The field name is used in error messages.
func DecodeHexField(field, s string, size int) ([]byte, error) {
	b, err := HexToBytes(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	if size > 0 && len(b) != size {
		return nil, fmt.Errorf("invalid %s: expected %d bytes, got %d", field, size, len(b))
	}
	return b, nil
}

// ReversedHex hex-encodes b in reversed byte order, the way Electrum
// script hashes and display txids are written.
func ReversedHex(b []byte) string {
	return hex.EncodeToString(ReverseBytes(b))
}
