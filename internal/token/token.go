// Package token converts caller-supplied token text (hex or base64url/base64)
// into canonical bytes and the canonical lowercase hex form used as the
// comparison key everywhere else.
package token

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidFormat is returned when token text is neither even-length hex
// nor decodable base64url/base64.
var ErrInvalidFormat = errors.New("invalid token format (expected hex or base64url/base64)")

// Decode parses token text into bytes. Hex is tried first; anything that is
// not an even-length hex string is decoded as base64url or base64 with the
// missing padding restored.
func Decode(text string) ([]byte, error) {
	s := strings.TrimSpace(text)
	if isHex(s) {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, ErrInvalidFormat
		}
		return b, nil
	}
	return decodeBase64(s)
}

// EncodeHex returns the canonical form: lowercase, two digits per byte,
// no separators.
func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// NormalizeToHex is EncodeHex(Decode(text)).
func NormalizeToHex(text string) (string, error) {
	b, err := Decode(text)
	if err != nil {
		return "", err
	}
	return EncodeHex(b), nil
}

// isHex reports whether s is a non-empty, even-length run of hex digits.
func isHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func decodeBase64(s string) ([]byte, error) {
	// The std decoder silently skips line breaks; a token never contains one.
	if strings.ContainsAny(s, "\r\n") {
		return nil, ErrInvalidFormat
	}
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	switch len(s) % 4 {
	case 1:
		return nil, ErrInvalidFormat
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidFormat
	}
	return b, nil
}
