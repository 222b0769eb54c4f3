package crypt

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Encoding is the text encoding applied to ciphertext by the string API.
// It is a property of the Cipher, not of an individual message.
type Encoding string

const (
	EncodingNone         Encoding = "none"
	EncodingBase64       Encoding = "base64"
	EncodingBase64Strict Encoding = "base64strict"
	EncodingBase16       Encoding = "base16"

	// DefaultEncoding is used when a cipher entry does not name one.
	DefaultEncoding = EncodingBase64
)

// base64 line width for the non-strict variant
const base64LineLen = 60

// Encode applies the text encoding to raw ciphertext bytes.
func (e Encoding) Encode(b []byte) (string, error) {
	switch e {
	case EncodingNone:
		return string(b), nil
	case EncodingBase64:
		return wrapLines(base64.StdEncoding.EncodeToString(b)), nil
	case EncodingBase64Strict:
		return base64.StdEncoding.EncodeToString(b), nil
	case EncodingBase16:
		return hex.EncodeToString(b), nil
	default:
		return "", fmt.Errorf("%w: unsupported encoding %q", ErrConfig, e)
	}
}

// Decode reverses the text encoding. Whitespace is tolerated in both base64
// variants so that line-wrapped output round-trips.
func (e Encoding) Decode(s string) ([]byte, error) {
	switch e {
	case EncodingNone:
		return []byte(s), nil
	case EncodingBase64, EncodingBase64Strict:
		b, err := base64.StdEncoding.DecodeString(stripWhitespace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: base64 decode: %v", ErrDecryptionFailed, err)
		}
		return b, nil
	case EncodingBase16:
		b, err := hex.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: hex decode: %v", ErrDecryptionFailed, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrConfig, e)
	}
}

func parseEncoding(s string) (Encoding, error) {
	if s == "" {
		return DefaultEncoding, nil
	}
	switch e := Encoding(s); e {
	case EncodingNone, EncodingBase64, EncodingBase64Strict, EncodingBase16:
		return e, nil
	default:
		return "", fmt.Errorf("%w: unsupported encoding %q", ErrConfig, s)
	}
}

func wrapLines(s string) string {
	if s == "" {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) + len(s)/base64LineLen + 1)
	for len(s) > base64LineLen {
		sb.WriteString(s[:base64LineLen])
		sb.WriteByte('\n')
		s = s[base64LineLen:]
	}
	sb.WriteString(s)
	sb.WriteByte('\n')
	return sb.String()
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}
