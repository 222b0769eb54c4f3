package crypt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the four-byte prefix identifying a self-describing ciphertext.
const Magic = "@EnC"

// Header format versions. The byte following the magic disambiguates: the
// current layout stores the format version there, while the legacy layout
// stores the low byte of a 16-bit little-endian flag word whose defined bits
// never touch that byte.
const (
	HeaderFormatLegacy  uint8 = 1
	HeaderFormatCurrent uint8 = 2
)

const (
	flagCompressed  uint8 = 1 << 0
	flagIV          uint8 = 1 << 1
	flagKey         uint8 = 1 << 2
	flagCipherName  uint8 = 1 << 3
	flagKeyEncoded  uint8 = 1 << 4
	flagMaskDefined       = flagCompressed | flagIV | flagKey | flagCipherName | flagKeyEncoded

	// Legacy 16-bit flag word: only the top bit was ever defined.
	legacyFlagCompressed uint16 = 0x8000
)

// Header is the self-describing prefix carried by a ciphertext. It identifies
// the cipher version that produced the message and optionally embeds a
// per-message IV, a KEK-wrapped per-message key, and a cipher name override.
type Header struct {
	// Format selects the on-wire layout; the zero value emits the current one.
	Format uint8

	CipherVersion uint8
	Compressed    bool

	// KeyEncoded marks a wrapped key that was additionally base64-encoded
	// before embedding. Emitted only for compatibility with old writers.
	KeyEncoded bool

	IV         []byte
	Key        []byte // KEK-wrapped form
	CipherName string
}

// HasHeader reports whether b begins with the header magic.
func HasHeader(b []byte) bool {
	return len(b) >= len(Magic) && string(b[:len(Magic)]) == Magic
}

// ParseHeader decodes the header at the start of b and returns it together
// with the remaining ciphertext bytes.
func ParseHeader(b []byte) (*Header, []byte, error) {
	if !HasHeader(b) {
		return nil, nil, fmt.Errorf("%w: missing magic", ErrMalformedHeader)
	}
	br := bytes.NewReader(b[len(Magic):])
	h, err := readHeaderBody(br)
	if err != nil {
		return nil, nil, err
	}
	return h, b[len(b)-br.Len():], nil
}

// readHeaderBody decodes everything after the magic from r.
func readHeaderBody(r io.Reader) (*Header, error) {
	var lead [1]byte
	if _, err := io.ReadFull(r, lead[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated", ErrMalformedHeader)
	}

	if lead[0] != HeaderFormatCurrent {
		// Legacy layout: 16-bit little-endian flag word straight after the
		// magic. Undefined bits are ignored.
		var hi [1]byte
		if _, err := io.ReadFull(r, hi[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated legacy flag word", ErrMalformedHeader)
		}
		word := uint16(lead[0]) | uint16(hi[0])<<8
		return &Header{
			Format:     HeaderFormatLegacy,
			Compressed: word&legacyFlagCompressed != 0,
		}, nil
	}

	var fixed [2]byte // flags, cipher version
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated", ErrMalformedHeader)
	}
	flags := fixed[0]

	h := &Header{
		Format:        HeaderFormatCurrent,
		CipherVersion: fixed[1],
		Compressed:    flags&flagCompressed != 0,
		KeyEncoded:    flags&flagKeyEncoded != 0,
	}

	if flags&flagCipherName != 0 {
		name, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		h.CipherName = string(name)
	}
	if flags&flagIV != 0 {
		iv, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		h.IV = iv
	}
	if flags&flagKey != 0 {
		if flags&flagIV == 0 {
			return nil, fmt.Errorf("%w: embedded key without embedded IV", ErrMalformedHeader)
		}
		key, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		h.Key = key
	}

	return h, nil
}

// Bytes encodes the header in its selected on-wire layout. Round-trips with
// ParseHeader bit-exactly.
func (h *Header) Bytes() ([]byte, error) {
	if h.Format == HeaderFormatLegacy {
		if h.CipherVersion != 0 || len(h.IV) > 0 || len(h.Key) > 0 || h.CipherName != "" {
			return nil, fmt.Errorf("%w: legacy layout carries only the compression flag", ErrMalformedHeader)
		}
		var word uint16
		if h.Compressed {
			word |= legacyFlagCompressed
		}
		out := make([]byte, 0, len(Magic)+2)
		out = append(out, Magic...)
		return binary.LittleEndian.AppendUint16(out, word), nil
	}

	if len(h.Key) > 0 && len(h.IV) == 0 {
		return nil, fmt.Errorf("%w: embedded key requires an embedded IV", ErrMalformedHeader)
	}

	var flags uint8
	if h.Compressed {
		flags |= flagCompressed
	}
	if len(h.IV) > 0 {
		flags |= flagIV
	}
	if len(h.Key) > 0 {
		flags |= flagKey
	}
	if h.CipherName != "" {
		flags |= flagCipherName
	}
	if h.KeyEncoded {
		flags |= flagKeyEncoded
	}

	out := make([]byte, 0, len(Magic)+3+len(h.CipherName)+len(h.IV)+len(h.Key)+6)
	out = append(out, Magic...)
	out = append(out, HeaderFormatCurrent, flags, h.CipherVersion)
	var err error
	if h.CipherName != "" {
		if out, err = appendLenPrefixed(out, []byte(h.CipherName)); err != nil {
			return nil, err
		}
	}
	if len(h.IV) > 0 {
		if out, err = appendLenPrefixed(out, h.IV); err != nil {
			return nil, err
		}
	}
	if len(h.Key) > 0 {
		if out, err = appendLenPrefixed(out, h.Key); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated length prefix", ErrMalformedHeader)
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	field := make([]byte, n)
	if _, err := io.ReadFull(r, field); err != nil {
		return nil, fmt.Errorf("%w: field length exceeds input", ErrMalformedHeader)
	}
	return field, nil
}

func appendLenPrefixed(out, field []byte) ([]byte, error) {
	if len(field) > 0xFFFF {
		return nil, fmt.Errorf("%w: field too long", ErrMalformedHeader)
	}
	out = binary.LittleEndian.AppendUint16(out, uint16(len(field)))
	return append(out, field...), nil
}
