package crypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header Header
	}{
		{
			name:   "minimal",
			header: Header{CipherVersion: 1},
		},
		{
			name:   "compressed",
			header: Header{CipherVersion: 3, Compressed: true},
		},
		{
			name:   "embedded iv",
			header: Header{CipherVersion: 7, IV: []byte("0123456789abcdef")},
		},
		{
			name: "embedded iv and key",
			header: Header{
				CipherVersion: 2,
				IV:            []byte("0123456789abcdef"),
				Key:           make([]byte, 256),
			},
		},
		{
			name: "cipher name override",
			header: Header{
				CipherVersion: 9,
				CipherName:    "aes-256-ctr",
				IV:            []byte("0123456789abcdef"),
				Key:           make([]byte, 256),
			},
		},
		{
			name: "encoded key flag",
			header: Header{
				CipherVersion: 4,
				KeyEncoded:    true,
				IV:            []byte("0123456789abcdef"),
				Key:           []byte("d2hhdGV2ZXI="),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := tt.header.Bytes()
			require.NoError(t, err)

			parsed, rest, err := ParseHeader(encoded)
			require.NoError(t, err)
			assert.Empty(t, rest)
			assert.Equal(t, HeaderFormatCurrent, parsed.Format)
			assert.Equal(t, tt.header.CipherVersion, parsed.CipherVersion)
			assert.Equal(t, tt.header.Compressed, parsed.Compressed)
			assert.Equal(t, tt.header.KeyEncoded, parsed.KeyEncoded)
			assert.Equal(t, tt.header.IV, parsed.IV)
			assert.Equal(t, tt.header.Key, parsed.Key)
			assert.Equal(t, tt.header.CipherName, parsed.CipherName)
		})
	}
}

func TestHeaderTrailingCiphertext(t *testing.T) {
	h := Header{CipherVersion: 5, Compressed: true}
	encoded, err := h.Bytes()
	require.NoError(t, err)
	payload := append(encoded, 0xDE, 0xAD, 0xBE, 0xEF)

	parsed, rest, err := ParseHeader(payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), parsed.CipherVersion)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, rest)
}

func TestHeaderLegacyFormat(t *testing.T) {
	t.Run("round trip uncompressed", func(t *testing.T) {
		h := Header{Format: HeaderFormatLegacy}
		encoded, err := h.Bytes()
		require.NoError(t, err)
		assert.Equal(t, []byte("@EnC\x00\x00"), encoded)

		parsed, rest, err := ParseHeader(encoded)
		require.NoError(t, err)
		assert.Empty(t, rest)
		assert.Equal(t, HeaderFormatLegacy, parsed.Format)
		assert.False(t, parsed.Compressed)
	})

	t.Run("round trip compressed", func(t *testing.T) {
		h := Header{Format: HeaderFormatLegacy, Compressed: true}
		encoded, err := h.Bytes()
		require.NoError(t, err)
		assert.Equal(t, []byte("@EnC\x00\x80"), encoded)

		parsed, _, err := ParseHeader(encoded)
		require.NoError(t, err)
		assert.True(t, parsed.Compressed)
	})

	t.Run("undefined bits are ignored", func(t *testing.T) {
		parsed, _, err := ParseHeader([]byte("@EnC\x05\x81"))
		require.NoError(t, err)
		assert.Equal(t, HeaderFormatLegacy, parsed.Format)
		assert.True(t, parsed.Compressed)
	})

	t.Run("legacy layout cannot carry embedded fields", func(t *testing.T) {
		h := Header{Format: HeaderFormatLegacy, IV: []byte("0123456789abcdef")}
		_, err := h.Bytes()
		assert.ErrorIs(t, err, ErrMalformedHeader)
	})
}

func TestParseHeaderMalformed(t *testing.T) {
	iv := []byte("0123456789abcdef")
	valid, err := (&Header{CipherVersion: 1, IV: iv}).Bytes()
	require.NoError(t, err)

	tests := []struct {
		name  string
		input []byte
	}{
		{"missing magic", []byte("nope")},
		{"wrong magic", []byte("@EnD\x02\x00\x01")},
		{"truncated after magic", []byte("@EnC")},
		{"truncated fixed part", []byte("@EnC\x02\x00")},
		{"truncated field", valid[:len(valid)-4]},
		{"field length exceeds input", append(append([]byte{}, valid[:7]...), 0xFF, 0xFF, 0x01)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseHeader(tt.input)
			assert.ErrorIs(t, err, ErrMalformedHeader)
		})
	}
}

func TestHeaderKeyRequiresIV(t *testing.T) {
	h := Header{CipherVersion: 1, Key: make([]byte, 256)}
	_, err := h.Bytes()
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestHasHeader(t *testing.T) {
	assert.True(t, HasHeader([]byte("@EnC\x02\x00\x01")))
	assert.False(t, HasHeader([]byte("@En")))
	assert.False(t, HasHeader([]byte("plaintext")))
	assert.False(t, HasHeader(nil))
}
