package keyencryption

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSAWrapUnwrap(t *testing.T) {
	for _, scheme := range []Scheme{SchemeOAEP, SchemePKCS1v15} {
		t.Run(string(scheme), func(t *testing.T) {
			kek, err := Generate(2048, scheme)
			require.NoError(t, err)

			ctx := context.Background()
			dek := []byte("12345678901234567890123456789012") // 32-byte DEK

			wrapped, err := kek.Wrap(ctx, dek)
			require.NoError(t, err)
			assert.NotEqual(t, dek, wrapped)
			assert.Len(t, wrapped, 256) // 2048-bit modulus

			unwrapped, err := kek.Unwrap(ctx, wrapped)
			require.NoError(t, err)
			assert.Equal(t, dek, unwrapped)
		})
	}
}

func TestRSAMinimumKeySize(t *testing.T) {
	_, err := Generate(1024, SchemeOAEP)
	assert.Error(t, err)
}

func TestRSAUnwrapSizeMismatch(t *testing.T) {
	kek, err := Generate(2048, SchemeOAEP)
	require.NoError(t, err)

	_, err = kek.Unwrap(context.Background(), []byte("too short"))
	assert.ErrorIs(t, err, ErrKeyUnwrap)
}

func TestRSAUnwrapWrongKey(t *testing.T) {
	ctx := context.Background()
	kek1, err := Generate(2048, SchemeOAEP)
	require.NoError(t, err)
	kek2, err := Generate(2048, SchemeOAEP)
	require.NoError(t, err)

	wrapped, err := kek1.Wrap(ctx, []byte("12345678901234567890123456789012"))
	require.NoError(t, err)

	_, err = kek2.Unwrap(ctx, wrapped)
	assert.ErrorIs(t, err, ErrKeyUnwrap)
}

func TestRSAPEMRoundTrip(t *testing.T) {
	kek, err := Generate(2048, SchemePKCS1v15)
	require.NoError(t, err)

	restored, err := NewFromPEM(kek.PrivatePEM(), SchemePKCS1v15)
	require.NoError(t, err)
	assert.Equal(t, kek.Fingerprint(), restored.Fingerprint())

	ctx := context.Background()
	wrapped, err := kek.Wrap(ctx, []byte("12345678901234567890123456789012"))
	require.NoError(t, err)
	unwrapped, err := restored.Unwrap(ctx, wrapped)
	require.NoError(t, err)
	assert.Equal(t, []byte("12345678901234567890123456789012"), unwrapped)
}

func TestRSAFromInvalidPEM(t *testing.T) {
	_, err := NewFromPEM("not a pem block", SchemeOAEP)
	assert.Error(t, err)

	_, err = NewFromPEM("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----", SchemeOAEP)
	assert.Error(t, err)
}

func TestRSAPublicPEM(t *testing.T) {
	kek, err := Generate(2048, SchemeOAEP)
	require.NoError(t, err)

	pub, err := kek.PublicPEM()
	require.NoError(t, err)
	assert.Contains(t, pub, "BEGIN PUBLIC KEY")
}

func TestParseScheme(t *testing.T) {
	scheme, err := ParseScheme("")
	require.NoError(t, err)
	assert.Equal(t, SchemeOAEP, scheme)

	scheme, err = ParseScheme("pkcs1v15")
	require.NoError(t, err)
	assert.Equal(t, SchemePKCS1v15, scheme)

	_, err = ParseScheme("rot13")
	assert.Error(t, err)
}

func TestFingerprintStable(t *testing.T) {
	kek, err := Generate(2048, SchemeOAEP)
	require.NoError(t, err)

	fp := kek.Fingerprint()
	assert.NotEmpty(t, fp)
	assert.Equal(t, fp, kek.Fingerprint())
	assert.Equal(t, "rsa", kek.Name())
}
