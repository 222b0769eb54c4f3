package crypt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/symcrypt/pkg/crypt/keyencryption"
	"github.com/guided-traffic/symcrypt/pkg/crypt/keystore"
)

// memoryCipherConfig builds a config entry with an inline wrapped DEK and a
// fresh KEK, the way the keygen tool bootstraps one.
func memoryCipherConfig(t *testing.T, version uint8) CipherConfig {
	t.Helper()
	kek, err := keyencryption.Generate(2048, keyencryption.SchemeOAEP)
	require.NoError(t, err)
	mem := keystore.NewMemory(nil)
	_, _, err = keystore.GenerateDEK(context.Background(), mem, kek, 32)
	require.NoError(t, err)
	return CipherConfig{
		Version:          version,
		CipherName:       string(AES256CBC),
		EncryptedKey:     mem.Base64(),
		KeyEncryptingKey: kek.PrivatePEM(),
	}
}

func TestRegistryLoad(t *testing.T) {
	ctx := context.Background()
	cfgs := []CipherConfig{memoryCipherConfig(t, 2), memoryCipherConfig(t, 1)}

	reg, err := Load(ctx, cfgs)
	require.NoError(t, err)

	assert.Equal(t, uint8(2), reg.Primary().Version())
	assert.Equal(t, []uint8{2, 1}, reg.Versions())

	secondaries := reg.Secondaries()
	require.Len(t, secondaries, 1)
	assert.Equal(t, uint8(1), secondaries[0].Version())

	c, err := reg.ByVersion(1)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), c.Version())

	_, err = reg.ByVersion(9)
	assert.ErrorIs(t, err, ErrUnknownCipherVersion)
}

func TestRegistryDuplicateVersions(t *testing.T) {
	_, err := NewRegistry([]*Cipher{
		newTestCipher(t, 1, AES256CBC, true, nil),
		newTestCipher(t, 1, AES256CBC, true, nil),
	})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestRegistryEmptyConfig(t *testing.T) {
	_, err := Load(context.Background(), nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestRegistryDecryptAfterRotation(t *testing.T) {
	// Data encrypted under v1 stays decryptable after v2 becomes primary.
	v1 := newTestCipher(t, 1, AES256CBC, true, nil)
	before := newTestRegistry(t, v1)

	encoded, err := before.Primary().EncryptText("written before rotation")
	require.NoError(t, err)

	after := newTestRegistry(t, newTestCipher(t, 2, AES256CBC, true, nil), v1)
	decrypted, err := after.DecryptText(encoded)
	require.NoError(t, err)
	assert.Equal(t, "written before rotation", decrypted)
}

func TestRegistryDecryptUnknownVersion(t *testing.T) {
	reg := newTestRegistry(t,
		newTestCipher(t, 1, AES256CBC, true, nil),
		newTestCipher(t, 2, AES256CBC, true, nil),
	)

	h := &Header{CipherVersion: 99}
	hb, err := h.Bytes()
	require.NoError(t, err)
	payload := append(hb, make([]byte, 16)...)

	_, err = reg.Decrypt(payload)
	assert.ErrorIs(t, err, ErrUnknownCipherVersion)
}

func TestRegistryLoadInsecureKeyFile(t *testing.T) {
	ctx := context.Background()
	kek, err := keyencryption.Generate(2048, keyencryption.SchemeOAEP)
	require.NoError(t, err)

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "v1.key")
	wrapped, err := kek.Wrap(ctx, make([]byte, 32))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, wrapped, 0o644))

	_, err = Load(ctx, []CipherConfig{{
		Version:          1,
		KeyFilename:      keyPath,
		KeyEncryptingKey: kek.PrivatePEM(),
	}})
	assert.ErrorIs(t, err, keystore.ErrInsecurePermissions)
}

func TestRegistryLoadFromFileKeystore(t *testing.T) {
	ctx := context.Background()
	kek, err := keyencryption.Generate(2048, keyencryption.SchemeOAEP)
	require.NoError(t, err)

	keyPath := filepath.Join(t.TempDir(), "v1.key")
	_, _, err = keystore.GenerateDEK(ctx, keystore.NewFile(keyPath), kek, 32)
	require.NoError(t, err)

	reg, err := Load(ctx, []CipherConfig{{
		Version:          1,
		KeyFilename:      keyPath,
		KeyEncryptingKey: kek.PrivatePEM(),
	}})
	require.NoError(t, err)

	encoded, err := reg.Primary().EncryptText("file-backed")
	require.NoError(t, err)
	decrypted, err := reg.DecryptText(encoded)
	require.NoError(t, err)
	assert.Equal(t, "file-backed", decrypted)
}

func TestRegistryLoadFromEnvKeystore(t *testing.T) {
	ctx := context.Background()
	kek, err := keyencryption.Generate(2048, keyencryption.SchemeOAEP)
	require.NoError(t, err)

	const envVar = "SYMCRYPT_TEST_REGISTRY_DEK"
	_, _, err = keystore.GenerateDEK(ctx, keystore.NewEnv(envVar), kek, 32)
	require.NoError(t, err)
	t.Cleanup(func() { os.Unsetenv(envVar) })

	reg, err := Load(ctx, []CipherConfig{{
		Version:          1,
		KeyEnvVar:        envVar,
		KeyEncryptingKey: kek.PrivatePEM(),
	}})
	require.NoError(t, err)

	encoded, err := reg.Primary().EncryptText("env-backed")
	require.NoError(t, err)
	decrypted, err := reg.DecryptText(encoded)
	require.NoError(t, err)
	assert.Equal(t, "env-backed", decrypted)
}

func TestCipherConfigValidate(t *testing.T) {
	valid := memoryCipherConfig(t, 1)
	require.NoError(t, valid.Validate())

	noSelector := valid
	noSelector.EncryptedKey = ""
	assert.ErrorIs(t, noSelector.Validate(), ErrConfig)

	twoSelectors := valid
	twoSelectors.KeyEnvVar = "ALSO_SET"
	assert.ErrorIs(t, twoSelectors.Validate(), ErrConfig)

	zeroVersion := valid
	zeroVersion.Version = 0
	assert.ErrorIs(t, zeroVersion.Validate(), ErrConfig)

	bothKEKs := valid
	bothKEKs.KMSKeyID = "arn:aws:kms:eu-central-1:123456789012:key/test"
	assert.ErrorIs(t, bothKEKs.Validate(), ErrConfig)

	noKEK := valid
	noKEK.KeyEncryptingKey = ""
	assert.ErrorIs(t, noKEK.Validate(), ErrConfig)
}

func TestGlobalRegistry(t *testing.T) {
	t.Cleanup(func() { global.Store(nil) })
	global.Store(nil)

	_, err := Global()
	assert.ErrorIs(t, err, ErrConfig)

	reg := newTestRegistry(t, newTestCipher(t, 1, AES256CBC, true, nil))
	SetGlobal(reg)

	got, err := Global()
	require.NoError(t, err)
	assert.Same(t, reg, got)

	// Replacement is atomic from the caller's perspective
	reg2 := newTestRegistry(t, newTestCipher(t, 2, AES256CBC, true, nil))
	SetGlobal(reg2)
	got, err = Global()
	require.NoError(t, err)
	assert.Same(t, reg2, got)
}
