package crypt

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/symcrypt/pkg/crypt/keyencryption"
	"github.com/guided-traffic/symcrypt/pkg/crypt/keystore"
)

// CipherConfig declares one cipher entry: its version, algorithm, encoding,
// keystore selector, and KEK material. Exactly one keystore selector must be
// present; key_encrypting_key and kms_key_id are mutually exclusive.
type CipherConfig struct {
	Version         uint8  `mapstructure:"version" yaml:"version"`
	CipherName      string `mapstructure:"cipher_name" yaml:"cipher_name,omitempty"`
	Encoding        string `mapstructure:"encoding" yaml:"encoding,omitempty"`
	AlwaysAddHeader *bool  `mapstructure:"always_add_header" yaml:"always_add_header,omitempty"`

	// File keystore
	KeyFilename string `mapstructure:"key_filename" yaml:"key_filename,omitempty"`
	IVFilename  string `mapstructure:"iv_filename" yaml:"iv_filename,omitempty"`

	// Environment keystore
	KeyEnvVar string `mapstructure:"key_env_var" yaml:"key_env_var,omitempty"`

	// Memory keystore
	EncryptedKey string `mapstructure:"encrypted_key" yaml:"encrypted_key,omitempty"`
	EncryptedIV  string `mapstructure:"encrypted_iv" yaml:"encrypted_iv,omitempty"`

	// KEK material
	KeyEncryptingKey string `mapstructure:"key_encrypting_key" yaml:"key_encrypting_key,omitempty"`
	KeyWrapScheme    string `mapstructure:"key_wrap_scheme" yaml:"key_wrap_scheme,omitempty"`
	KMSKeyID         string `mapstructure:"kms_key_id" yaml:"kms_key_id,omitempty"`
	KMSRegion        string `mapstructure:"kms_region" yaml:"kms_region,omitempty"`
}

// Validate checks the structural invariants of a single entry.
func (cfg *CipherConfig) Validate() error {
	if cfg.Version == 0 {
		return fmt.Errorf("%w: cipher version must be 1-255", ErrConfig)
	}
	selectors := 0
	if cfg.KeyFilename != "" {
		selectors++
	}
	if cfg.KeyEnvVar != "" {
		selectors++
	}
	if cfg.EncryptedKey != "" {
		selectors++
	}
	if selectors != 1 {
		return fmt.Errorf("%w: cipher version %d must declare exactly one of key_filename, key_env_var, encrypted_key", ErrConfig, cfg.Version)
	}
	if cfg.KeyEncryptingKey != "" && cfg.KMSKeyID != "" {
		return fmt.Errorf("%w: cipher version %d declares both key_encrypting_key and kms_key_id", ErrConfig, cfg.Version)
	}
	if cfg.KeyEncryptingKey == "" && cfg.KMSKeyID == "" {
		return fmt.Errorf("%w: cipher version %d declares no KEK material", ErrConfig, cfg.Version)
	}
	return nil
}

// Keystore resolves the keystore variant selected by this entry.
func (cfg *CipherConfig) Keystore() (keystore.Keystore, error) {
	switch {
	case cfg.KeyFilename != "":
		return keystore.NewFile(cfg.KeyFilename), nil
	case cfg.KeyEnvVar != "":
		return keystore.NewEnv(cfg.KeyEnvVar), nil
	case cfg.EncryptedKey != "":
		return keystore.NewMemoryBase64(cfg.EncryptedKey)
	default:
		return nil, fmt.Errorf("%w: cipher version %d has no keystore selector", ErrConfig, cfg.Version)
	}
}

// Wrapper resolves the KEK declared by this entry.
func (cfg *CipherConfig) Wrapper(ctx context.Context) (keyencryption.KeyWrapper, error) {
	if cfg.KMSKeyID != "" {
		return keyencryption.NewKMSWrapper(ctx, cfg.KMSKeyID, cfg.KMSRegion)
	}
	scheme, err := keyencryption.ParseScheme(cfg.KeyWrapScheme)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	kek, err := keyencryption.NewFromPEM(cfg.KeyEncryptingKey, scheme)
	if err != nil {
		return nil, fmt.Errorf("%w: key_encrypting_key: %v", ErrConfig, err)
	}
	return kek, nil
}

// Registry is the process-wide mapping of version to Cipher. The head of the
// configured list is the primary, used for all new encryptions; the tail are
// decrypt-only secondaries. Immutable after load.
type Registry struct {
	ciphers   []*Cipher
	byVersion map[uint8]*Cipher
	logger    *logrus.Entry
}

// NewRegistry builds a registry from already-constructed ciphers. Versions
// must be unique and the list non-empty.
func NewRegistry(ciphers []*Cipher) (*Registry, error) {
	if len(ciphers) == 0 {
		return nil, fmt.Errorf("%w: registry needs at least one cipher", ErrConfig)
	}
	byVersion := make(map[uint8]*Cipher, len(ciphers))
	for _, c := range ciphers {
		if _, dup := byVersion[c.version]; dup {
			return nil, fmt.Errorf("%w: duplicate cipher version %d", ErrConfig, c.version)
		}
		byVersion[c.version] = c
	}
	return &Registry{
		ciphers:   append([]*Cipher(nil), ciphers...),
		byVersion: byVersion,
		logger:    logrus.WithField("component", "registry"),
	}, nil
}

// Load builds a Registry from cipher config entries, in order: locate each
// entry's keystore, unwrap its DEK via the KEK, and construct the Cipher.
// The first entry becomes the primary.
func Load(ctx context.Context, cfgs []CipherConfig) (reg *Registry, err error) {
	defer func() {
		status := statusSuccess
		if err != nil {
			status = statusFailure
		}
		RegistryLoadsTotal.WithLabelValues(status).Inc()
	}()

	if len(cfgs) == 0 {
		return nil, fmt.Errorf("%w: no ciphers configured", ErrConfig)
	}
	ciphers := make([]*Cipher, 0, len(cfgs))
	for i := range cfgs {
		c, err := BuildCipher(ctx, &cfgs[i])
		if err != nil {
			return nil, fmt.Errorf("cipher version %d: %w", cfgs[i].Version, err)
		}
		ciphers = append(ciphers, c)
	}
	reg, err = NewRegistry(ciphers)
	if err != nil {
		return nil, err
	}
	reg.logger.WithFields(logrus.Fields{
		"ciphers": len(ciphers),
		"primary": reg.Primary().Version(),
	}).Info("Loaded cipher registry")
	RegistryCiphers.Set(float64(len(ciphers)))
	return reg, nil
}

// BuildCipher constructs a single Cipher from its config entry.
func BuildCipher(ctx context.Context, cfg *CipherConfig) (*Cipher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	wrapper, err := cfg.Wrapper(ctx)
	if err != nil {
		return nil, err
	}
	ks, err := cfg.Keystore()
	if err != nil {
		return nil, err
	}
	wrapped, err := ks.Read()
	if err != nil {
		return nil, err
	}
	key, err := wrapper.Unwrap(ctx, wrapped)
	if err != nil {
		return nil, err
	}

	var iv []byte
	switch {
	case cfg.IVFilename != "":
		wrappedIV, err := keystore.NewFile(cfg.IVFilename).Read()
		if err != nil {
			return nil, err
		}
		if iv, err = wrapper.Unwrap(ctx, wrappedIV); err != nil {
			return nil, err
		}
	case cfg.EncryptedIV != "":
		wrappedIV, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cfg.EncryptedIV))
		if err != nil {
			return nil, fmt.Errorf("%w: encrypted_iv is not valid base64", ErrConfig)
		}
		if iv, err = wrapper.Unwrap(ctx, wrappedIV); err != nil {
			return nil, err
		}
	}

	alwaysAddHeader := true
	if cfg.AlwaysAddHeader != nil {
		alwaysAddHeader = *cfg.AlwaysAddHeader
	}
	return NewCipher(CipherParams{
		Version:         cfg.Version,
		Algorithm:       Algorithm(cfg.CipherName),
		Key:             key,
		IV:              iv,
		Encoding:        Encoding(cfg.Encoding),
		AlwaysAddHeader: alwaysAddHeader,
		KEK:             wrapper,
	})
}

// Primary returns the cipher used for all new encryptions.
func (r *Registry) Primary() *Cipher {
	return r.ciphers[0]
}

// ByVersion returns the cipher registered under v.
func (r *Registry) ByVersion(v uint8) (*Cipher, error) {
	c, ok := r.byVersion[v]
	if !ok {
		return nil, fmt.Errorf("%w: version %d", ErrUnknownCipherVersion, v)
	}
	return c, nil
}

// Secondaries returns the decrypt-only ciphers, most recent first.
func (r *Registry) Secondaries() []*Cipher {
	return append([]*Cipher(nil), r.ciphers[1:]...)
}

// Versions returns all registered versions in configuration order.
func (r *Registry) Versions() []uint8 {
	out := make([]uint8, len(r.ciphers))
	for i, c := range r.ciphers {
		out[i] = c.version
	}
	return out
}

// Decrypt resolves the producing cipher from the ciphertext header and
// decrypts. Headerless input is decrypted under the primary.
func (r *Registry) Decrypt(ciphertext []byte) ([]byte, error) {
	if !HasHeader(ciphertext) {
		return r.Primary().Decrypt(ciphertext)
	}
	h, rest, err := ParseHeader(ciphertext)
	if err != nil {
		return nil, err
	}
	c := r.Primary()
	if h.CipherVersion != 0 {
		if c, err = r.ByVersion(h.CipherVersion); err != nil {
			return nil, err
		}
	}
	return c.decryptWithHeader(h, rest)
}

// DecryptText decodes the primary cipher's text encoding, then decrypts via
// header resolution.
func (r *Registry) DecryptText(s string) (string, error) {
	raw, err := r.Primary().Encoding().Decode(s)
	if err != nil {
		return "", err
	}
	plain, err := r.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// global is the process-wide registry. Replacement is atomic; readers see
// either the old or the new registry, never a partial state.
var global atomic.Pointer[Registry]

// SetGlobal installs r as the process-wide registry.
func SetGlobal(r *Registry) {
	global.Store(r)
}

// Global returns the process-wide registry, or an error if none was
// installed. Initialization is explicit, never lazy.
func Global() (*Registry, error) {
	r := global.Load()
	if r == nil {
		return nil, fmt.Errorf("%w: global registry not initialized", ErrConfig)
	}
	return r, nil
}
