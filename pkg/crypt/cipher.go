package crypt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/guided-traffic/symcrypt/pkg/crypt/keyencryption"
)

// CipherParams configures a Cipher.
type CipherParams struct {
	// Version addresses this cipher in the registry; 1-255, 0 is reserved.
	Version uint8

	// Algorithm defaults to aes-256-cbc.
	Algorithm Algorithm

	// Key is the clear DEK. Its length must match the algorithm.
	Key []byte

	// IV is the fixed IV, if any. Messages without a fixed IV must embed a
	// per-message random IV.
	IV []byte

	// Encoding is the text encoding for the string API; defaults to base64.
	Encoding Encoding

	// AlwaysAddHeader emits the self-describing header on every message
	// produced by the string API.
	AlwaysAddHeader bool

	// KEK wraps per-message random keys and unwraps header-embedded keys.
	KEK keyencryption.KeyWrapper
}

// Cipher binds one DEK, IV, and algorithm. It is immutable after
// construction and safe for concurrent use.
type Cipher struct {
	version         uint8
	algorithm       Algorithm
	key             []byte
	iv              []byte
	encoding        Encoding
	alwaysAddHeader bool
	kek             keyencryption.KeyWrapper
}

// NewCipher validates params and builds a Cipher. The key is copied.
func NewCipher(p CipherParams) (*Cipher, error) {
	if p.Version == 0 {
		return nil, fmt.Errorf("%w: cipher version 0 is reserved", ErrConfig)
	}
	alg := p.Algorithm
	if alg == "" {
		alg = DefaultAlgorithm
	}
	info, err := alg.info()
	if err != nil {
		return nil, err
	}
	if len(p.Key) != info.keyLen {
		return nil, fmt.Errorf("%w: %q requires a %d-byte key, got %d", ErrConfig, alg, info.keyLen, len(p.Key))
	}
	if len(p.IV) > 0 && len(p.IV) != info.ivLen {
		return nil, fmt.Errorf("%w: %q requires a %d-byte IV, got %d", ErrConfig, alg, info.ivLen, len(p.IV))
	}
	enc := p.Encoding
	if enc == "" {
		enc = DefaultEncoding
	} else if _, err := parseEncoding(string(enc)); err != nil {
		return nil, err
	}
	return &Cipher{
		version:         p.Version,
		algorithm:       alg,
		key:             append([]byte(nil), p.Key...),
		iv:              append([]byte(nil), p.IV...),
		encoding:        enc,
		alwaysAddHeader: p.AlwaysAddHeader,
		kek:             p.KEK,
	}, nil
}

// Version returns the registry version of this cipher.
func (c *Cipher) Version() uint8 { return c.version }

// Algorithm returns the cipher algorithm.
func (c *Cipher) Algorithm() Algorithm { return c.algorithm }

// Encoding returns the text encoding used by the string API.
func (c *Cipher) Encoding() Encoding { return c.encoding }

// AlwaysAddHeader reports whether the string API emits headers by default.
func (c *Cipher) AlwaysAddHeader() bool { return c.alwaysAddHeader }

// EncryptOptions control a single Encrypt call.
type EncryptOptions struct {
	// AddHeader forces the self-describing header. It is implied by
	// Compress, RandomIV, and RandomKey.
	AddHeader bool

	// RandomIV embeds a fresh per-message IV in the header.
	RandomIV bool

	// RandomKey generates a fresh per-message DEK, wraps it with the KEK,
	// and embeds it in the header. Implies RandomIV.
	RandomKey bool

	// Compress deflates the plaintext before encryption.
	Compress bool

	// Algorithm overrides the cipher algorithm for this message. Valid only
	// together with RandomKey; the name is recorded in the header.
	Algorithm Algorithm
}

// Encrypt produces raw ciphertext bytes, optionally prefixed by a header.
// Nil input returns nil; empty input returns empty.
func (c *Cipher) Encrypt(plaintext []byte, opts EncryptOptions) (out []byte, err error) {
	defer func() { observeOperation("encrypt", c.algorithm, err) }()

	if plaintext == nil {
		return nil, nil
	}
	if len(plaintext) == 0 {
		return []byte{}, nil
	}

	randomIV := opts.RandomIV || opts.RandomKey
	alg := c.algorithm
	if opts.Algorithm != "" {
		if !opts.RandomKey {
			return nil, fmt.Errorf("%w: algorithm override requires a random per-message key", ErrConfig)
		}
		alg = opts.Algorithm
	}
	info, err := alg.info()
	if err != nil {
		return nil, err
	}

	key, iv := c.key, c.iv
	var wrappedKey []byte
	if opts.RandomKey {
		if c.kek == nil {
			return nil, fmt.Errorf("%w: random per-message key requires a key-encrypting key", ErrConfig)
		}
		if key, err = randomBytes(info.keyLen); err != nil {
			return nil, err
		}
		if wrappedKey, err = c.kek.Wrap(context.Background(), key); err != nil {
			return nil, fmt.Errorf("%w: wrap message key: %v", ErrEncryptionFailed, err)
		}
	}
	switch {
	case randomIV:
		if iv, err = randomBytes(info.ivLen); err != nil {
			return nil, err
		}
	case info.ivLen > 0 && len(iv) != info.ivLen:
		return nil, fmt.Errorf("%w: %q needs a fixed IV or a per-message random IV", ErrConfig, alg)
	}

	data := plaintext
	if opts.Compress {
		if data, err = compressBytes(data); err != nil {
			return nil, err
		}
	}
	raw, err := encryptBytes(alg, key, iv, data)
	if err != nil {
		return nil, err
	}

	if !opts.AddHeader && !opts.Compress && !randomIV {
		return raw, nil
	}
	h := &Header{CipherVersion: c.version, Compressed: opts.Compress}
	if randomIV {
		h.IV = iv
	}
	if opts.RandomKey {
		h.Key = wrappedKey
	}
	if opts.Algorithm != "" {
		h.CipherName = string(alg)
	}
	hb, err := h.Bytes()
	if err != nil {
		return nil, err
	}
	return append(hb, raw...), nil
}

// Decrypt reverses Encrypt. Input beginning with the header magic is parsed
// as headered; anything else is treated as raw ciphertext under this
// cipher's configured key and IV.
func (c *Cipher) Decrypt(ciphertext []byte) (out []byte, err error) {
	defer func() { observeOperation("decrypt", c.algorithm, err) }()

	if ciphertext == nil {
		return nil, nil
	}
	if len(ciphertext) == 0 {
		return []byte{}, nil
	}
	if HasHeader(ciphertext) {
		h, rest, err := ParseHeader(ciphertext)
		if err != nil {
			return nil, err
		}
		return c.decryptWithHeader(h, rest)
	}

	info, err := c.algorithm.info()
	if err != nil {
		return nil, err
	}
	if info.ivLen > 0 && len(c.iv) != info.ivLen {
		return nil, fmt.Errorf("%w: headerless ciphertext needs a fixed IV", ErrConfig)
	}
	return decryptBytes(c.algorithm, c.key, c.iv, ciphertext)
}

// resolveMaterial combines header-embedded values, where present, with this
// cipher's own key, IV, and algorithm. An embedded wrapped key that fails to
// unwrap, or that does not fit the algorithm, is a decryption failure.
func (c *Cipher) resolveMaterial(h *Header) (Algorithm, []byte, []byte, error) {
	alg := c.algorithm
	if h.CipherName != "" {
		alg = Algorithm(h.CipherName)
	}
	info, err := alg.info()
	if err != nil {
		return "", nil, nil, err
	}

	key, iv := c.key, c.iv
	if len(h.IV) > 0 {
		iv = h.IV
	}
	if len(h.Key) > 0 {
		wrapped := h.Key
		if h.KeyEncoded {
			if wrapped, err = base64.StdEncoding.DecodeString(string(wrapped)); err != nil {
				return "", nil, nil, fmt.Errorf("%w: embedded key encoding: %v", ErrDecryptionFailed, err)
			}
		}
		if c.kek == nil {
			return "", nil, nil, fmt.Errorf("%w: message embeds a wrapped key but no key-encrypting key is configured", ErrDecryptionFailed)
		}
		if key, err = c.kek.Unwrap(context.Background(), wrapped); err != nil {
			return "", nil, nil, fmt.Errorf("%w: embedded key: %v", ErrDecryptionFailed, err)
		}
	}
	if len(key) != info.keyLen {
		return "", nil, nil, fmt.Errorf("%w: resolved key does not fit %q", ErrDecryptionFailed, alg)
	}
	if info.ivLen > 0 && len(iv) != info.ivLen {
		return "", nil, nil, fmt.Errorf("%w: resolved IV does not fit %q", ErrDecryptionFailed, alg)
	}
	return alg, key, iv, nil
}

// decryptWithHeader resolves the effective key, IV, and algorithm from
// header overrides, falling back to this cipher's own material.
func (c *Cipher) decryptWithHeader(h *Header, rest []byte) ([]byte, error) {
	if h.CipherVersion != 0 && h.CipherVersion != c.version {
		return nil, fmt.Errorf("%w: header names version %d, cipher is version %d", ErrUnknownCipherVersion, h.CipherVersion, c.version)
	}
	alg, key, iv, err := c.resolveMaterial(h)
	if err != nil {
		return nil, err
	}

	plain, err := decryptBytes(alg, key, iv, rest)
	if err != nil {
		return nil, err
	}
	if h.Compressed {
		return decompressBytes(plain)
	}
	return plain, nil
}

// TryDecrypt is the one lenient path: decryption failures yield an absent
// value instead of an error. Useful when scanning mixed plaintext and
// ciphertext data.
func (c *Cipher) TryDecrypt(ciphertext []byte) ([]byte, error) {
	plain, err := c.Decrypt(ciphertext)
	if errors.Is(err, ErrDecryptionFailed) {
		return nil, nil
	}
	return plain, err
}

// EncryptText encrypts a string and applies the configured text encoding to
// the full ciphertext, header included. Without a fixed IV a per-message
// random IV is embedded.
func (c *Cipher) EncryptText(s string) (string, error) {
	info, err := c.algorithm.info()
	if err != nil {
		return "", err
	}
	raw, err := c.Encrypt([]byte(s), EncryptOptions{
		AddHeader: c.alwaysAddHeader,
		RandomIV:  info.ivLen > 0 && len(c.iv) == 0,
	})
	if err != nil {
		return "", err
	}
	return c.encoding.Encode(raw)
}

// DecryptText reverses EncryptText.
func (c *Cipher) DecryptText(s string) (string, error) {
	raw, err := c.encoding.Decode(s)
	if err != nil {
		return "", err
	}
	plain, err := c.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// TryDecryptText is the string form of TryDecrypt; ok is false when the
// input did not decrypt.
func (c *Cipher) TryDecryptText(s string) (value string, ok bool, err error) {
	raw, err := c.encoding.Decode(s)
	if errors.Is(err, ErrDecryptionFailed) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	plain, err := c.Decrypt(raw)
	if errors.Is(err, ErrDecryptionFailed) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(plain), true, nil
}
