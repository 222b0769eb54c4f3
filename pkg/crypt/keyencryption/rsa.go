package keyencryption

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// Scheme selects the RSA wrap primitive. The selection is made at key
// generation time and recorded alongside the keystore entry.
type Scheme string

const (
	SchemeOAEP     Scheme = "oaep"
	SchemePKCS1v15 Scheme = "pkcs1v15"
)

// ParseScheme maps a config string onto a Scheme; empty selects OAEP.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case "":
		return SchemeOAEP, nil
	case SchemeOAEP, SchemePKCS1v15:
		return Scheme(s), nil
	default:
		return "", fmt.Errorf("unsupported key wrap scheme %q", s)
	}
}

// KeyEncryptingKey is an asymmetric keypair whose private half unwraps DEKs.
// Only the public half is needed to wrap, once per key generation.
type KeyEncryptingKey struct {
	private *rsa.PrivateKey
	scheme  Scheme
}

// Generate creates a fresh RSA KEK. Keys shorter than 2048 bits are rejected.
func Generate(bits int, scheme Scheme) (*KeyEncryptingKey, error) {
	if bits < 2048 {
		return nil, fmt.Errorf("RSA key size must be at least 2048 bits, got %d", bits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return &KeyEncryptingKey{private: key, scheme: scheme}, nil
}

// NewFromPEM builds a KEK from a PEM-encoded RSA private key (PKCS#1 or
// PKCS#8).
func NewFromPEM(privatePEM string, scheme Scheme) (*KeyEncryptingKey, error) {
	key, err := parseRSAPrivateKeyFromPEM(privatePEM)
	if err != nil {
		return nil, err
	}
	if size := key.N.BitLen(); size < 2048 {
		return nil, fmt.Errorf("RSA key size must be at least 2048 bits, got %d", size)
	}
	return &KeyEncryptingKey{private: key, scheme: scheme}, nil
}

// Wrap encrypts raw DEK bytes with the RSA public key.
func (k *KeyEncryptingKey) Wrap(_ context.Context, dek []byte) ([]byte, error) {
	var wrapped []byte
	var err error
	switch k.scheme {
	case SchemePKCS1v15:
		wrapped, err = rsa.EncryptPKCS1v15(rand.Reader, &k.private.PublicKey, dek)
	default:
		wrapped, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, &k.private.PublicKey, dek, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to wrap DEK: %w", err)
	}
	return wrapped, nil
}

// Unwrap decrypts a wrapped DEK with the RSA private key.
func (k *KeyEncryptingKey) Unwrap(_ context.Context, wrapped []byte) ([]byte, error) {
	if len(wrapped) != k.private.Size() {
		return nil, fmt.Errorf("%w: wrapped key is %d bytes, key modulus is %d", ErrKeyUnwrap, len(wrapped), k.private.Size())
	}
	var dek []byte
	var err error
	switch k.scheme {
	case SchemePKCS1v15:
		dek, err = rsa.DecryptPKCS1v15(rand.Reader, k.private, wrapped)
	default:
		dek, err = rsa.DecryptOAEP(sha256.New(), rand.Reader, k.private, wrapped, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
	}
	return dek, nil
}

// Name returns the short unique name for this wrapper type.
func (k *KeyEncryptingKey) Name() string {
	return "rsa"
}

// Scheme returns the wrap primitive selected at generation.
func (k *KeyEncryptingKey) Scheme() Scheme {
	return k.scheme
}

// Fingerprint returns a SHA-256 fingerprint of the RSA public key, allowing
// identification of the correct KEK during decryption.
func (k *KeyEncryptingKey) Fingerprint() string {
	keyData := append(k.private.PublicKey.N.Bytes(), byte(k.private.PublicKey.E))
	hash := sha256.Sum256(keyData)
	return hex.EncodeToString(hash[:])
}

// PrivatePEM serializes the private half in PKCS#1 PEM form.
func (k *KeyEncryptingKey) PrivatePEM() string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.private),
	}))
}

// PublicPEM serializes the public half in PKIX PEM form.
func (k *KeyEncryptingKey) PublicPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.private.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Destroy zeroes the private key material. The KEK is unusable afterwards.
func (k *KeyEncryptingKey) Destroy() {
	if k.private == nil {
		return
	}
	k.private.D.SetInt64(0)
	for _, p := range k.private.Primes {
		p.SetInt64(0)
	}
	k.private.Precomputed = rsa.PrecomputedValues{}
	k.private = nil
}

// parseRSAPrivateKeyFromPEM parses an RSA private key from PEM format
func parseRSAPrivateKeyFromPEM(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		// PKCS#1 format
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS1 private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		// PKCS#8 format
		keyInterface, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS8 private key: %w", err)
		}
		key, ok := keyInterface.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA private key")
		}
		return key, nil
	default:
		return nil, fmt.Errorf("invalid PEM block type: %s", block.Type)
	}
}
