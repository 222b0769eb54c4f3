// Package keyencryption wraps and unwraps data-encryption keys under a
// long-lived key-encrypting key. Implementations cover a local RSA keypair
// and AWS KMS.
package keyencryption

import (
	"context"
	"errors"
)

// ErrKeyUnwrap indicates the KEK could not decrypt a wrapped DEK, whether
// from a size mismatch or a cryptographic failure.
var ErrKeyUnwrap = errors.New("key unwrap failed")

// KeyWrapper encrypts and decrypts raw DEK bytes under a key-encrypting key.
type KeyWrapper interface {
	// Wrap encrypts raw DEK bytes under the KEK.
	Wrap(ctx context.Context, dek []byte) ([]byte, error)

	// Unwrap decrypts a wrapped DEK. Fails with ErrKeyUnwrap on size
	// mismatch or cryptographic failure.
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)

	// Name returns a short unique name for this wrapper type.
	Name() string

	// Fingerprint returns a stable identifier for the underlying KEK.
	Fingerprint() string
}
