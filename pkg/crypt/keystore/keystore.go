// Package keystore persists wrapped data-encryption keys. All variants store
// only the KEK-wrapped form; clear DEK bytes exist solely in the return value
// of GenerateDEK and in the loaded cipher.
package keystore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/guided-traffic/symcrypt/pkg/crypt/keyencryption"
)

var (
	// ErrKeystore indicates an I/O, permission, or persistence failure for
	// the wrapped DEK.
	ErrKeystore = errors.New("keystore failure")

	// ErrInsecurePermissions indicates a key file with group or world
	// permission bits set.
	ErrInsecurePermissions = errors.New("insecure key file permissions")
)

// Keystore reads and writes the wrapped DEK bytes for one cipher entry.
type Keystore interface {
	// Read returns the wrapped DEK.
	Read() ([]byte, error)

	// Write atomically replaces the wrapped DEK.
	Write(wrapped []byte) error
}

// GenerateDEK creates a fresh DEK of size bytes, wraps it with the supplied
// KEK, persists the wrapped form, and returns both so the caller can update
// its registry.
func GenerateDEK(ctx context.Context, ks Keystore, kek keyencryption.KeyWrapper, size int) (wrapped, clear []byte, err error) {
	clear = make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, clear); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to generate DEK: %v", ErrKeystore, err)
	}
	wrapped, err = kek.Wrap(ctx, clear)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to wrap DEK: %w", err)
	}
	if err := ks.Write(wrapped); err != nil {
		return nil, nil, err
	}
	return wrapped, clear, nil
}
