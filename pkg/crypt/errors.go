package crypt

import "errors"

// Error kinds surfaced by this package. Callers discriminate with errors.Is;
// wrapped causes carry the underlying detail.
var (
	// ErrConfig indicates missing or invalid cipher configuration.
	ErrConfig = errors.New("invalid cipher configuration")

	// ErrUnknownCipherVersion indicates a referenced cipher version is not
	// present in the registry.
	ErrUnknownCipherVersion = errors.New("unknown cipher version")

	// ErrMalformedHeader indicates a magic mismatch, truncation, or a
	// flag/length inconsistency while decoding a header.
	ErrMalformedHeader = errors.New("malformed header")

	// ErrDecryptionFailed indicates a padding, authentication, or cipher
	// error during decryption.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrEncryptionFailed indicates the underlying cipher rejected input.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrStreamClosed indicates an operation on a closed Reader or Writer.
	ErrStreamClosed = errors.New("stream closed")
)
