package crypt

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// compressBytes deflates data for single-shot compressed messages.
// Compression always happens before encryption.
func compressBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("%w: compress: %v", ErrEncryptionFailed, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: compress: %v", ErrEncryptionFailed, err)
	}
	return buf.Bytes(), nil
}

// decompressBytes inflates a decrypted payload whose header carried the
// compressed flag.
func decompressBytes(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrDecryptionFailed, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrDecryptionFailed, err)
	}
	return out, nil
}
