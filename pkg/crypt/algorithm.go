package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm identifies a symmetric cipher algorithm and mode.
type Algorithm string

const (
	AES128CBC        Algorithm = "aes-128-cbc"
	AES192CBC        Algorithm = "aes-192-cbc"
	AES256CBC        Algorithm = "aes-256-cbc"
	AES256CTR        Algorithm = "aes-256-ctr"
	AES256GCM        Algorithm = "aes-256-gcm"
	ChaCha20Poly1305 Algorithm = "chacha20-poly1305"

	// DefaultAlgorithm is used when a cipher entry does not name one.
	DefaultAlgorithm = AES256CBC
)

type cipherMode int

const (
	modeCBC cipherMode = iota
	modeCTR
	modeAEAD
)

type algorithmInfo struct {
	keyLen int
	ivLen  int
	mode   cipherMode
}

var algorithms = map[Algorithm]algorithmInfo{
	AES128CBC:        {keyLen: 16, ivLen: aes.BlockSize, mode: modeCBC},
	AES192CBC:        {keyLen: 24, ivLen: aes.BlockSize, mode: modeCBC},
	AES256CBC:        {keyLen: 32, ivLen: aes.BlockSize, mode: modeCBC},
	AES256CTR:        {keyLen: 32, ivLen: aes.BlockSize, mode: modeCTR},
	AES256GCM:        {keyLen: 32, ivLen: 12, mode: modeAEAD},
	ChaCha20Poly1305: {keyLen: chacha20poly1305.KeySize, ivLen: chacha20poly1305.NonceSize, mode: modeAEAD},
}

func (a Algorithm) info() (algorithmInfo, error) {
	info, ok := algorithms[a]
	if !ok {
		return algorithmInfo{}, fmt.Errorf("%w: unsupported algorithm %q", ErrConfig, a)
	}
	return info, nil
}

// KeyLen returns the key size in bytes required by the algorithm.
func (a Algorithm) KeyLen() (int, error) {
	info, err := a.info()
	if err != nil {
		return 0, err
	}
	return info.keyLen, nil
}

// IVLen returns the IV (or nonce) size in bytes required by the algorithm.
func (a Algorithm) IVLen() (int, error) {
	info, err := a.info()
	if err != nil {
		return 0, err
	}
	return info.ivLen, nil
}

// Streamable reports whether the algorithm supports chunked update/final
// processing. AEAD modes seal a single message and cannot be finalized
// mid-stream.
func (a Algorithm) Streamable() bool {
	info, err := a.info()
	if err != nil {
		return false
	}
	return info.mode != modeAEAD
}

func newAEAD(a Algorithm, key []byte) (cipher.AEAD, error) {
	switch a {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
		}
		return aead, nil
	case ChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("%w: %q is not an AEAD algorithm", ErrConfig, a)
	}
}
