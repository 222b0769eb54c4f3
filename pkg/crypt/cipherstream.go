package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// cryptor is the incremental update/final contract shared by the single-shot
// cipher path and the streaming Reader/Writer. update may return fewer bytes
// than it consumed while a partial block is buffered; final emits whatever
// remains, including padding for block modes.
type cryptor interface {
	update(p []byte) []byte
	final() ([]byte, error)
}

func newEncryptor(alg Algorithm, key, iv []byte) (cryptor, error) {
	info, err := alg.info()
	if err != nil {
		return nil, err
	}
	if err := checkKeyIV(alg, info, key, iv); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	switch info.mode {
	case modeCBC:
		return &cbcEncryptor{mode: cipher.NewCBCEncrypter(block, iv), bs: block.BlockSize()}, nil
	case modeCTR:
		return &ctrCryptor{stream: cipher.NewCTR(block, iv)}, nil
	default:
		return nil, fmt.Errorf("%w: %q cannot be processed incrementally", ErrConfig, alg)
	}
}

func newDecryptor(alg Algorithm, key, iv []byte) (cryptor, error) {
	info, err := alg.info()
	if err != nil {
		return nil, err
	}
	if err := checkKeyIV(alg, info, key, iv); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	switch info.mode {
	case modeCBC:
		return &cbcDecryptor{mode: cipher.NewCBCDecrypter(block, iv), bs: block.BlockSize()}, nil
	case modeCTR:
		return &ctrCryptor{stream: cipher.NewCTR(block, iv)}, nil
	default:
		return nil, fmt.Errorf("%w: %q cannot be processed incrementally", ErrConfig, alg)
	}
}

func checkKeyIV(alg Algorithm, info algorithmInfo, key, iv []byte) error {
	if len(key) != info.keyLen {
		return fmt.Errorf("%w: %q requires a %d-byte key, got %d", ErrConfig, alg, info.keyLen, len(key))
	}
	if len(iv) != info.ivLen {
		return fmt.Errorf("%w: %q requires a %d-byte IV, got %d", ErrConfig, alg, info.ivLen, len(iv))
	}
	return nil
}

// cbcEncryptor buffers input to block boundaries and applies PKCS#7 padding
// at final. A full padding block is emitted for block-aligned input.
type cbcEncryptor struct {
	mode cipher.BlockMode
	bs   int
	buf  []byte
}

func (e *cbcEncryptor) update(p []byte) []byte {
	e.buf = append(e.buf, p...)
	n := len(e.buf) / e.bs * e.bs
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	e.mode.CryptBlocks(out, e.buf[:n])
	e.buf = append(e.buf[:0], e.buf[n:]...)
	return out
}

func (e *cbcEncryptor) final() ([]byte, error) {
	pad := e.bs - len(e.buf)%e.bs
	for i := 0; i < pad; i++ {
		e.buf = append(e.buf, byte(pad))
	}
	out := make([]byte, len(e.buf))
	e.mode.CryptBlocks(out, e.buf)
	e.buf = nil
	return out, nil
}

// cbcDecryptor holds the most recently decrypted block back until more input
// arrives, so that final can strip the padding from the true last block.
type cbcDecryptor struct {
	mode cipher.BlockMode
	bs   int
	in   []byte
	tail []byte
}

func (d *cbcDecryptor) update(p []byte) []byte {
	d.in = append(d.in, p...)
	n := len(d.in) / d.bs * d.bs
	if n == 0 {
		return nil
	}
	dec := make([]byte, n)
	d.mode.CryptBlocks(dec, d.in[:n])
	d.in = append(d.in[:0], d.in[n:]...)

	out := make([]byte, 0, len(d.tail)+n-d.bs)
	out = append(out, d.tail...)
	out = append(out, dec[:n-d.bs]...)
	d.tail = dec[n-d.bs:]
	return out
}

func (d *cbcDecryptor) final() ([]byte, error) {
	if len(d.in) != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not block-aligned", ErrDecryptionFailed)
	}
	if len(d.tail) == 0 {
		return nil, nil
	}
	out, err := pkcs7Unpad(d.tail, d.bs)
	d.tail = nil
	return out, err
}

// ctrCryptor is a keystream XOR; encryption and decryption are identical and
// need no finalization.
type ctrCryptor struct {
	stream cipher.Stream
}

func (c *ctrCryptor) update(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	out := make([]byte, len(p))
	c.stream.XORKeyStream(out, p)
	return out
}

func (c *ctrCryptor) final() ([]byte, error) {
	return nil, nil
}

func pkcs7Unpad(b []byte, bs int) ([]byte, error) {
	if len(b) == 0 || len(b)%bs != 0 {
		return nil, fmt.Errorf("%w: invalid padded length", ErrDecryptionFailed)
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > bs {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryptionFailed)
	}
	for _, c := range b[len(b)-pad:] {
		if int(c) != pad {
			return nil, fmt.Errorf("%w: invalid padding", ErrDecryptionFailed)
		}
	}
	return b[:len(b)-pad], nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("%w: entropy source: %v", ErrEncryptionFailed, err)
	}
	return b, nil
}

// encryptBytes runs the full single-shot encryption of data under alg.
func encryptBytes(alg Algorithm, key, iv, data []byte) ([]byte, error) {
	info, err := alg.info()
	if err != nil {
		return nil, err
	}
	if info.mode == modeAEAD {
		if err := checkKeyIV(alg, info, key, iv); err != nil {
			return nil, err
		}
		aead, err := newAEAD(alg, key)
		if err != nil {
			return nil, err
		}
		return aead.Seal(nil, iv, data, nil), nil
	}
	enc, err := newEncryptor(alg, key, iv)
	if err != nil {
		return nil, err
	}
	out := enc.update(data)
	fin, err := enc.final()
	if err != nil {
		return nil, err
	}
	return append(out, fin...), nil
}

// decryptBytes runs the full single-shot decryption of data under alg.
func decryptBytes(alg Algorithm, key, iv, data []byte) ([]byte, error) {
	info, err := alg.info()
	if err != nil {
		return nil, err
	}
	if info.mode == modeAEAD {
		if err := checkKeyIV(alg, info, key, iv); err != nil {
			return nil, err
		}
		aead, err := newAEAD(alg, key)
		if err != nil {
			return nil, err
		}
		plain, err := aead.Open(nil, iv, data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		return plain, nil
	}
	dec, err := newDecryptor(alg, key, iv)
	if err != nil {
		return nil, err
	}
	out := dec.update(data)
	fin, err := dec.final()
	if err != nil {
		return nil, err
	}
	return append(out, fin...), nil
}
