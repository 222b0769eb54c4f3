package crypt

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/sirupsen/logrus"
)

// WriterOptions configure a streaming encryption sink.
type WriterOptions struct {
	// Version selects the cipher; 0 means the registry primary.
	Version uint8

	// Algorithm overrides the cipher algorithm. Valid only with RandomKey
	// and RandomIV; recorded in the header.
	Algorithm Algorithm

	// Header forces the self-describing prefix on or off. Nil selects
	// automatic behavior: on when the cipher always adds headers or when
	// any of Compress, RandomIV, RandomKey is set.
	Header *bool

	// RandomKey generates a fresh per-stream DEK wrapped into the header.
	RandomKey bool

	// RandomIV generates a fresh per-stream IV embedded in the header.
	RandomIV bool

	// Compress inserts a compression stage between writes and the cipher;
	// compression happens before encryption.
	Compress bool

	// LeaveOpen prevents Close from closing the underlying sink.
	LeaveOpen bool
}

// Writer is a streaming encryption sink. Bytes written are optionally
// compressed, then fed through the cipher, and forwarded to the underlying
// sink in order. Not safe for concurrent use.
type Writer struct {
	sink      io.Writer
	enc       cryptor
	top       io.Writer // compression stage or the cipher stage
	zw        *zlib.Writer
	algorithm Algorithm
	size      int64
	closed    bool
	leaveOpen bool
	logger    *logrus.Entry
}

// NewWriter resolves a cipher from the registry, emits the header if
// applicable, and returns a Writer wired to sink.
func NewWriter(sink io.Writer, reg *Registry, opts WriterOptions) (*Writer, error) {
	if opts.RandomKey && !opts.RandomIV {
		return nil, fmt.Errorf("%w: random per-stream key requires a random IV", ErrConfig)
	}
	if opts.Algorithm != "" && !(opts.RandomKey && opts.RandomIV) {
		return nil, fmt.Errorf("%w: algorithm override requires random key and IV", ErrConfig)
	}

	c := reg.Primary()
	if opts.Version != 0 {
		var err error
		if c, err = reg.ByVersion(opts.Version); err != nil {
			return nil, err
		}
	}

	alg := c.algorithm
	if opts.Algorithm != "" {
		alg = opts.Algorithm
	}
	info, err := alg.info()
	if err != nil {
		return nil, err
	}
	if !alg.Streamable() {
		return nil, fmt.Errorf("%w: %q cannot be streamed", ErrConfig, alg)
	}

	addHeader := c.alwaysAddHeader || opts.Compress || opts.RandomIV || opts.RandomKey
	if opts.Header != nil {
		if !*opts.Header && (opts.Compress || opts.RandomIV || opts.RandomKey) {
			return nil, fmt.Errorf("%w: compress and per-stream key/IV require a header", ErrConfig)
		}
		addHeader = *opts.Header
	}

	key, iv := c.key, c.iv
	var wrappedKey []byte
	if opts.RandomKey {
		if c.kek == nil {
			return nil, fmt.Errorf("%w: random per-stream key requires a key-encrypting key", ErrConfig)
		}
		if key, err = randomBytes(info.keyLen); err != nil {
			return nil, err
		}
		if wrappedKey, err = c.kek.Wrap(context.Background(), key); err != nil {
			return nil, fmt.Errorf("%w: wrap stream key: %v", ErrEncryptionFailed, err)
		}
	}
	if opts.RandomIV {
		if iv, err = randomBytes(info.ivLen); err != nil {
			return nil, err
		}
	} else if len(iv) != info.ivLen {
		return nil, fmt.Errorf("%w: %q needs a fixed IV or a per-stream random IV", ErrConfig, alg)
	}

	if addHeader {
		h := &Header{CipherVersion: c.version, Compressed: opts.Compress}
		if opts.RandomIV {
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
		if _, err := sink.Write(hb); err != nil {
			return nil, fmt.Errorf("%w: write header: %v", ErrEncryptionFailed, err)
		}
	}

	enc, err := newEncryptor(alg, key, iv)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		sink:      sink,
		enc:       enc,
		algorithm: alg,
		leaveOpen: opts.LeaveOpen,
		logger: logrus.WithFields(logrus.Fields{
			"component": "stream_writer",
			"version":   c.version,
			"algorithm": alg,
		}),
	}
	w.top = &cipherSink{sink: sink, enc: enc}
	if opts.Compress {
		w.zw = zlib.NewWriter(w.top)
		w.top = w.zw
	}
	w.logger.WithFields(logrus.Fields{
		"header":     addHeader,
		"compress":   opts.Compress,
		"random_key": opts.RandomKey,
		"random_iv":  opts.RandomIV,
	}).Debug("Opened encryption stream")
	return w, nil
}

// cipherSink feeds written bytes through the cipher's update and forwards
// whatever it produces.
type cipherSink struct {
	sink io.Writer
	enc  cryptor
}

func (cs *cipherSink) Write(p []byte) (int, error) {
	out := cs.enc.update(p)
	if len(out) > 0 {
		if _, err := cs.sink.Write(out); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Write accepts plaintext. The returned count is input bytes accepted, not
// ciphertext produced.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrStreamClosed
	}
	n, err := w.top.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return n, nil
}

// Size returns the number of uncompressed plaintext bytes accepted so far.
func (w *Writer) Size() int64 {
	return w.size
}

// Flush flushes the underlying sink if it supports flushing. Cipher state is
// not flushed; block finalization only happens at Close.
func (w *Writer) Flush() error {
	if w.closed {
		return ErrStreamClosed
	}
	if f, ok := w.sink.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Close finalizes the cipher, emits the final block, and closes the sink
// unless LeaveOpen was set. Further writes fail with ErrStreamClosed.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return fmt.Errorf("%w: finish compression: %v", ErrEncryptionFailed, err)
		}
	}
	fin, err := w.enc.final()
	if err != nil {
		return err
	}
	if len(fin) > 0 {
		if _, err := w.sink.Write(fin); err != nil {
			return fmt.Errorf("%w: write final block: %v", ErrEncryptionFailed, err)
		}
	}
	BytesProcessed.WithLabelValues("encrypt").Add(float64(w.size))
	w.logger.WithField("bytes", w.size).Debug("Closed encryption stream")

	if !w.leaveOpen {
		if c, ok := w.sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				return fmt.Errorf("%w: close sink: %v", ErrEncryptionFailed, err)
			}
		}
	}
	return nil
}

// WithWriter runs fn with a Writer and guarantees Close on all exit paths.
// A Close failure is surfaced unless fn already failed.
func WithWriter(sink io.Writer, reg *Registry, opts WriterOptions, fn func(*Writer) error) error {
	w, err := NewWriter(sink, reg, opts)
	if err != nil {
		return err
	}
	err = fn(w)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}
