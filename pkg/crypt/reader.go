package crypt

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/sirupsen/logrus"
)

const readerChunkSize = 32 * 1024

// ReaderOptions configure a streaming decryption source.
type ReaderOptions struct {
	// Version is the cipher assumed for headerless streams, and the
	// fallback when a header does not name one. 0 means the primary.
	Version uint8
}

// LineOptions configure EachLine.
type LineOptions struct {
	// Separator defaults to "\n".
	Separator string

	// Strip removes the separator from yielded lines.
	Strip bool
}

// Reader is a streaming decryption source. Construction sniffs the header
// when the stream starts with the magic; otherwise the stream is assumed
// headerless under the caller-specified version. Not safe for concurrent
// use.
type Reader struct {
	src    io.Reader
	out    io.Reader
	closed bool
	logger *logrus.Entry
}

// NewReader resolves the producing cipher and builds the decryption
// pipeline: source, cipher, then decompression when the header says so.
func NewReader(src io.Reader, reg *Registry, opts ReaderOptions) (*Reader, error) {
	var h *Header
	var pending []byte

	magic := make([]byte, len(Magic))
	n, err := io.ReadFull(src, magic)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		pending = magic[:n]
	case err != nil:
		return nil, fmt.Errorf("%w: read stream: %v", ErrDecryptionFailed, err)
	case string(magic) == Magic:
		if h, err = readHeaderBody(src); err != nil {
			return nil, err
		}
	default:
		pending = magic
	}

	c := reg.Primary()
	if h != nil && h.CipherVersion != 0 {
		if c, err = reg.ByVersion(h.CipherVersion); err != nil {
			return nil, err
		}
	} else if opts.Version != 0 {
		if c, err = reg.ByVersion(opts.Version); err != nil {
			return nil, err
		}
	}

	alg, key, iv := c.algorithm, c.key, c.iv
	if h != nil {
		if alg, key, iv, err = c.resolveMaterial(h); err != nil {
			return nil, err
		}
	}
	if !alg.Streamable() {
		return nil, fmt.Errorf("%w: %q cannot be streamed", ErrConfig, alg)
	}
	dec, err := newDecryptor(alg, key, iv)
	if err != nil {
		return nil, err
	}

	source := src
	if len(pending) > 0 {
		source = io.MultiReader(bytes.NewReader(pending), src)
	}
	r := &Reader{
		src: src,
		out: &decryptingReader{src: source, dec: dec, chunk: make([]byte, readerChunkSize)},
		logger: logrus.WithFields(logrus.Fields{
			"component": "stream_reader",
			"version":   c.version,
			"algorithm": alg,
		}),
	}
	if h != nil && h.Compressed {
		zr, err := zlib.NewReader(r.out)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrDecryptionFailed, err)
		}
		r.out = zr
	}
	r.logger.WithField("header", h != nil).Debug("Opened decryption stream")
	return r, nil
}

// Read returns up to len(p) plaintext bytes. After the source reaches EOF
// the cipher is finalized once; subsequent reads return io.EOF.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrStreamClosed
	}
	n, err := r.out.Read(p)
	if n > 0 {
		BytesProcessed.WithLabelValues("decrypt").Add(float64(n))
	}
	return n, err
}

// EachLine yields decrypted lines lazily. Separator bytes are preserved
// unless Strip is set; a trailing line without a separator is still yielded.
func (r *Reader) EachLine(opts LineOptions, fn func(line []byte) error) error {
	sep := []byte(opts.Separator)
	if len(sep) == 0 {
		sep = []byte("\n")
	}

	var buf []byte
	chunk := make([]byte, readerChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				i := bytes.Index(buf, sep)
				if i < 0 {
					break
				}
				line := buf[:i+len(sep)]
				if opts.Strip {
					line = line[:i]
				}
				if err := fn(line); err != nil {
					return err
				}
				buf = buf[i+len(sep):]
			}
		}
		if err == io.EOF {
			if len(buf) > 0 {
				return fn(buf)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Close marks the reader closed and closes the underlying source when it is
// a Closer.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// decryptingReader pulls ciphertext from src, feeds it through the cipher,
// and serves plaintext. The cipher is finalized exactly once at source EOF.
type decryptingReader struct {
	src   io.Reader
	dec   cryptor
	chunk []byte
	buf   []byte
	done  bool
}

func (d *decryptingReader) Read(p []byte) (int, error) {
	for len(d.buf) == 0 && !d.done {
		n, err := d.src.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.dec.update(d.chunk[:n])...)
		}
		if err == io.EOF {
			fin, ferr := d.dec.final()
			if ferr != nil {
				return 0, ferr
			}
			d.buf = append(d.buf, fin...)
			d.done = true
		} else if err != nil {
			return 0, fmt.Errorf("%w: read source: %v", ErrDecryptionFailed, err)
		}
	}
	if len(d.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}
