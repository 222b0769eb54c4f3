package crypt

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, ciphers ...*Cipher) *Registry {
	t.Helper()
	reg, err := NewRegistry(ciphers)
	require.NoError(t, err)
	return reg
}

func TestStreamRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, newTestCipher(t, 1, AES256CBC, true, nil))
	plaintext := bytes.Repeat([]byte("stream me around the block boundary "), 1000)

	chunkings := []int{1, 7, 16, 1024, len(plaintext)}
	for _, chunk := range chunkings {
		var sink bytes.Buffer
		w, err := NewWriter(&sink, reg, WriterOptions{})
		require.NoError(t, err)

		for off := 0; off < len(plaintext); off += chunk {
			end := off + chunk
			if end > len(plaintext) {
				end = len(plaintext)
			}
			n, err := w.Write(plaintext[off:end])
			require.NoError(t, err)
			assert.Equal(t, end-off, n)
		}
		require.NoError(t, w.Close())
		assert.Equal(t, int64(len(plaintext)), w.Size())

		r, err := NewReader(bytes.NewReader(sink.Bytes()), reg, ReaderOptions{})
		require.NoError(t, err)
		decrypted, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestStreamCompressedRandomKey(t *testing.T) {
	reg := newTestRegistry(t, newTestCipher(t, 1, AES256CBC, true, testKEK(t)))
	plaintext := make([]byte, 10*1024*1024) // zeros compress very well

	var sink bytes.Buffer
	err := WithWriter(&sink, reg, WriterOptions{Compress: true, RandomKey: true, RandomIV: true}, func(w *Writer) error {
		_, err := w.Write(plaintext)
		return err
	})
	require.NoError(t, err)
	assert.Less(t, sink.Len(), len(plaintext)/100)

	r, err := NewReader(bytes.NewReader(sink.Bytes()), reg, ReaderOptions{})
	require.NoError(t, err)
	decrypted, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestStreamCTR(t *testing.T) {
	reg := newTestRegistry(t, newTestCipher(t, 1, AES256CTR, true, nil))
	plaintext := []byte("counter mode needs no padding")

	var sink bytes.Buffer
	err := WithWriter(&sink, reg, WriterOptions{RandomIV: true}, func(w *Writer) error {
		_, err := w.Write(plaintext)
		return err
	})
	require.NoError(t, err)

	r, err := NewReader(bytes.NewReader(sink.Bytes()), reg, ReaderOptions{})
	require.NoError(t, err)
	decrypted, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestWriterConstructorRejections(t *testing.T) {
	reg := newTestRegistry(t, newTestCipher(t, 1, AES256CBC, true, testKEK(t)))
	var sink bytes.Buffer

	_, err := NewWriter(&sink, reg, WriterOptions{RandomKey: true})
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewWriter(&sink, reg, WriterOptions{Algorithm: AES256CTR})
	assert.ErrorIs(t, err, ErrConfig)

	off := false
	_, err = NewWriter(&sink, reg, WriterOptions{Header: &off, Compress: true})
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewWriter(&sink, reg, WriterOptions{RandomKey: true, RandomIV: true, Algorithm: AES256GCM})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestWriterClosedWrites(t *testing.T) {
	reg := newTestRegistry(t, newTestCipher(t, 1, AES256CBC, true, nil))
	var sink bytes.Buffer

	w, err := NewWriter(&sink, reg, WriterOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("before close"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("after close"))
	assert.ErrorIs(t, err, ErrStreamClosed)
	require.NoError(t, w.Close())
}

func TestWriterHeaderOff(t *testing.T) {
	// Forcing the header off commits the caller to the fixed (key, IV) pair.
	c := newTestCipher(t, 1, AES256CBC, true, nil)
	reg := newTestRegistry(t, c)

	var sink bytes.Buffer
	off := false
	err := WithWriter(&sink, reg, WriterOptions{Header: &off}, func(w *Writer) error {
		_, err := w.Write([]byte("bare ciphertext"))
		return err
	})
	require.NoError(t, err)
	assert.False(t, HasHeader(sink.Bytes()))

	decrypted, err := c.Decrypt(sink.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []byte("bare ciphertext"), decrypted)
}

func TestWriterAlgorithmOverride(t *testing.T) {
	reg := newTestRegistry(t, newTestCipher(t, 1, AES256CBC, true, testKEK(t)))

	var sink bytes.Buffer
	err := WithWriter(&sink, reg, WriterOptions{RandomKey: true, RandomIV: true, Algorithm: AES256CTR}, func(w *Writer) error {
		_, err := w.Write([]byte("override stream"))
		return err
	})
	require.NoError(t, err)

	h, _, err := ParseHeader(sink.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "aes-256-ctr", h.CipherName)

	r, err := NewReader(bytes.NewReader(sink.Bytes()), reg, ReaderOptions{})
	require.NoError(t, err)
	decrypted, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("override stream"), decrypted)
}

func TestReaderHeaderlessStream(t *testing.T) {
	c := newTestCipher(t, 3, AES256CBC, true, nil)
	reg := newTestRegistry(t, newTestCipher(t, 1, AES256CBC, true, nil), c)

	raw, err := c.Encrypt([]byte("no framing at all"), EncryptOptions{})
	require.NoError(t, err)

	r, err := NewReader(bytes.NewReader(raw), reg, ReaderOptions{Version: 3})
	require.NoError(t, err)
	decrypted, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("no framing at all"), decrypted)
}

func TestReaderShortStream(t *testing.T) {
	// Shorter than the magic itself: treated as headerless ciphertext.
	reg := newTestRegistry(t, newTestCipher(t, 1, AES256CBC, true, nil))

	r, err := NewReader(bytes.NewReader([]byte{0x01, 0x02}), reg, ReaderOptions{})
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestReaderClosed(t *testing.T) {
	reg := newTestRegistry(t, newTestCipher(t, 1, AES256CBC, true, nil))

	var sink bytes.Buffer
	require.NoError(t, WithWriter(&sink, reg, WriterOptions{}, func(w *Writer) error {
		_, err := w.Write([]byte("x"))
		return err
	}))

	r, err := NewReader(bytes.NewReader(sink.Bytes()), reg, ReaderOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestReaderEachLine(t *testing.T) {
	reg := newTestRegistry(t, newTestCipher(t, 1, AES256CBC, true, nil))
	content := "first line\nsecond line\nlast without newline"

	var sink bytes.Buffer
	require.NoError(t, WithWriter(&sink, reg, WriterOptions{Compress: true}, func(w *Writer) error {
		_, err := io.WriteString(w, content)
		return err
	}))

	t.Run("separators preserved", func(t *testing.T) {
		r, err := NewReader(bytes.NewReader(sink.Bytes()), reg, ReaderOptions{})
		require.NoError(t, err)

		var lines []string
		require.NoError(t, r.EachLine(LineOptions{}, func(line []byte) error {
			lines = append(lines, string(line))
			return nil
		}))
		assert.Equal(t, []string{"first line\n", "second line\n", "last without newline"}, lines)
	})

	t.Run("stripped", func(t *testing.T) {
		r, err := NewReader(bytes.NewReader(sink.Bytes()), reg, ReaderOptions{})
		require.NoError(t, err)

		var lines []string
		require.NoError(t, r.EachLine(LineOptions{Strip: true}, func(line []byte) error {
			lines = append(lines, string(line))
			return nil
		}))
		assert.Equal(t, []string{"first line", "second line", "last without newline"}, lines)
	})

	t.Run("custom separator", func(t *testing.T) {
		var csvSink bytes.Buffer
		require.NoError(t, WithWriter(&csvSink, reg, WriterOptions{}, func(w *Writer) error {
			_, err := io.WriteString(w, "a;b;c")
			return err
		}))

		r, err := NewReader(bytes.NewReader(csvSink.Bytes()), reg, ReaderOptions{})
		require.NoError(t, err)

		var fields []string
		require.NoError(t, r.EachLine(LineOptions{Separator: ";", Strip: true}, func(line []byte) error {
			fields = append(fields, string(line))
			return nil
		}))
		assert.Equal(t, []string{"a", "b", "c"}, fields)
	})
}

func TestWriterFlushesSink(t *testing.T) {
	reg := newTestRegistry(t, newTestCipher(t, 1, AES256CBC, true, nil))

	sink := &flushRecorder{}
	w, err := NewWriter(sink, reg, WriterOptions{LeaveOpen: true})
	require.NoError(t, err)
	_, err = w.Write([]byte("some data"))
	require.NoError(t, err)

	require.NoError(t, w.Flush())
	assert.Equal(t, 1, sink.flushes)
	require.NoError(t, w.Close())
}

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() error {
	f.flushes++
	return nil
}
