package keystore

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Memory retains the wrapped DEK inside the configuration blob itself, for
// test and bootstrap use.
type Memory struct {
	wrapped []byte
}

// NewMemory creates a memory keystore seeded with wrapped DEK bytes.
func NewMemory(wrapped []byte) *Memory {
	return &Memory{wrapped: append([]byte(nil), wrapped...)}
}

// NewMemoryBase64 creates a memory keystore from the base64 form stored in
// config.
func NewMemoryBase64(encoded string) (*Memory, error) {
	wrapped, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: inline key is not valid base64: %v", ErrKeystore, err)
	}
	return &Memory{wrapped: wrapped}, nil
}

// Read returns the wrapped DEK.
func (m *Memory) Read() ([]byte, error) {
	if len(m.wrapped) == 0 {
		return nil, fmt.Errorf("%w: memory keystore is empty", ErrKeystore)
	}
	return append([]byte(nil), m.wrapped...), nil
}

// Write replaces the wrapped DEK.
func (m *Memory) Write(wrapped []byte) error {
	m.wrapped = append(m.wrapped[:0], wrapped...)
	return nil
}

// Base64 returns the wrapped DEK in the form stored in config.
func (m *Memory) Base64() string {
	return base64.StdEncoding.EncodeToString(m.wrapped)
}
