package keystore

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// keyFileMode is the permission set written for key files: owner read-only.
// Read rejects any file with group or world permission bits set.
const keyFileMode = os.FileMode(0o400)

// File persists the wrapped DEK in a single file that must be owner
// read-only. Replacement is atomic: write to a temporary sibling, fix
// permissions, rename over the destination.
type File struct {
	path   string
	logger *logrus.Entry
}

// NewFile creates a file keystore for path.
func NewFile(path string) *File {
	return &File{
		path:   path,
		logger: logrus.WithFields(logrus.Fields{"component": "file_keystore", "path": path}),
	}
}

// Read returns the wrapped DEK after verifying file permissions.
func (f *File) Read() ([]byte, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrKeystore, f.path, err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s is mode %04o, want %04o", ErrInsecurePermissions, f.path, info.Mode().Perm(), keyFileMode)
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrKeystore, f.path, err)
	}
	return data, nil
}

// Write atomically replaces the wrapped DEK on disk.
func (f *File) Write(wrapped []byte) error {
	tmp := fmt.Sprintf("%s.%s.tmp", f.path, uuid.NewString())
	if err := os.WriteFile(tmp, wrapped, keyFileMode); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrKeystore, tmp, err)
	}
	// WriteFile honors umask; force the final mode before the rename.
	if err := os.Chmod(tmp, keyFileMode); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: chmod %s: %v", ErrKeystore, tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", ErrKeystore, f.path, err)
	}
	f.logger.Debug("Replaced wrapped DEK file")
	return nil
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}
