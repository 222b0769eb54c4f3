package keystore

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Env reads the wrapped DEK from a named environment variable holding its
// base64 form. Writing sets the variable in the current process and logs the
// export line the operator must persist externally.
type Env struct {
	name   string
	logger *logrus.Entry
}

// NewEnv creates an environment keystore for the named variable.
func NewEnv(name string) *Env {
	return &Env{
		name:   name,
		logger: logrus.WithFields(logrus.Fields{"component": "env_keystore", "var": name}),
	}
}

// Read returns the wrapped DEK decoded from the environment variable.
func (e *Env) Read() ([]byte, error) {
	value := os.Getenv(e.name)
	if value == "" {
		return nil, fmt.Errorf("%w: environment variable %s is not set", ErrKeystore, e.name)
	}
	wrapped, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid base64: %v", ErrKeystore, e.name, err)
	}
	return wrapped, nil
}

// Write sets the variable for this process and surfaces the export line for
// the operator; the environment itself cannot be persisted from here.
func (e *Env) Write(wrapped []byte) error {
	encoded := base64.StdEncoding.EncodeToString(wrapped)
	if err := os.Setenv(e.name, encoded); err != nil {
		return fmt.Errorf("%w: setenv %s: %v", ErrKeystore, e.name, err)
	}
	e.logger.WithField("export", fmt.Sprintf("export %s=%q", e.name, encoded)).
		Info("Wrapped DEK updated; persist the export line in the deployment environment")
	return nil
}

// Name returns the environment variable name.
func (e *Env) Name() string {
	return e.name
}
