// Package rotation inserts a fresh DEK+KEK pair into a cipher configuration
// list, at the head or, for rolling deploys, in slot 1. Older entries are left untouched so previously
// encrypted data stays decryptable; no ciphertext is re-encrypted here.
package rotation

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/symcrypt/pkg/crypt"
	"github.com/guided-traffic/symcrypt/pkg/crypt/keyencryption"
	"github.com/guided-traffic/symcrypt/pkg/crypt/keystore"
)

// Options configure one rotation.
type Options struct {
	// AppName and Environment name the generated key files and variables.
	AppName     string
	Environment string

	// RollingDeploy stages the new cipher as a secondary (slot 1) instead of
	// promoting it to primary immediately, so that mixed fleets can still
	// decrypt everything during the deploy window.
	RollingDeploy bool

	// KeyPath is the directory for new key files. Defaults to the directory
	// of the current primary's key file.
	KeyPath string

	// KEKBits is the RSA size for the new KEK. Defaults to 2048.
	KEKBits int
}

// Rotate generates a new DEK matching the keystore variant of the current
// primary, wraps it under a new RSA KEK (KMS-backed entries keep their CMK),
// persists the wrapped DEK, and returns a new configuration
// list with the fresh entry inserted at slot 0 (or slot 1 for rolling
// deploys). The input list is not modified.
func Rotate(ctx context.Context, ciphers []crypt.CipherConfig, opts Options) (out []crypt.CipherConfig, err error) {
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		crypt.RotationsTotal.WithLabelValues(status).Inc()
	}()

	if len(ciphers) == 0 {
		return nil, fmt.Errorf("%w: nothing to rotate", crypt.ErrConfig)
	}
	top := ciphers[0]
	if err := top.Validate(); err != nil {
		return nil, err
	}

	next, err := nextVersion(ciphers)
	if err != nil {
		return nil, err
	}

	alg := crypt.Algorithm(top.CipherName)
	if alg == "" {
		alg = crypt.DefaultAlgorithm
	}
	keyLen, err := alg.KeyLen()
	if err != nil {
		return nil, err
	}
	ivLen, err := alg.IVLen()
	if err != nil {
		return nil, err
	}

	appName := opts.AppName
	if appName == "" {
		appName = "symcrypt"
	}
	envName := opts.Environment
	if envName == "" {
		envName = "production"
	}
	logger := logrus.WithFields(logrus.Fields{
		"component":   "rotation",
		"app":         appName,
		"environment": envName,
		"version":     next,
	})

	newCfg := crypt.CipherConfig{
		Version:         next,
		CipherName:      top.CipherName,
		Encoding:        top.Encoding,
		AlwaysAddHeader: top.AlwaysAddHeader,
		KeyWrapScheme:   top.KeyWrapScheme,
	}

	// A fresh KEK per rotation; KMS-managed entries keep their CMK and let
	// KMS handle KEK lifecycle.
	var wrapper keyencryption.KeyWrapper
	if top.KMSKeyID != "" {
		newCfg.KMSKeyID = top.KMSKeyID
		newCfg.KMSRegion = top.KMSRegion
		if wrapper, err = keyencryption.NewKMSWrapper(ctx, top.KMSKeyID, top.KMSRegion); err != nil {
			return nil, err
		}
	} else {
		bits := opts.KEKBits
		if bits == 0 {
			bits = 2048
		}
		scheme, err := keyencryption.ParseScheme(top.KeyWrapScheme)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", crypt.ErrConfig, err)
		}
		kek, err := keyencryption.Generate(bits, scheme)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", crypt.ErrConfig, err)
		}
		newCfg.KeyEncryptingKey = kek.PrivatePEM()
		wrapper = kek
	}

	var ks keystore.Keystore
	var mem *keystore.Memory
	switch {
	case top.KeyFilename != "":
		dir := opts.KeyPath
		if dir == "" {
			dir = filepath.Dir(top.KeyFilename)
		}
		newCfg.KeyFilename = filepath.Join(dir, fmt.Sprintf("%s_%s_v%d.key", sanitize(appName), sanitize(envName), next))
		ks = keystore.NewFile(newCfg.KeyFilename)
		if top.IVFilename != "" {
			newCfg.IVFilename = filepath.Join(dir, fmt.Sprintf("%s_%s_v%d.iv", sanitize(appName), sanitize(envName), next))
			if err := writeWrappedIV(ctx, newCfg.IVFilename, wrapper, ivLen); err != nil {
				return nil, err
			}
		}
	case top.KeyEnvVar != "":
		newCfg.KeyEnvVar = fmt.Sprintf("%s_%s_V%d_KEY", strings.ToUpper(sanitize(appName)), strings.ToUpper(sanitize(envName)), next)
		ks = keystore.NewEnv(newCfg.KeyEnvVar)
	default:
		mem = keystore.NewMemory(nil)
		ks = mem
	}

	_, clearDEK, err := keystore.GenerateDEK(ctx, ks, wrapper, keyLen)
	if err != nil {
		return nil, err
	}
	clear(clearDEK)

	if mem != nil {
		newCfg.EncryptedKey = mem.Base64()
		if top.EncryptedIV != "" {
			encodedIV, err := wrapRandomIV(ctx, wrapper, ivLen)
			if err != nil {
				return nil, err
			}
			newCfg.EncryptedIV = encodedIV
		}
	}

	pos := 0
	if opts.RollingDeploy {
		pos = 1
	}
	out = make([]crypt.CipherConfig, 0, len(ciphers)+1)
	out = append(out, ciphers[:pos]...)
	out = append(out, newCfg)
	out = append(out, ciphers[pos:]...)

	logger.WithFields(logrus.Fields{
		"rolling_deploy": opts.RollingDeploy,
		"slot":           pos,
	}).Info("Rotated cipher configuration")
	return out, nil
}

func nextVersion(ciphers []crypt.CipherConfig) (uint8, error) {
	var max uint8
	for _, c := range ciphers {
		if c.Version > max {
			max = c.Version
		}
	}
	if max >= 255 {
		return 0, fmt.Errorf("%w: version space exhausted: version 255 is in use", crypt.ErrConfig)
	}
	return max + 1, nil
}

func writeWrappedIV(ctx context.Context, path string, wrapper keyencryption.KeyWrapper, ivLen int) error {
	_, clearIV, err := keystore.GenerateDEK(ctx, keystore.NewFile(path), wrapper, ivLen)
	if err != nil {
		return err
	}
	clear(clearIV)
	return nil
}

func wrapRandomIV(ctx context.Context, wrapper keyencryption.KeyWrapper, ivLen int) (string, error) {
	mem := keystore.NewMemory(nil)
	_, clearIV, err := keystore.GenerateDEK(ctx, mem, wrapper, ivLen)
	if err != nil {
		return "", err
	}
	clear(clearIV)
	return mem.Base64(), nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
