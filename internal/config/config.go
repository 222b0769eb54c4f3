// Package config loads and persists the per-environment cipher
// configuration consumed by the registry and the rotation tooling.
package config

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/guided-traffic/symcrypt/pkg/crypt"
	"github.com/guided-traffic/symcrypt/pkg/crypt/rotation"
)

// Environment holds the ordered cipher list for one deployment environment.
// The first entry is the primary.
type Environment struct {
	Ciphers []crypt.CipherConfig `mapstructure:"ciphers" yaml:"ciphers"`
}

// Config maps environment names to their cipher lists.
type Config map[string]Environment

// InitConfig initializes the configuration system
func InitConfig(cfgFile string) {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in the working directory, ./config, and home
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".symcrypt")
	}

	viper.SetEnvPrefix("SYMCRYPT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// Load loads the configuration from viper
func Load() (Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadFile reads and validates a configuration file directly, bypassing the
// viper search path. Used by the rotation tooling, which writes back to the
// same file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks every environment's cipher list: non-empty, structurally
// valid entries, unique versions.
func Validate(cfg Config) error {
	if len(cfg) == 0 {
		return fmt.Errorf("%w: no environments configured", crypt.ErrConfig)
	}
	for name, env := range cfg {
		if len(env.Ciphers) == 0 {
			return fmt.Errorf("%w: environment %q has no ciphers", crypt.ErrConfig, name)
		}
		seen := make(map[uint8]bool, len(env.Ciphers))
		for i := range env.Ciphers {
			c := &env.Ciphers[i]
			if err := c.Validate(); err != nil {
				return fmt.Errorf("environment %q: %w", name, err)
			}
			if seen[c.Version] {
				return fmt.Errorf("%w: environment %q repeats cipher version %d", crypt.ErrConfig, name, c.Version)
			}
			seen[c.Version] = true
		}
	}
	return nil
}

// Environment returns the cipher list for the named environment.
func (c Config) Environment(name string) (Environment, error) {
	env, ok := c[name]
	if !ok {
		return Environment{}, fmt.Errorf("%w: environment %q not configured", crypt.ErrConfig, name)
	}
	return env, nil
}

// Save writes the configuration back in the same YAML schema it was loaded
// from. The file is owner read-write only; it may embed KEK material.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	// WriteFile keeps the mode of an existing file; force owner-only.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	return nil
}

// RotateEnvironments rotates each selected environment whose primary entry
// carries KEK material. An empty selection rotates every environment. The
// returned Config is a new value; the input is not modified.
func RotateEnvironments(ctx context.Context, cfg Config, names []string, opts rotation.Options) (Config, error) {
	if len(names) == 0 {
		for name := range cfg {
			names = append(names, name)
		}
	}
	out := make(Config, len(cfg))
	for name, env := range cfg {
		out[name] = env
	}
	for _, name := range names {
		env, err := cfg.Environment(name)
		if err != nil {
			return nil, err
		}
		top := env.Ciphers[0]
		if top.KeyEncryptingKey == "" && top.KMSKeyID == "" {
			continue
		}
		envOpts := opts
		envOpts.Environment = name
		rotated, err := rotation.Rotate(ctx, env.Ciphers, envOpts)
		if err != nil {
			return nil, fmt.Errorf("environment %q: %w", name, err)
		}
		out[name] = Environment{Ciphers: rotated}
	}
	return out, nil
}
