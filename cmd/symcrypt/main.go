package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/guided-traffic/symcrypt/internal/config"
	"github.com/guided-traffic/symcrypt/pkg/crypt"
	"github.com/guided-traffic/symcrypt/pkg/crypt/rotation"
)

var (
	// Build information injected at build time
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	cfgFile     string
	environment string
	logLevel    string

	rootCmd = &cobra.Command{
		Use:   "symcrypt",
		Short: "symcrypt encrypts application data at rest with envelope key management",
		Long: `symcrypt is a versioned, self-describing encrypted-blob codec with envelope
key management: a long-lived asymmetric key-encrypting key (KEK) wraps
short-lived symmetric data-encryption keys (DEK). Every ciphertext carries a
compact header identifying the DEK version, so multiple DEKs coexist during
rotation.

All configuration is done through YAML files keyed by environment. Use
--config to name a file, or symcrypt looks in standard locations.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			logrus.SetLevel(level)
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(func() { config.InitConfig(cfgFile) })
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (YAML format)")
	rootCmd.PersistentFlags().StringVarP(&environment, "environment", "e", "production", "environment whose cipher list to use")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newEncryptCmd())
	rootCmd.AddCommand(newDecryptCmd())
	rootCmd.AddCommand(newRotateCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func loadRegistry(ctx context.Context) (*crypt.Registry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	env, err := cfg.Environment(environment)
	if err != nil {
		return nil, err
	}
	return crypt.Load(ctx, env.Ciphers)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return os.Stdout, nil
	}
	return os.Create(path)
}

func newEncryptCmd() *cobra.Command {
	var (
		inPath, outPath     string
		cipherVersion       uint8
		compress, randomKey bool
		randomIV            bool
	)
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a file or stdin to a self-describing encrypted stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reg, err := loadRegistry(ctx)
			if err != nil {
				return err
			}
			in, err := openInput(inPath)
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := openOutput(outPath)
			if err != nil {
				return err
			}

			opts := crypt.WriterOptions{
				Version:   cipherVersion,
				Compress:  compress,
				RandomKey: randomKey,
				RandomIV:  randomIV || randomKey,
				LeaveOpen: outPath == "" || outPath == "-",
			}
			return crypt.WithWriter(out, reg, opts, func(w *crypt.Writer) error {
				_, err := io.Copy(w, in)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&inPath, "in", "i", "", "input file (default stdin)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	cmd.Flags().Uint8Var(&cipherVersion, "cipher-version", 0, "cipher version to encrypt with (default primary)")
	cmd.Flags().BoolVar(&compress, "compress", false, "compress before encryption")
	cmd.Flags().BoolVar(&randomKey, "random-key", false, "generate a per-stream DEK wrapped into the header")
	cmd.Flags().BoolVar(&randomIV, "random-iv", false, "generate a per-stream IV embedded in the header")
	return cmd
}

func newDecryptCmd() *cobra.Command {
	var (
		inPath, outPath string
		cipherVersion   uint8
	)
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt an encrypted stream back to plaintext",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reg, err := loadRegistry(ctx)
			if err != nil {
				return err
			}
			in, err := openInput(inPath)
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := openOutput(outPath)
			if err != nil {
				return err
			}

			r, err := crypt.NewReader(in, reg, crypt.ReaderOptions{Version: cipherVersion})
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, r); err != nil {
				return err
			}
			if outPath != "" && outPath != "-" {
				return out.Close()
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&inPath, "in", "i", "", "input file (default stdin)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	cmd.Flags().Uint8Var(&cipherVersion, "cipher-version", 0, "cipher version for headerless input (default primary)")
	return cmd
}

func newRotateCmd() *cobra.Command {
	var (
		filePath string
		appName  string
		keyPath  string
		kekBits  int
		rolling  bool
		envs     []string
	)
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Generate a new DEK+KEK pair and insert it into the configuration",
		Long: `rotate adds a fresh cipher entry to each selected environment: a new KEK is
generated (KMS-backed entries keep their KMS key), a new DEK is created through the environment's keystore variant and
wrapped with the new KEK, and the entry is inserted as the new primary (or
staged as a secondary with --rolling-deploy). Existing entries are never
modified, so previously encrypted data remains decryptable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(filePath)
			if err != nil {
				return err
			}
			rotated, err := config.RotateEnvironments(cmd.Context(), cfg, envs, rotation.Options{
				AppName:       appName,
				RollingDeploy: rolling,
				KeyPath:       keyPath,
				KEKBits:       kekBits,
			})
			if err != nil {
				return err
			}
			if err := config.Save(filePath, rotated); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"file":         filePath,
				"environments": envs,
			}).Info("Rotation complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "configuration file to rotate (required)")
	cmd.Flags().StringVar(&appName, "app", "symcrypt", "application name used in generated key names")
	cmd.Flags().StringVar(&keyPath, "key-path", "", "directory for new key files (default: alongside current keys)")
	cmd.Flags().IntVar(&kekBits, "kek-bits", 2048, "RSA size of the new key-encrypting key")
	cmd.Flags().BoolVar(&rolling, "rolling-deploy", false, "stage the new cipher as a secondary instead of primary")
	cmd.Flags().StringSliceVar(&envs, "environments", nil, "environments to rotate (default: all)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("symcrypt %s (commit %s, built %s)\n", version, commit, buildTime)
		},
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logrus.WithError(err).Fatal("Command failed")
	}
}
