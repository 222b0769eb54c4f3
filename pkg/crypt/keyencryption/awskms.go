package keyencryption

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/sirupsen/logrus"
)

// kmsAPI is the subset of the KMS client used for key wrapping.
type kmsAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSWrapper wraps DEKs with an AWS KMS customer master key instead of a
// local RSA keypair. The private material never leaves KMS.
type KMSWrapper struct {
	client kmsAPI
	keyID  string
	logger *logrus.Entry
}

// NewKMSWrapper builds a wrapper for the given CMK, loading AWS credentials
// from the default chain.
func NewKMSWrapper(ctx context.Context, keyID, region string) (*KMSWrapper, error) {
	if keyID == "" {
		return nil, fmt.Errorf("kms key id cannot be empty")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return &KMSWrapper{
		client: kms.NewFromConfig(cfg),
		keyID:  keyID,
		logger: logrus.WithField("component", "kms_wrapper"),
	}, nil
}

// newKMSWrapperWithClient is used by tests to inject a stub client.
func newKMSWrapperWithClient(client kmsAPI, keyID string) *KMSWrapper {
	return &KMSWrapper{
		client: client,
		keyID:  keyID,
		logger: logrus.WithField("component", "kms_wrapper"),
	}
}

// Wrap encrypts raw DEK bytes under the KMS key.
func (w *KMSWrapper) Wrap(ctx context.Context, dek []byte) ([]byte, error) {
	out, err := w.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &w.keyID,
		Plaintext: dek,
	})
	if err != nil {
		w.logger.WithError(err).Error("KMS encrypt failed")
		return nil, fmt.Errorf("failed to wrap DEK with KMS: %w", err)
	}
	return out.CiphertextBlob, nil
}

// Unwrap decrypts a wrapped DEK with the KMS key.
func (w *KMSWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	out, err := w.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &w.keyID,
		CiphertextBlob: wrapped,
	})
	if err != nil {
		w.logger.WithError(err).Error("KMS decrypt failed")
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
	}
	return out.Plaintext, nil
}

// Name returns the short unique name for this wrapper type.
func (w *KMSWrapper) Name() string {
	return "aws-kms"
}

// Fingerprint returns a SHA-256 fingerprint of the KMS key identifier.
func (w *KMSWrapper) Fingerprint() string {
	hash := sha256.Sum256([]byte(w.keyID))
	return hex.EncodeToString(hash[:])
}
