package federatedrp

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// KMSClient defines the methods that are needed from the AWS KMS client to unwrap the cookie secret.
type KMSClient interface {
	// Decrypt decrypts ciphertext that was encrypted by a KMS key.
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSSecretOptions defines the configuration options for DecryptCookieSecret.
type KMSSecretOptions struct {
	// KeyID pins the KMS key that must have produced the ciphertext. Empty accepts any key the
	// caller may use.
	KeyID string

	// EncryptionContext must match the context used at encryption time.
	EncryptionContext map[string]string
}

// DecryptCookieSecret unwraps a cookie master secret that is stored as a KMS ciphertext blob, so
// the plaintext secret never has to live in configuration.
//
// Parameters:
//   - ctx: The context used for the KMS request.
//   - client: The KMS client.
//   - ciphertext: The encrypted secret as returned by kms:Encrypt.
//   - optFns: A variadic list of functions to customize the KMSSecretOptions.
//
// Returns:
//   - The plaintext secret.
//   - An error if decryption fails or the secret is shorter than MinSecretLength.
func DecryptCookieSecret(ctx context.Context, client KMSClient, ciphertext []byte, optFns ...func(o *KMSSecretOptions)) ([]byte, error) {
	opts := KMSSecretOptions{
		EncryptionContext: map[string]string{"purpose": "federated-aws-rp-cookie"},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext cannot be empty")
	}

	input := &kms.DecryptInput{
		CiphertextBlob:    ciphertext,
		EncryptionContext: opts.EncryptionContext,
	}

	if opts.KeyID != "" {
		input.KeyId = aws.String(opts.KeyID)
	}

	out, err := client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt cookie secret with KMS: %w", err)
	}

	if len(out.Plaintext) < MinSecretLength {
		return nil, fmt.Errorf("cookie secret must be at least %d bytes", MinSecretLength)
	}

	return out.Plaintext, nil
}
