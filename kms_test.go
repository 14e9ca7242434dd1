package federatedrp

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockKMSClient is a mock implementation of the KMSClient interface.
type mockKMSClient struct {
	DecryptFunc func(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

func (m *mockKMSClient) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	return m.DecryptFunc(ctx, params, optFns...)
}

func TestDecryptCookieSecret(t *testing.T) {
	secret := bytes.Repeat([]byte("s"), 32)

	t.Run("Success", func(t *testing.T) {
		var input *kms.DecryptInput

		client := &mockKMSClient{
			DecryptFunc: func(_ context.Context, params *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
				input = params
				return &kms.DecryptOutput{Plaintext: secret}, nil
			},
		}

		got, err := DecryptCookieSecret(context.Background(), client, []byte("blob"), func(o *KMSSecretOptions) {
			o.KeyID = "alias/cookie"
		})
		require.NoError(t, err)
		assert.Equal(t, secret, got)

		assert.Equal(t, []byte("blob"), input.CiphertextBlob)
		assert.Equal(t, "alias/cookie", aws.ToString(input.KeyId))
		assert.Equal(t, map[string]string{"purpose": "federated-aws-rp-cookie"}, input.EncryptionContext)
	})

	t.Run("DecryptedSecretFeedsCodec", func(t *testing.T) {
		client := &mockKMSClient{
			DecryptFunc: func(context.Context, *kms.DecryptInput, ...func(*kms.Options)) (*kms.DecryptOutput, error) {
				return &kms.DecryptOutput{Plaintext: secret}, nil
			},
		}

		got, err := DecryptCookieSecret(context.Background(), client, []byte("blob"))
		require.NoError(t, err)

		_, err = NewSessionCodec(got)
		assert.NoError(t, err)
	})

	t.Run("EmptyCiphertext", func(t *testing.T) {
		_, err := DecryptCookieSecret(context.Background(), &mockKMSClient{}, nil)
		assert.ErrorContains(t, err, "ciphertext cannot be empty")
	})

	t.Run("DecryptError", func(t *testing.T) {
		client := &mockKMSClient{
			DecryptFunc: func(context.Context, *kms.DecryptInput, ...func(*kms.Options)) (*kms.DecryptOutput, error) {
				return nil, errors.New("AccessDeniedException")
			},
		}

		_, err := DecryptCookieSecret(context.Background(), client, []byte("blob"))
		assert.ErrorContains(t, err, "failed to decrypt cookie secret with KMS")
	})

	t.Run("ShortSecret", func(t *testing.T) {
		client := &mockKMSClient{
			DecryptFunc: func(context.Context, *kms.DecryptInput, ...func(*kms.Options)) (*kms.DecryptOutput, error) {
				return &kms.DecryptOutput{Plaintext: []byte("short")}, nil
			},
		}

		_, err := DecryptCookieSecret(context.Background(), client, []byte("blob"))
		assert.ErrorContains(t, err, "at least 32 bytes")
	})
}
