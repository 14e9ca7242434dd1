package federatedrp

import (
	"bytes"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/hkdf"
)

const (
	// DefaultCookieName is the name of the session cookie.
	DefaultCookieName = "federated-aws-rp"

	// DefaultCookieMaxAge bounds the lifetime of an encoded session.
	DefaultCookieMaxAge = time.Hour

	// MinSecretLength is the minimum length of a cookie master secret.
	MinSecretLength = 32

	// MaxEncodedLength bounds an encoded session. Adapters split longer values than a single
	// cookie can hold across several cookies.
	MaxEncodedLength = 16 << 10

	// maxPayloadSize bounds a decompressed session payload.
	maxPayloadSize = 64 << 10

	cookieSalt = "federated-aws-rp/session/v1"
)

// SessionCodecOptions configures a SessionCodec.
type SessionCodecOptions struct {
	// CookieName is bound into the authenticated value, so a value minted for one cookie name
	// does not decode under another.
	CookieName string

	// MaxAge is the lifetime of an encoded value. Older values fail to decode.
	MaxAge time.Duration

	// PreviousSecrets are accepted for decoding only, which allows the master secret to rotate.
	PreviousSecrets [][]byte
}

// SessionCodec turns a Session into an opaque, authenticated and encrypted cookie value and back.
type SessionCodec struct {
	name   string
	maxAge time.Duration
	codecs []securecookie.Codec
}

// NewSessionCodec creates a SessionCodec keyed by secret. The hash and block keys are derived from
// the secret with HKDF-SHA512, giving AES-256 encryption and HMAC-SHA256 authentication.
//
// Parameters:
//   - secret: The cookie master secret, at least MinSecretLength bytes.
//   - optFns: A variadic list of functions to customize the SessionCodecOptions.
//
// Returns:
//   - A new SessionCodec instance.
//   - An error if a secret is too short or key derivation fails.
func NewSessionCodec(secret []byte, optFns ...func(o *SessionCodecOptions)) (*SessionCodec, error) {
	opts := SessionCodecOptions{
		CookieName: DefaultCookieName,
		MaxAge:     DefaultCookieMaxAge,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.CookieName == "" {
		return nil, fmt.Errorf("cookie name cannot be empty")
	}

	if opts.MaxAge < time.Second {
		return nil, fmt.Errorf("cookie max age must be at least one second")
	}

	serializer, err := newCompactSerializer()
	if err != nil {
		return nil, err
	}

	secrets := append([][]byte{secret}, opts.PreviousSecrets...)
	codecs := make([]securecookie.Codec, 0, len(secrets))

	for i, s := range secrets {
		sc, err := newSecureCookie(s, opts.MaxAge, serializer)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie codec %d: %w", i, err)
		}

		codecs = append(codecs, sc)
	}

	return &SessionCodec{
		name:   opts.CookieName,
		maxAge: opts.MaxAge,
		codecs: codecs,
	}, nil
}

// Name returns the cookie name.
func (c *SessionCodec) Name() string {
	return c.name
}

// MaxAge returns the lifetime of an encoded value.
func (c *SessionCodec) MaxAge() time.Duration {
	return c.maxAge
}

// Encode returns the cookie value for s. Only the current secret is used for encoding.
func (c *SessionCodec) Encode(s *Session) (string, error) {
	if s == nil {
		return "", fmt.Errorf("session cannot be nil")
	}

	if err := s.Validate(); err != nil {
		return "", fmt.Errorf("refusing to encode invalid session: %w", err)
	}

	value, err := c.codecs[0].Encode(c.name, s)
	if err != nil {
		return "", fmt.Errorf("failed to encode session: %w", err)
	}

	return value, nil
}

// Decode verifies and decodes a cookie value. Any failure (empty value, bad MAC, expired
// timestamp, malformed payload, unknown field, unsupported version) yields no session.
func (c *SessionCodec) Decode(value string) (*Session, bool) {
	s, err := c.decode(value)
	if err != nil {
		return nil, false
	}

	return s, true
}

// decode is Decode with the failure cause kept, for logging.
func (c *SessionCodec) decode(value string) (*Session, error) {
	if value == "" {
		return nil, ErrSessionInvalid
	}

	var s Session
	if err := securecookie.DecodeMulti(c.name, value, &s, c.codecs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionInvalid, err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionInvalid, err)
	}

	return &s, nil
}

func newSecureCookie(secret []byte, maxAge time.Duration, serializer securecookie.Serializer) (*securecookie.SecureCookie, error) {
	hashKey, blockKey, err := deriveCookieKeys(secret)
	if err != nil {
		return nil, err
	}

	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(maxAge / time.Second))
	sc.MaxLength(MaxEncodedLength)
	sc.SetSerializer(serializer)

	return sc, nil
}

// deriveCookieKeys expands the master secret into a 64 byte HMAC key and a 32 byte AES key.
func deriveCookieKeys(secret []byte) ([]byte, []byte, error) {
	if len(secret) < MinSecretLength {
		return nil, nil, fmt.Errorf("cookie secret must be at least %d bytes", MinSecretLength)
	}

	prk := hkdf.Extract(sha512.New, secret, []byte(cookieSalt))

	hashKey := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.Expand(sha512.New, prk, []byte("INTEGRITY")), hashKey); err != nil {
		return nil, nil, fmt.Errorf("failed to derive hash key: %w", err)
	}

	blockKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.Expand(sha512.New, prk, []byte("ENCRYPTION")), blockKey); err != nil {
		return nil, nil, fmt.Errorf("failed to derive block key: %w", err)
	}

	return hashKey, blockKey, nil
}

// compactSerializer writes zstd compressed JSON. Deserialize rejects payloads carrying fields the
// Session type does not declare.
type compactSerializer struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCompactSerializer() (*compactSerializer, error) {
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderCRC(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxPayloadSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &compactSerializer{encoder: encoder, decoder: decoder}, nil
}

func (c *compactSerializer) Serialize(src any) ([]byte, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}

	return c.encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (c *compactSerializer) Deserialize(src []byte, dst any) error {
	data, err := c.decoder.DecodeAll(src, nil)
	if err != nil {
		return fmt.Errorf("failed to decompress session payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}

	if dec.More() {
		return fmt.Errorf("trailing data after session payload")
	}

	return nil
}
