package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/pscheid92/livefeed/internal/metrics"
)

const signatureSize = ed25519.SignatureSize

// Claims is the CBOR payload of a signed token.
type Claims struct {
	// Subject is the user the token was issued to.
	Subject string `cbor:"1,keyasint"`

	// ID identifies the token for revocation.
	ID string `cbor:"2,keyasint"`

	// IssuedAt and ExpiresAt are Unix seconds.
	IssuedAt  int64 `cbor:"3,keyasint"`
	ExpiresAt int64 `cbor:"4,keyasint"`
}

// NewClaims builds claims for subject valid for ttl from now, with a random ID.
func NewClaims(subject string, now time.Time, ttl time.Duration) (Claims, error) {
	id := make([]byte, 8)
	if _, err := rand.Read(id); err != nil {
		return Claims{}, fmt.Errorf("generating token id: %w", err)
	}

	return Claims{
		Subject:   subject,
		ID:        hex.EncodeToString(id),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}, nil
}

// GenerateKeypair creates a new Ed25519 keypair for token signing.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return public, private, nil
}

// Mint signs claims and returns the token as unpadded base64url: CBOR payload followed by the 64-byte signature.
func Mint(privateKey ed25519.PrivateKey, claims Claims) (string, error) {
	payload, err := encMode.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encoding token claims: %w", err)
	}

	raw := make([]byte, len(payload)+signatureSize)
	copy(raw, payload)
	copy(raw[len(payload):], ed25519.Sign(privateKey, payload))

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Parse checks the signature and expiry of token at now and returns its claims.
func Parse(publicKey ed25519.PublicKey, token string, now time.Time) (Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: not base64url", domain.ErrInvalidToken)
	}
	if len(raw) <= signatureSize {
		return Claims{}, fmt.Errorf("%w: too short for signature", domain.ErrInvalidToken)
	}

	split := len(raw) - signatureSize
	payload, signature := raw[:split], raw[split:]
	if !ed25519.Verify(publicKey, payload, signature) {
		return Claims{}, fmt.Errorf("%w: bad signature", domain.ErrInvalidToken)
	}

	var claims Claims
	if err := decMode.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: decoding claims: %v", domain.ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: no subject", domain.ErrInvalidToken)
	}
	if now.Unix() >= claims.ExpiresAt {
		return Claims{}, domain.ErrTokenExpired
	}

	return claims, nil
}

// SignedVerifier checks signed tokens locally against a public key and a revocation list.
type SignedVerifier struct {
	publicKey   ed25519.PublicKey
	clock       clockwork.Clock
	revocations *Revocations
}

var _ domain.TokenVerifier = (*SignedVerifier)(nil)

// NewSignedVerifier creates a verifier. revocations may be nil.
func NewSignedVerifier(publicKey ed25519.PublicKey, clock clockwork.Clock, revocations *Revocations) (*SignedVerifier, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}
	return &SignedVerifier{publicKey: publicKey, clock: clock, revocations: revocations}, nil
}

func (v *SignedVerifier) Verify(_ context.Context, token string) (domain.Principal, error) {
	claims, err := Parse(v.publicKey, token, v.clock.Now())
	if err != nil {
		metrics.TokenVerificationsTotal.WithLabelValues("signed", "rejected").Inc()
		return domain.Principal{}, err
	}

	if v.revocations != nil && v.revocations.IsRevoked(claims.ID) {
		metrics.TokenVerificationsTotal.WithLabelValues("signed", "revoked").Inc()
		return domain.Principal{}, domain.ErrTokenRevoked
	}

	metrics.TokenVerificationsTotal.WithLabelValues("signed", "accepted").Inc()
	return domain.Principal{UserID: claims.Subject, TokenID: claims.ID}, nil
}
