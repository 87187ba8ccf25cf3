package provider

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityClaims are the KYC assertions carried by an identity token.
type IdentityClaims struct {
	jwt.RegisteredClaims
	Age         uint8    `json:"age"`
	Disciplines []string `json:"disciplines,omitempty"`
}

// TokenSource fetches the raw identity token issued for a user.
type TokenSource interface {
	Token(ctx context.Context, userID string) (string, error)
}

// FileTokenSource reads <Dir>/<userID>.jwt.
type FileTokenSource struct {
	Dir string
}

func (s FileTokenSource) Token(ctx context.Context, userID string) (string, error) {
	if userID == "" || strings.ContainsAny(userID, `/\`) || userID == "." || userID == ".." {
		return "", fmt.Errorf("%w: %q", ErrUnknownUser, userID)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, userID+".jwt"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrUnknownUser, userID)
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Token verifies EdDSA-signed identity tokens issued by a KYC service.
type Token struct {
	source    TokenSource
	publicKey ed25519.PublicKey
	issuer    string
	policy    *DisciplinePolicy
	clock     func() time.Time
}

// NewToken creates a token provider. An empty issuer disables the issuer check.
func NewToken(source TokenSource, publicKey ed25519.PublicKey, issuer string) *Token {
	return &Token{
		source:    source,
		publicKey: publicKey,
		issuer:    issuer,
		policy:    MustDisciplinePolicy(DefaultDisciplineRule),
		clock:     time.Now,
	}
}

// WithClock overrides clock for testing.
func (t *Token) WithClock(clock func() time.Time) *Token {
	t.clock = clock
	return t
}

func (t *Token) WithPolicy(p *DisciplinePolicy) *Token {
	if p != nil {
		t.policy = p
	}
	return t
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func (t *Token) claims(ctx context.Context, userID string) (*IdentityClaims, error) {
	raw, err := t.source.Token(ctx, userID)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithSubject(userID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.clock),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &IdentityClaims{}, func(*jwt.Token) (any, error) {
		return t.publicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*IdentityClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

func (t *Token) VerifyAge(ctx context.Context, userID string) (uint8, error) {
	c, err := t.claims(ctx, userID)
	if err != nil {
		return 0, err
	}
	return c.Age, nil
}

func (t *Token) CheckDiscipline(ctx context.Context, userID string) (string, error) {
	c, err := t.claims(ctx, userID)
	if err != nil {
		return "", err
	}

	ok, err := t.policy.Eligible(ctx, Subject{UserID: userID, Age: c.Age, Disciplines: c.Disciplines})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrIneligible, t.policy.Rule())
	}

	if c.ID != "" {
		return "discipline:" + c.ID, nil
	}
	return defaultProof, nil
}
