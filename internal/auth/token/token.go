// Package token issues and verifies the signed bearer credentials used by the
// auth flows: short-lived access tokens, store-tracked refresh tokens and
// single-purpose credential reset tokens.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Kind discriminates the purpose of a token.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
	KindReset   Kind = "credential_reset"
)

// MinSecretLength is the shortest HMAC secret accepted.
const MinSecretLength = 32

var (
	// ErrInvalid covers bad signatures, malformed tokens and kind mismatches.
	ErrInvalid = fmt.Errorf("%w: invalid token", shared.ErrUnauthorized)
	// ErrExpired is returned for a correctly signed token past its expiry.
	ErrExpired = fmt.Errorf("%w: token expired", shared.ErrUnauthorized)
)

// Subject is the identity a token is minted for.
// Fingerprint binds a reset token to the credential it replaces; other kinds
// ignore it.
type Subject struct {
	UserID      int64
	Email       string
	Role        string
	Fingerprint string
}

// Claims is the payload carried by every token.
type Claims struct {
	Email       string `json:"email"`
	Role        string `json:"role"`
	Type        Kind   `json:"type"`
	Fingerprint string `json:"fpt,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the numeric subject.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalid
	}
	return id, nil
}

// AsSubject rebuilds the identity embedded in the claims.
func (c *Claims) AsSubject() (Subject, error) {
	id, err := c.UserID()
	if err != nil {
		return Subject{}, err
	}
	return Subject{UserID: id, Email: c.Email, Role: c.Role, Fingerprint: c.Fingerprint}, nil
}

// Pair is an access token together with its refresh token.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Config carries the signing secret and per-kind lifetimes.
type Config struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ResetTTL   time.Duration
}

// Validate checks the secret and fills default lifetimes.
func (c *Config) Validate() error {
	if len(c.Secret) < MinSecretLength {
		return fmt.Errorf("token: secret must be at least %d bytes", MinSecretLength)
	}
	if c.AccessTTL <= 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = 7 * 24 * time.Hour
	}
	if c.ResetTTL <= 0 {
		c.ResetTTL = 30 * time.Minute
	}
	return nil
}

// Option customises the Service.
type Option func(*Service)

// WithClock overrides the time source used for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service signs and verifies HS256 tokens. It holds no mutable state and is safe
// for concurrent use.
type Service struct {
	cfg    Config
	secret []byte
	now    func() time.Time
}

// NewService validates cfg and builds a Service.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, secret: []byte(cfg.Secret), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the configured lifetime for kind.
func (s *Service) TTL(kind Kind) time.Duration {
	switch kind {
	case KindAccess:
		return s.cfg.AccessTTL
	case KindRefresh:
		return s.cfg.RefreshTTL
	case KindReset:
		return s.cfg.ResetTTL
	default:
		return 0
	}
}

// IssueAccess mints an access token.
func (s *Service) IssueAccess(sub Subject) (string, error) {
	return s.issue(sub, KindAccess)
}

// IssueRefresh mints a refresh token. Persisting it is the caller's job.
func (s *Service) IssueRefresh(sub Subject) (string, error) {
	return s.issue(sub, KindRefresh)
}

// IssueReset mints a credential reset token carrying sub.Fingerprint.
func (s *Service) IssueReset(sub Subject) (string, error) {
	return s.issue(sub, KindReset)
}

// IssuePair mints an access and a refresh token for the same subject.
func (s *Service) IssuePair(sub Subject) (Pair, error) {
	access, err := s.IssueAccess(sub)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := s.IssueRefresh(sub)
	if err != nil {
		return Pair{}, err
	}
	return Pair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) issue(sub Subject, kind Kind) (string, error) {
	if sub.UserID <= 0 {
		return "", errors.New("token: subject id required")
	}
	now := s.now()
	claims := Claims{
		Email: sub.Email,
		Role:  sub.Role,
		Type:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(sub.UserID, 10),
			Issuer:    s.cfg.Issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL(kind))),
		},
	}
	if kind == KindReset {
		claims.Fingerprint = sub.Fingerprint
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign %s: %w", kind, err)
	}
	return signed, nil
}

// Verify checks signature and expiry, then requires the token to be of kind want.
// A token past its expiry yields ErrExpired; everything else yields ErrInvalid.
func (s *Service) Verify(raw string, want Kind) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalid
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if !parsed.Valid || claims.Type != want {
		return nil, ErrInvalid
	}
	if _, err := claims.UserID(); err != nil {
		return nil, ErrInvalid
	}
	return claims, nil
}
