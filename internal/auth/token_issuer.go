// Package auth issues and validates the tokens peers present on the sync RPC endpoints
// and local clients present on the API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbme/arhiv-sub003/internal/entities"
)

const (
	defaultTokenTTL    = 5 * time.Minute
	defaultAPITokenTTL = 30 * 24 * time.Hour
	bearerPrefix       = "Bearer "

	// PeerAudience marks tokens accepted on the sync RPC endpoints.
	PeerAudience = "baza-rpc"
	// APIAudience marks tokens accepted on the local API.
	APIAudience = "baza-api"

	// AccessTokenParam carries an API token for clients that cannot set headers, such as EventSource.
	AccessTokenParam = "access_token"
)

var (
	// ErrMissingSigningSecret indicates a TokenIssuer configured without the shared secret.
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")
	// ErrMissingIssuer indicates a TokenIssuer configured without an issuer.
	ErrMissingIssuer = errors.New("auth: issuer must be provided")
	// ErrMissingToken indicates a request without a bearer token.
	ErrMissingToken = errors.New("auth: token required")
	// ErrInvalidToken indicates a token with a bad signature, issuer or subject.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken indicates a token past its expiry.
	ErrExpiredToken = errors.New("auth: token expired")
)

// PeerClaims is the JWT payload a peer sends with every RPC call.
type PeerClaims struct {
	DataVersion uint8 `json:"data_version"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures peer tokens. Every instance of one archive shares SigningSecret.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs and validates HS256 peer tokens.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer validates cfg and applies defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// IssuePeerToken signs a token for instanceID and returns it with its lifetime in seconds.
func (i *TokenIssuer) IssuePeerToken(_ context.Context, instanceID entities.InstanceID, dataVersion uint8) (string, int64, error) {
	if strings.TrimSpace(instanceID.String()) == "" {
		return "", 0, fmt.Errorf("%w: subject required", ErrInvalidToken)
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := PeerClaims{
		DataVersion: dataVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   instanceID.String(),
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{PeerAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken checks signature, issuer and expiry and returns the claims.
func (i *TokenIssuer) ValidateToken(tokenString string) (PeerClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return PeerClaims{}, ErrMissingToken
	}

	claims := &PeerClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(PeerAudience),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return PeerClaims{}, ErrExpiredToken
		}
		return PeerClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return PeerClaims{}, ErrInvalidToken
	}
	if _, err := entities.ParseInstanceID(claims.Subject); err != nil {
		return PeerClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return *claims, nil
}

// ValidateRequest reads the bearer token from the Authorization header and validates it.
func (i *TokenIssuer) ValidateRequest(r *http.Request) (PeerClaims, error) {
	if r == nil {
		return PeerClaims{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return PeerClaims{}, ErrMissingToken
	}
	return i.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
}

// Authorize attaches a freshly issued bearer token to an outgoing request.
func (i *TokenIssuer) Authorize(r *http.Request, instanceID entities.InstanceID, dataVersion uint8) error {
	token, _, err := i.IssuePeerToken(r.Context(), instanceID, dataVersion)
	if err != nil {
		return err
	}
	r.Header.Set("Authorization", bearerPrefix+token)
	return nil
}

// IssueAPIToken signs a local API token for subject. A non-positive ttl selects the default.
func (i *TokenIssuer) IssueAPIToken(_ context.Context, subject string, ttl time.Duration) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject required", ErrInvalidToken)
	}
	if ttl <= 0 {
		ttl = defaultAPITokenTTL
	}

	now := i.clock().UTC()
	expiresAt := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{APIAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateAPIToken checks a local API token. Peer tokens are rejected.
func (i *TokenIssuer) ValidateAPIToken(tokenString string) (jwt.RegisteredClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return jwt.RegisteredClaims{}, ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(APIAudience),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return jwt.RegisteredClaims{}, ErrExpiredToken
		}
		return jwt.RegisteredClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return jwt.RegisteredClaims{}, ErrInvalidToken
	}
	return *claims, nil
}

// ValidateAPIRequest reads an API token from the Authorization header, falling back to the
// access_token query parameter, and validates it.
func (i *TokenIssuer) ValidateAPIRequest(r *http.Request) (jwt.RegisteredClaims, error) {
	if r == nil {
		return jwt.RegisteredClaims{}, ErrMissingToken
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, bearerPrefix) {
			return jwt.RegisteredClaims{}, ErrMissingToken
		}
		return i.ValidateAPIToken(strings.TrimPrefix(header, bearerPrefix))
	}
	return i.ValidateAPIToken(r.URL.Query().Get(AccessTokenParam))
}
