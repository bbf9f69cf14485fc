// Package token issues and verifies the server's signed bearer tokens.
// Signing is symmetric HMAC only, with the algorithm pinned by configuration.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/store/revocation"
)

// Token types carried in the token_type claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	// ErrInvalid covers signature, expiry, and malformed-token failures.
	ErrInvalid = errors.New("invalid token")

	// ErrRevoked is returned when the token id is in the revocation set.
	ErrRevoked = errors.New("token revoked")

	// ErrRefreshAsAccess is returned when a refresh token is presented at an
	// API endpoint.
	ErrRefreshAsAccess = errors.New("refresh token not accepted here")

	// ErrNotRefresh is returned when the refresh exchange receives an access token.
	ErrNotRefresh = errors.New("not a refresh token")

	// ErrRefreshDisabled is returned when refresh tokens are not enabled.
	ErrRefreshDisabled = errors.New("refresh tokens disabled")
)

// Claims is the token payload.
type Claims struct {
	Scopes         []string `json:"scopes"`
	BudgetDailyUSD *float64 `json:"budget_daily_usd,omitempty"`
	RateLimitRPM   *int     `json:"rate_limit_rpm,omitempty"`
	AllowedModels  []string `json:"allowed_models,omitempty"`
	Ephemeral      bool     `json:"ephemeral,omitempty"`
	TokenType      string   `json:"token_type"`
	jwt.RegisteredClaims
}

// IssueOptions parameterize a new token.
type IssueOptions struct {
	Subject        string
	Scopes         []string
	BudgetDailyUSD *float64
	RateLimitRPM   *int
	AllowedModels  []string
	Ephemeral      bool
	TTL            time.Duration // 0 means the configured default
}

// Service signs and verifies tokens and consults the revocation set.
type Service struct {
	secret         []byte
	method         jwt.SigningMethod
	methodName     string
	accessTTL      time.Duration
	refreshTTL     time.Duration
	refreshEnabled bool
	revoked        *revocation.Store
	logger         *logger.Logger
}

// NewService builds the token service from the auth configuration. The JWT
// secret must be non-empty; callers skip construction when tokens are not
// configured.
func NewService(cfg config.AuthConfig, revoked *revocation.Store, log *logger.Logger) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	var method jwt.SigningMethod
	switch cfg.JWTAlgorithm {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", cfg.JWTAlgorithm)
	}
	return &Service{
		secret:         []byte(cfg.JWTSecret),
		method:         method,
		methodName:     cfg.JWTAlgorithm,
		accessTTL:      cfg.AccessTokenTTLDuration(),
		refreshTTL:     cfg.RefreshTokenTTLDuration(),
		refreshEnabled: cfg.RefreshEnabled,
		revoked:        revoked,
		logger:         log.WithFields(zap.String("component", "token-service")),
	}, nil
}

// RefreshEnabled reports whether refresh tokens are issued.
func (s *Service) RefreshEnabled() bool {
	return s.refreshEnabled
}

// IssueAccess mints an access token. Returns the signed token and its jti.
func (s *Service) IssueAccess(opts IssueOptions) (string, string, error) {
	ttl := opts.TTL
	if ttl <= 0 || ttl > s.accessTTL {
		ttl = s.accessTTL
	}
	return s.sign(opts, TypeAccess, ttl)
}

// IssueRefresh mints a refresh token with the longer expiry ceiling.
func (s *Service) IssueRefresh(opts IssueOptions) (string, string, error) {
	if !s.refreshEnabled {
		return "", "", ErrRefreshDisabled
	}
	ttl := opts.TTL
	if ttl <= 0 || ttl > s.refreshTTL {
		ttl = s.refreshTTL
	}
	return s.sign(opts, TypeRefresh, ttl)
}

func (s *Service) sign(opts IssueOptions, tokenType string, ttl time.Duration) (string, string, error) {
	now := time.Now()
	jti := uuid.New().String()
	claims := &Claims{
		Scopes:         opts.Scopes,
		BudgetDailyUSD: opts.BudgetDailyUSD,
		RateLimitRPM:   opts.RateLimitRPM,
		AllowedModels:  opts.AllowedModels,
		Ephemeral:      opts.Ephemeral,
		TokenType:      tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.Subject,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign token: %w", err)
	}
	s.logger.Info("token issued",
		zap.String("sub", opts.Subject),
		zap.String("jti", jti),
		zap.String("type", tokenType))
	return signed, jti, nil
}

// Verify validates signature and expiry with the expected algorithm pinned
// (the token header's own alg claim is never trusted; "none" and anything
// outside the allowlist fail), then checks revocation.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{s.methodName}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.ID != "" && s.revoked != nil && s.revoked.IsRevoked(claims.ID) {
		return nil, ErrRevoked
	}
	return claims, nil
}

// VerifyAccess verifies a token for API use; refresh tokens are rejected.
func (s *Service) VerifyAccess(tokenString string) (*Claims, error) {
	claims, err := s.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType == TypeRefresh {
		return nil, ErrRefreshAsAccess
	}
	return claims, nil
}

// Exchange verifies a refresh token and issues a fresh access token
// preserving subject, scopes, and per-client overrides.
func (s *Service) Exchange(refreshToken string) (string, string, error) {
	if !s.refreshEnabled {
		return "", "", ErrRefreshDisabled
	}
	claims, err := s.Verify(refreshToken)
	if err != nil {
		return "", "", err
	}
	if claims.TokenType != TypeRefresh {
		return "", "", ErrNotRefresh
	}
	return s.IssueAccess(IssueOptions{
		Subject:        claims.Subject,
		Scopes:         claims.Scopes,
		BudgetDailyUSD: claims.BudgetDailyUSD,
		RateLimitRPM:   claims.RateLimitRPM,
		AllowedModels:  claims.AllowedModels,
	})
}
