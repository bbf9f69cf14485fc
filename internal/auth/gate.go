// Package auth classifies bearer credentials and enforces per-client request
// rates.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/agentrelay/agentrelay/internal/auth/token"
	"github.com/agentrelay/agentrelay/internal/common/logger"
)

// Kind is the credential class of a request.
type Kind string

const (
	KindSharedSecret   Kind = "shared-secret"
	KindAccessToken    Kind = "signed-access-token"
	KindEphemeralToken Kind = "signed-ephemeral-token"
	KindAnonymous      Kind = "anonymous"
)

// MasterClientName is the client identity of the shared-secret tier.
const MasterClientName = "master"

var (
	// ErrMissingCredential is returned when auth is configured but no bearer
	// credential was presented.
	ErrMissingCredential = errors.New("missing credential")

	// ErrInvalidCredential is returned for credentials that match neither the
	// shared secret nor a valid signed token.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Context is the per-request authentication context derived from the
// credential.
type Context struct {
	Kind           Kind
	ClientName     string
	Scopes         []string
	BudgetDailyUSD *float64
	RateLimitRPM   *int
	AllowedModels  []string
	TokenID        string
}

// Admin reports whether the caller is the shared-secret tier.
func (c *Context) Admin() bool {
	return c.Kind == KindSharedSecret
}

// HasScope reports whether the granted scopes permit addressing an agent with
// the given required scopes: the wildcard grants everything, otherwise at
// least one required name must be granted. Agents with no required scopes are
// open to every authenticated caller.
func (c *Context) HasScope(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, scope := range c.Scopes {
		if scope == "*" {
			return true
		}
		for _, want := range required {
			if scope == want {
				return true
			}
		}
	}
	return false
}

// Gate authenticates Authorization headers.
type Gate struct {
	masterKey string
	tokens    *token.Service
	logger    *logger.Logger
}

// NewGate builds the auth gate. tokens may be nil when no JWT secret is
// configured.
func NewGate(masterKey string, tokens *token.Service, log *logger.Logger) *Gate {
	return &Gate{masterKey: masterKey, tokens: tokens, logger: log}
}

// Configured reports whether any credential class is available.
func (g *Gate) Configured() bool {
	return g.masterKey != "" || g.tokens != nil
}

// Authenticate classifies the Authorization header value. With no auth
// configured every caller is anonymous with the wildcard scope (the config
// layer guarantees a loopback-only bind in that mode).
func (g *Gate) Authenticate(authorization string) (*Context, error) {
	if !g.Configured() {
		return &Context{Kind: KindAnonymous, ClientName: "anonymous", Scopes: []string{"*"}}, nil
	}

	credential, ok := bearer(authorization)
	if !ok {
		return nil, ErrMissingCredential
	}

	if g.masterKey != "" &&
		subtle.ConstantTimeCompare([]byte(credential), []byte(g.masterKey)) == 1 {
		return &Context{
			Kind:       KindSharedSecret,
			ClientName: MasterClientName,
			Scopes:     []string{"*"},
		}, nil
	}

	if g.tokens == nil {
		return nil, ErrInvalidCredential
	}

	claims, err := g.tokens.VerifyAccess(credential)
	if err != nil {
		return nil, err
	}

	kind := KindAccessToken
	if claims.Ephemeral {
		kind = KindEphemeralToken
	}
	return &Context{
		Kind:           kind,
		ClientName:     claims.Subject,
		Scopes:         claims.Scopes,
		BudgetDailyUSD: claims.BudgetDailyUSD,
		RateLimitRPM:   claims.RateLimitRPM,
		AllowedModels:  claims.AllowedModels,
		TokenID:        claims.ID,
	}, nil
}

func bearer(authorization string) (string, bool) {
	if authorization == "" {
		return "", false
	}
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
