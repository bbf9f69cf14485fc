package token

import (
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/db"
	"github.com/agentrelay/agentrelay/internal/store/revocation"
)

func newTestService(t *testing.T, cfg config.AuthConfig) (*Service, *revocation.Store) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})

	revoked, err := revocation.NewStore(database, log)
	require.NoError(t, err)

	svc, err := NewService(cfg, revoked, log)
	require.NoError(t, err)
	return svc, revoked
}

func defaultCfg() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:       "test-secret",
		JWTAlgorithm:    "HS256",
		AccessTokenTTL:  3600,
		RefreshEnabled:  true,
		RefreshTokenTTL: 86400,
	}
}

func TestIssueAndVerifyAccess(t *testing.T) {
	svc, _ := newTestService(t, defaultCfg())

	budgetCap := 2.5
	rpm := 30
	signed, jti, err := svc.IssueAccess(IssueOptions{
		Subject:        "alice",
		Scopes:         []string{"general", "code"},
		BudgetDailyUSD: &budgetCap,
		RateLimitRPM:   &rpm,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, jti)

	claims, err := svc.VerifyAccess(signed)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"general", "code"}, claims.Scopes)
	require.NotNil(t, claims.BudgetDailyUSD)
	assert.Equal(t, 2.5, *claims.BudgetDailyUSD)
	require.NotNil(t, claims.RateLimitRPM)
	assert.Equal(t, 30, *claims.RateLimitRPM)
	assert.Equal(t, TypeAccess, claims.TokenType)
}

func TestRefreshRejectedAsAccess(t *testing.T) {
	svc, _ := newTestService(t, defaultCfg())

	refresh, _, err := svc.IssueRefresh(IssueOptions{Subject: "alice", Scopes: []string{"*"}})
	require.NoError(t, err)

	_, err = svc.VerifyAccess(refresh)
	assert.ErrorIs(t, err, ErrRefreshAsAccess)
}

func TestRefreshExchangePreservesClaims(t *testing.T) {
	svc, _ := newTestService(t, defaultCfg())

	budgetCap := 1.5
	refresh, _, err := svc.IssueRefresh(IssueOptions{
		Subject:        "alice",
		Scopes:         []string{"general"},
		BudgetDailyUSD: &budgetCap,
	})
	require.NoError(t, err)

	access, _, err := svc.Exchange(refresh)
	require.NoError(t, err)

	claims, err := svc.VerifyAccess(access)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"general"}, claims.Scopes)
	require.NotNil(t, claims.BudgetDailyUSD)
	assert.Equal(t, 1.5, *claims.BudgetDailyUSD)
}

func TestExchangeRejectsAccessToken(t *testing.T) {
	svc, _ := newTestService(t, defaultCfg())

	access, _, err := svc.IssueAccess(IssueOptions{Subject: "alice", Scopes: []string{"*"}})
	require.NoError(t, err)

	_, _, err = svc.Exchange(access)
	assert.ErrorIs(t, err, ErrNotRefresh)
}

func TestRevokedTokenFails(t *testing.T) {
	svc, revoked := newTestService(t, defaultCfg())

	signed, jti, err := svc.IssueAccess(IssueOptions{Subject: "alice", Scopes: []string{"*"}})
	require.NoError(t, err)
	require.NoError(t, revoked.Revoke(jti))

	_, err = svc.VerifyAccess(signed)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestAlgorithmNoneRejected(t *testing.T) {
	svc, _ := newTestService(t, defaultCfg())

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		TokenType:        TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory"},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestForeignAlgorithmRejected(t *testing.T) {
	// A token signed with HS384 must fail against a service pinned to HS256,
	// even with the correct secret.
	svc, _ := newTestService(t, defaultCfg())

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS384, &Claims{
		TokenType:        TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory"},
	})
	token, err := foreign.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestGarbageTokenRejected(t *testing.T) {
	svc, _ := newTestService(t, defaultCfg())
	_, err := svc.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalid)
}
