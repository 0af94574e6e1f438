//go:build integration

package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"stagegate.evalgo.org/common"
	"stagegate.evalgo.org/db"
)

func setupService(t *testing.T, maxSessions int) (*Service, *db.Postgres) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pg, err := db.NewPostgres(db.PostgresConfig{URL: fmt.Sprintf(
		"host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable",
		host, port.Port())})
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	tokens := NewTokenService("integration-secret", 0, 0)
	return NewService(pg, tokens, maxSessions, log), pg
}

func createUser(t *testing.T, pg *db.Postgres, username, password, role string) *db.User {
	hash, err := HashPassword(password)
	require.NoError(t, err)
	user := &db.User{
		ID:           "user-" + username,
		Username:     username,
		Email:        username + "@example.org",
		PasswordHash: hash,
		Role:         role,
		Enabled:      true,
	}
	require.NoError(t, pg.DB(context.Background()).Create(user).Error)
	return user
}

func TestAuth_Integration_LoginRefreshLogout(t *testing.T) {
	svc, pg := setupService(t, 5)
	ctx := context.Background()
	createUser(t, pg, "ana", "hunter2", "reviewer")
	meta := SessionMeta{UserAgent: "test-agent", IP: "10.0.0.1"}

	_, _, err := svc.Login(ctx, "ana", "wrong", meta)
	assert.Equal(t, common.KindAuth, common.Kind(err))

	pair, user, err := svc.Login(ctx, "ana", "hunter2", meta)
	require.NoError(t, err)
	assert.Equal(t, "reviewer", user.Role)
	assert.NotNil(t, user.LastLoginAt)

	principal, sessionID, err := svc.tokens.Validate(pair.AccessToken, "access")
	require.NoError(t, err)
	assert.Equal(t, "ana", principal.Username)

	sessions, err := svc.Sessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "test-agent", sessions[0].UserAgent)

	// Rotation invalidates the old refresh token.
	next, _, err := svc.Refresh(ctx, pair.RefreshToken, meta)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	_, _, err = svc.Refresh(ctx, pair.RefreshToken, meta)
	assert.Equal(t, common.KindAuth, common.Kind(err))

	// Reuse of a rotated token revokes the whole session.
	_, _, err = svc.Refresh(ctx, next.RefreshToken, meta)
	assert.Equal(t, common.KindAuth, common.Kind(err))

	require.NoError(t, svc.Logout(ctx, principal, sessionID, meta.IP))
	sessions, err = svc.Sessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	var audits []db.AuthAuditLog
	require.NoError(t, pg.DB(ctx).Order("id").Find(&audits).Error)
	require.GreaterOrEqual(t, len(audits), 4)
	assert.Equal(t, "login", audits[0].Action)
	assert.False(t, audits[0].Success)
}

func TestAuth_Integration_SessionCapEvictsOldest(t *testing.T) {
	svc, pg := setupService(t, 2)
	svc.now = func() time.Time { return time.Now() }
	ctx := context.Background()
	user := createUser(t, pg, "bob", "hunter2", "viewer")

	var pairs []TokenPair
	for i := 0; i < 3; i++ {
		// Distinct created_at timestamps for deterministic eviction order.
		base := time.Now().Add(time.Duration(i) * time.Second)
		svc.now = func() time.Time { return base }
		pair, _, err := svc.Login(ctx, "bob", "hunter2", SessionMeta{IP: "10.0.0.1"})
		require.NoError(t, err)
		pairs = append(pairs, pair)
	}

	svc.now = time.Now
	sessions, err := svc.Sessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	// The first session was evicted, its refresh token no longer works.
	_, _, err = svc.Refresh(ctx, pairs[0].RefreshToken, SessionMeta{})
	assert.Equal(t, common.KindAuth, common.Kind(err))
	_, _, err = svc.Refresh(ctx, pairs[2].RefreshToken, SessionMeta{})
	assert.NoError(t, err)
}

func TestAuth_Integration_RevokeSession(t *testing.T) {
	svc, pg := setupService(t, 5)
	ctx := context.Background()
	user := createUser(t, pg, "eve", "hunter2", "admin")

	_, _, err := svc.Login(ctx, "eve", "hunter2", SessionMeta{IP: "10.0.0.2"})
	require.NoError(t, err)
	sessions, err := svc.Sessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	require.NoError(t, svc.RevokeSession(ctx, user.ID, sessions[0].ID))
	err = svc.RevokeSession(ctx, user.ID, sessions[0].ID)
	assert.Equal(t, common.KindNotFound, common.Kind(err))

	remaining, err := svc.Sessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAuth_Integration_DisabledAccount(t *testing.T) {
	svc, pg := setupService(t, 5)
	ctx := context.Background()
	user := createUser(t, pg, "mallory", "hunter2", "viewer")

	pair, _, err := svc.Login(ctx, "mallory", "hunter2", SessionMeta{})
	require.NoError(t, err)

	require.NoError(t, pg.DB(ctx).Model(user).Update("enabled", false).Error)

	_, _, err = svc.Login(ctx, "mallory", "hunter2", SessionMeta{})
	assert.Equal(t, common.KindAuth, common.Kind(err))
	_, _, err = svc.Refresh(ctx, pair.RefreshToken, SessionMeta{})
	assert.Equal(t, common.KindAuth, common.Kind(err))
}
