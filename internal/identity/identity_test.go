package identity_test

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitline/internal/db"
	"fitline/internal/domain"
	"fitline/internal/events"
	"fitline/internal/identity"
	"fitline/internal/logger"
	"fitline/internal/migrate"
	"fitline/internal/repo"
)

func newStore(t *testing.T, workspace string) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "email": sub + "@example.com", "name": "Ada", "exp": exp.Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

var guestPattern = regexp.MustCompile(`^guest_[0-9a-z]{13}$`)

func TestGuestIdentityPersistsAcrossRuns(t *testing.T) {
	workspace := t.TempDir()
	ctx := context.Background()

	first := identity.NewAdapter(newStore(t, workspace), logger.Nop())
	id1, err := first.Current(ctx)
	require.NoError(t, err)
	assert.True(t, id1.IsGuest())
	assert.Regexp(t, guestPattern, id1.ID())
	assert.Equal(t, id1.ID()+"@guest.com", id1.Email())

	token, err := first.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1.ID(), token)

	second := identity.NewAdapter(newStore(t, workspace), logger.Nop())
	id2, err := second.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1.ID(), id2.ID())
}

func TestOverrideGuestIdentifierNotifiesListeners(t *testing.T) {
	store := newStore(t, t.TempDir())
	ctx := context.Background()
	a := identity.NewAdapter(store, logger.Nop())
	var seen []string
	a.OnChange(func(id identity.Identity) { seen = append(seen, id.ID()) })

	require.NoError(t, a.OverrideGuestIdentifier(ctx, "  guest_shared  "))
	cur, err := a.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "guest_shared", cur.ID())
	assert.Equal(t, []string{"guest_shared"}, seen)

	stored, err := store.GetValue(ctx, repo.KeyGuestID)
	require.NoError(t, err)
	assert.Equal(t, "guest_shared", stored)

	err = a.OverrideGuestIdentifier(ctx, "   ")
	assert.True(t, domain.IsValidation(err))
}

func TestOverrideRequiresGuest(t *testing.T) {
	ctx := context.Background()
	a := identity.NewAdapter(newStore(t, t.TempDir()), logger.Nop())
	require.NoError(t, a.SignIn(ctx, signedToken(t, "user-1", time.Now().Add(time.Hour))))
	assert.ErrorIs(t, a.OverrideGuestIdentifier(ctx, "guest_x"), domain.ErrNotGuest)
}

func TestSignInAndOut(t *testing.T) {
	workspace := t.TempDir()
	ctx := context.Background()
	a := identity.NewAdapter(newStore(t, workspace), logger.Nop())
	guest, err := a.Current(ctx)
	require.NoError(t, err)

	token := signedToken(t, "user-1", time.Now().Add(time.Hour))
	require.NoError(t, a.SignIn(ctx, token))
	cur, err := a.Current(ctx)
	require.NoError(t, err)
	assert.False(t, cur.IsGuest())
	assert.Equal(t, "user-1", cur.ID())
	assert.Equal(t, "Ada", cur.DisplayName())

	// a fresh adapter on the same storage resolves the stored token
	reloaded := identity.NewAdapter(newStore(t, workspace), logger.Nop())
	got, err := reloaded.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, got)

	require.NoError(t, a.SignOut(ctx))
	cur, err = a.Current(ctx)
	require.NoError(t, err)
	assert.True(t, cur.IsGuest())
	assert.Equal(t, guest.ID(), cur.ID())
}

func TestExpiredTokenRunsSignInFlow(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, t.TempDir())
	require.NoError(t, store.SetValue(ctx, repo.KeyAuthToken, signedToken(t, "user-1", time.Now().Add(-time.Minute))))

	a := identity.NewAdapter(store, logger.Nop())
	_, err := a.Token(ctx)
	require.ErrorIs(t, err, domain.ErrUnauthenticated)

	a = identity.NewAdapter(store, logger.Nop())
	a.SignInFlow = func(context.Context) (string, error) { return "", errors.New("cancelled") }
	_, err = a.Token(ctx)
	require.ErrorIs(t, err, domain.ErrUnauthenticated)

	fresh := signedToken(t, "user-1", time.Now().Add(time.Hour))
	calls := 0
	a = identity.NewAdapter(store, logger.Nop())
	a.SignInFlow = func(context.Context) (string, error) { calls++; return fresh, nil }
	got, err := a.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
	assert.Equal(t, 1, calls)
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	_, err := identity.ParseToken("not-a-jwt")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestNewGuestIdentifierShape(t *testing.T) {
	a, b := identity.NewGuestIdentifier(), identity.NewGuestIdentifier()
	assert.Regexp(t, guestPattern, a)
	assert.NotEqual(t, a, b)
}

func TestEventLogFailureIsLoggedNotReturned(t *testing.T) {
	ctx := context.Background()
	closed, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, closed.Close())

	var buf bytes.Buffer
	a := identity.NewAdapter(newStore(t, t.TempDir()), logger.Nop())
	a.Log = zerolog.New(&buf).Level(zerolog.DebugLevel)
	a.Events = events.Writer{DB: closed}

	require.NoError(t, a.OverrideGuestIdentifier(ctx, "guest_logged"))
	require.NoError(t, a.SignIn(ctx, signedToken(t, "user-1", time.Now().Add(time.Hour))))
	require.NoError(t, a.SignOut(ctx))
	out := buf.String()
	assert.Contains(t, out, `"event":"identity.override"`)
	assert.Contains(t, out, `"event":"identity.sign_in"`)
	assert.Contains(t, out, `"event":"identity.sign_out"`)
	assert.Contains(t, out, "append event")
}
