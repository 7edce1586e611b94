package identity

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fitline/internal/domain"
	"fitline/internal/events"
	"fitline/internal/repo"
)

// Identity is the acting user. Guest and Authenticated are the only
// implementations.
type Identity interface {
	ID() string
	DisplayName() string
	Email() string
	IsGuest() bool
	Token(ctx context.Context) (string, error)
}

// Guest is a locally generated stand-in identity. Its token is its id.
type Guest struct {
	id string
}

func NewGuest(id string) Guest { return Guest{id: id} }

func (g Guest) ID() string          { return g.id }
func (g Guest) DisplayName() string { return "Guest User" }
func (g Guest) Email() string       { return g.id + "@guest.com" }
func (g Guest) IsGuest() bool       { return true }

func (g Guest) Token(context.Context) (string, error) {
	if g.id == "" {
		return "", domain.ErrUnauthenticated
	}
	return g.id, nil
}

// Authenticated is an identity issued by the external provider.
type Authenticated struct {
	subject   string
	email     string
	name      string
	token     string
	expiresAt time.Time
	now       func() time.Time
}

type providerClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// ParseToken builds an Authenticated identity from a provider-issued JWT.
// The signature is not checked here; the service verifies every request.
func ParseToken(token string) (Authenticated, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Authenticated{}, fmt.Errorf("%w: empty token", domain.ErrUnauthenticated)
	}
	claims := &providerClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Authenticated{}, fmt.Errorf("%w: parse token: %v", domain.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return Authenticated{}, fmt.Errorf("%w: token has no subject", domain.ErrUnauthenticated)
	}
	a := Authenticated{
		subject: claims.Subject,
		email:   claims.Email,
		name:    claims.Name,
		token:   token,
	}
	if claims.ExpiresAt != nil {
		a.expiresAt = claims.ExpiresAt.Time
	}
	return a, nil
}

func (a Authenticated) ID() string { return a.subject }

func (a Authenticated) DisplayName() string {
	if a.name != "" {
		return a.name
	}
	return a.subject
}

func (a Authenticated) Email() string { return a.email }
func (a Authenticated) IsGuest() bool { return false }

// Expired reports whether the token's exp claim has passed.
func (a Authenticated) Expired() bool {
	if a.expiresAt.IsZero() {
		return false
	}
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	return !now().Before(a.expiresAt)
}

func (a Authenticated) Token(context.Context) (string, error) {
	if a.Expired() {
		return "", fmt.Errorf("%w: token expired", domain.ErrUnauthenticated)
	}
	return a.token, nil
}

// KV is the slice of local storage the adapter needs.
type KV interface {
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error
	DeleteValue(ctx context.Context, key string) error
}

// SignInFunc runs the external sign-in flow and returns a provider token.
type SignInFunc func(ctx context.Context) (string, error)

// Adapter resolves and caches the current identity. It is the only owner of
// the guest id and auth token keys in local storage.
type Adapter struct {
	Store  KV
	Log    zerolog.Logger
	Events events.Writer
	// SignInFlow is invoked when a token is needed and none is usable. Nil
	// means sign-in is unavailable and callers get ErrUnauthenticated.
	SignInFlow SignInFunc
	Now        func() time.Time

	mu        sync.Mutex
	current   Identity
	listeners []func(Identity)
}

func NewAdapter(store KV, log zerolog.Logger) *Adapter {
	return &Adapter{
		Store: store,
		Log:   log.With().Str("component", "identity").Logger(),
		Now:   time.Now,
	}
}

// OnChange registers fn to run after the identity is replaced (sign in,
// sign out, guest id override). Dependent stores reload from it.
func (a *Adapter) OnChange(fn func(Identity)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// Current returns the resolved identity, resolving it on first use.
func (a *Adapter) Current(ctx context.Context) (Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return a.current, nil
	}
	id, err := a.resolve(ctx)
	if err != nil {
		return nil, err
	}
	a.current = id
	return id, nil
}

func (a *Adapter) resolve(ctx context.Context) (Identity, error) {
	if token, err := a.Store.GetValue(ctx, repo.KeyAuthToken); err == nil {
		auth, perr := ParseToken(token)
		if perr == nil {
			auth.now = a.Now
			return auth, nil
		}
		a.Log.Warn().Err(perr).Msg("stored auth token unusable; falling back to guest")
	} else if !errors.Is(err, repo.ErrNotFound) {
		a.Log.Warn().Err(err).Msg("read auth token")
	}

	guestID, err := a.Store.GetValue(ctx, repo.KeyGuestID)
	switch {
	case err == nil && strings.TrimSpace(guestID) != "":
		return NewGuest(guestID), nil
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		// Storage is broken; a session-only guest keeps the app usable.
		a.Log.Warn().Err(err).Msg("read guest id; using an unsaved guest")
		return NewGuest(NewGuestIdentifier()), nil
	}
	guestID = NewGuestIdentifier()
	if err := a.Store.SetValue(ctx, repo.KeyGuestID, guestID); err != nil {
		a.Log.Warn().Err(err).Msg("persist guest id")
	}
	a.Log.Debug().Str("guest_id", guestID).Msg("created guest identity")
	return NewGuest(guestID), nil
}

// Token returns a bearer token for the current identity. When the identity
// cannot produce one the sign-in flow runs once; any failure there surfaces
// as ErrUnauthenticated. Nothing is retried.
func (a *Adapter) Token(ctx context.Context) (string, error) {
	id, err := a.Current(ctx)
	if err == nil {
		token, terr := id.Token(ctx)
		if terr == nil {
			return token, nil
		}
		err = terr
	}
	if a.SignInFlow == nil {
		return "", wrapUnauthenticated(err)
	}
	token, serr := a.SignInFlow(ctx)
	if serr != nil || strings.TrimSpace(token) == "" {
		if serr == nil {
			serr = errors.New("sign-in returned no token")
		}
		return "", wrapUnauthenticated(serr)
	}
	if err := a.SignIn(ctx, token); err != nil {
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func wrapUnauthenticated(err error) error {
	switch {
	case err == nil:
		return domain.ErrUnauthenticated
	case errors.Is(err, domain.ErrUnauthenticated):
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
}

// SignIn stores a provider token and switches to the authenticated identity.
func (a *Adapter) SignIn(ctx context.Context, token string) error {
	auth, err := ParseToken(token)
	if err != nil {
		return err
	}
	auth.now = a.Now
	if _, err := auth.Token(ctx); err != nil {
		return err
	}
	if err := a.Store.SetValue(ctx, repo.KeyAuthToken, auth.token); err != nil {
		a.Log.Warn().Err(err).Msg("persist auth token; sign-in lasts for this session only")
	}
	a.replace(auth)
	a.record(ctx, "identity.sign_in", auth.ID(), auth.ID(), nil)
	return nil
}

// SignOut forgets the provider token and returns to the guest identity.
func (a *Adapter) SignOut(ctx context.Context) error {
	if err := a.Store.DeleteValue(ctx, repo.KeyAuthToken); err != nil {
		a.Log.Warn().Err(err).Msg("delete auth token")
	}
	a.mu.Lock()
	prev := a.current
	a.current = nil
	a.mu.Unlock()
	id, err := a.Current(ctx)
	if err != nil {
		return err
	}
	if prev != nil {
		a.record(ctx, "identity.sign_out", prev.ID(), prev.ID(), nil)
	}
	a.notify(id)
	return nil
}

// OverrideGuestIdentifier replaces the local guest id. Every dependent store
// keys its remote calls on this id, so listeners are told to reload.
func (a *Adapter) OverrideGuestIdentifier(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &domain.ValidationError{Field: "guest_id", Message: "is required"}
	}
	if strings.ContainsAny(id, " \t\r\n/") || len(id) > 128 {
		return &domain.ValidationError{Field: "guest_id", Message: "must be a single token of at most 128 characters"}
	}
	current, err := a.Current(ctx)
	if err != nil {
		return err
	}
	if !current.IsGuest() {
		return domain.ErrNotGuest
	}
	if err := a.Store.SetValue(ctx, repo.KeyGuestID, id); err != nil {
		a.Log.Warn().Err(err).Msg("persist guest id override")
	}
	a.replace(NewGuest(id))
	a.record(ctx, "identity.override", id, current.ID(), events.EventPayload{"previous": current.ID()})
	return nil
}

func (a *Adapter) record(ctx context.Context, evtType, entityID, actorID string, payload events.EventPayload) {
	if err := a.Events.Append(ctx, evtType, "identity", entityID, actorID, payload); err != nil {
		a.Log.Debug().Err(err).Str("event", evtType).Msg("append event")
	}
}

func (a *Adapter) replace(id Identity) {
	a.mu.Lock()
	a.current = id
	a.mu.Unlock()
	a.notify(id)
}

func (a *Adapter) notify(id Identity) {
	a.mu.Lock()
	listeners := append([]func(Identity){}, a.listeners...)
	a.mu.Unlock()
	for _, fn := range listeners {
		fn(id)
	}
}

// NewGuestIdentifier returns a fresh guest id: "guest_" plus 13 base36 chars.
func NewGuestIdentifier() string {
	u := uuid.New()
	s := strconv.FormatUint(binary.BigEndian.Uint64(u[:8]), 36)
	if len(s) < 13 {
		s = strings.Repeat("0", 13-len(s)) + s
	}
	return "guest_" + s[:13]
}
