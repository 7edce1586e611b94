package theme

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"fitline/internal/domain"
	"fitline/internal/events"
	"fitline/internal/repo"
)

// KV is the slice of local storage the store needs.
type KV interface {
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error
}

// Applier pushes the skin onto the presentation layer.
type Applier func(domain.Skin)

// Store holds the process-wide skin. Storage failures never block a change.
type Store struct {
	kv     KV
	apply  Applier
	log    zerolog.Logger
	Events events.Writer

	mu   sync.RWMutex
	skin domain.Skin
}

func New(kv KV, apply Applier, log zerolog.Logger) *Store {
	return &Store{
		kv:    kv,
		apply: apply,
		log:   log.With().Str("component", "theme").Logger(),
		skin:  domain.SkinDefault,
	}
}

// Load reads the persisted skin and applies it. Unknown or missing values
// leave the default skin in place.
func (s *Store) Load(ctx context.Context) domain.Skin {
	skin := domain.SkinDefault
	raw, err := s.kv.GetValue(ctx, repo.KeySkin)
	switch {
	case err == nil:
		if parsed, perr := domain.ParseSkin(raw); perr == nil {
			skin = parsed
		} else {
			s.log.Warn().Str("value", raw).Msg("ignoring unknown persisted skin")
		}
	case !errors.Is(err, repo.ErrNotFound):
		s.log.Warn().Err(err).Msg("read skin")
	}
	s.mu.Lock()
	s.skin = skin
	s.mu.Unlock()
	s.applySkin(skin)
	return skin
}

// Current returns the active skin.
func (s *Store) Current() domain.Skin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.skin
}

// Set switches the skin in memory, persists it and applies it.
func (s *Store) Set(ctx context.Context, skin domain.Skin) error {
	if _, err := domain.ParseSkin(string(skin)); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.skin
	s.skin = skin
	s.mu.Unlock()
	if err := s.kv.SetValue(ctx, repo.KeySkin, string(skin)); err != nil {
		s.log.Warn().Err(err).Msg("persist skin; keeping it for this session")
	}
	s.applySkin(skin)
	if err := s.Events.Append(ctx, "skin.set", "skin", string(skin), "", events.EventPayload{"previous": string(prev)}); err != nil {
		s.log.Debug().Err(err).Str("event", "skin.set").Msg("append event")
	}
	return nil
}

func (s *Store) applySkin(skin domain.Skin) {
	if s.apply != nil {
		s.apply(skin)
	}
}
