// Package library owns the user's asset collection for a session.
//
// Mutations are optimistic: the in-memory snapshot changes before the remote
// call is made and is never rolled back when that call fails. The snapshot is
// a cache that becomes consistent again on the next successful refresh, either
// the one each mutation triggers or the periodic one from Start.
package library

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fitline/internal/domain"
	"fitline/internal/events"
	"fitline/internal/identity"
	fitlinesdk "fitline/sdk/go"
)

const (
	DefaultLimit        = 100
	DefaultPollInterval = 5 * time.Second
)

// Remote is the asset half of the service API.
type Remote interface {
	ListAssets(ctx context.Context, opts fitlinesdk.ListAssetsOptions) ([]domain.Asset, error)
	CreateAsset(ctx context.Context, url string, assetType domain.AssetType) (string, error)
	UploadAsset(ctx context.Context, file fitlinesdk.FilePart, assetType domain.AssetType) (fitlinesdk.UploadResult, error)
	DeleteAsset(ctx context.Context, id string) error
	UpdateAssetTags(ctx context.Context, id string, tags []string) error
}

// Local persists the snapshot when no remote identity is available.
type Local interface {
	LoadLocalAssets(ctx context.Context) ([]domain.Asset, error)
	SaveLocalAssets(ctx context.Context, assets []domain.Asset) error
}

// Identities resolves who is acting and their token.
type Identities interface {
	Current(ctx context.Context) (identity.Identity, error)
	Token(ctx context.Context) (string, error)
}

// Options configure a Store. Remote and Identities together select remote
// mode; leaving either nil runs the store on Local only.
type Options struct {
	Remote       Remote
	Local        Local
	Identities   Identities
	Limit        int
	PollInterval time.Duration
	Log          zerolog.Logger
	Events       events.Writer
	Now          func() time.Time
	// SignInRequired runs when an upload is attempted with no identity.
	SignInRequired func(ctx context.Context)
}

// Store is the single owner of the asset snapshot.
type Store struct {
	opts Options
	log  zerolog.Logger

	mu     sync.RWMutex
	assets []domain.Asset
	// loaded is set once a refresh has replaced the snapshot.
	loaded bool

	loadMu sync.Mutex

	pollMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Store {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts: opts,
		log:  opts.Log.With().Str("component", "library").Logger(),
	}
}

func (s *Store) remoteMode() bool {
	return s.opts.Remote != nil && s.opts.Identities != nil
}

// List returns a copy of the current snapshot, newest first.
func (s *Store) List() []domain.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Asset, len(s.assets))
	copy(out, s.assets)
	return out
}

// Refresh replaces the snapshot with the most recent assets. On failure the
// existing snapshot is kept and the error is logged and returned.
func (s *Store) Refresh(ctx context.Context) error {
	var (
		assets []domain.Asset
		err    error
	)
	if s.remoteMode() {
		assets, err = s.opts.Remote.ListAssets(ctx, fitlinesdk.ListAssetsOptions{Limit: s.opts.Limit})
	} else if s.opts.Local != nil {
		assets, err = s.opts.Local.LoadLocalAssets(ctx)
	} else {
		return nil
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("refresh assets; keeping stale snapshot")
		return fmt.Errorf("refresh assets: %w", err)
	}
	assets = dedupe(assets)
	s.mu.Lock()
	s.assets = assets
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// loadLocal reads the persisted snapshot before the first local mutation,
// since every local mutation writes the whole snapshot back.
func (s *Store) loadLocal(ctx context.Context) error {
	if s.remoteMode() || s.opts.Local == nil {
		return nil
	}
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	if err := s.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// dedupe drops repeated ids, keeping the first (newest) occurrence.
func dedupe(assets []domain.Asset) []domain.Asset {
	seen := make(map[string]struct{}, len(assets))
	out := make([]domain.Asset, 0, len(assets))
	for _, a := range assets {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}

// AddByURL inserts an asset for an existing URL at the head of the snapshot
// and then persists it. The optimistic entry carries a temporary id until a
// refresh brings in the server's record.
func (s *Store) AddByURL(ctx context.Context, url string, assetType domain.AssetType) (domain.Asset, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return domain.Asset{}, &domain.ValidationError{Field: "url", Message: "is required"}
	}
	if !assetType.IsValid() {
		return domain.Asset{}, &domain.ValidationError{Field: "type", Message: fmt.Sprintf("invalid asset type %q", assetType)}
	}
	if err := s.loadLocal(ctx); err != nil {
		return domain.Asset{}, fmt.Errorf("add asset: %w", err)
	}
	asset := domain.Asset{
		ID:   "tmp-" + uuid.NewString(),
		URL:  url,
		Type: assetType,
	}
	if s.opts.Identities != nil {
		if id, err := s.opts.Identities.Current(ctx); err == nil {
			asset.UserID = id.ID()
		}
	}

	s.mu.Lock()
	asset.CreatedAt = s.opts.Now().UnixMilli()
	if len(s.assets) > 0 && s.assets[0].CreatedAt > asset.CreatedAt {
		asset.CreatedAt = s.assets[0].CreatedAt
	}
	s.assets = append([]domain.Asset{asset}, s.assets...)
	snapshot := append([]domain.Asset(nil), s.assets...)
	s.mu.Unlock()

	s.record(ctx, "asset.add", asset.ID, asset.UserID, events.EventPayload{"url": url, "type": string(assetType)})

	if !s.remoteMode() {
		return asset, s.saveLocal(ctx, snapshot)
	}
	if _, err := s.opts.Remote.CreateAsset(ctx, url, assetType); err != nil {
		s.log.Error().Err(err).Str("url", url).Msg("add asset to backend")
		return asset, fmt.Errorf("add asset: %w", err)
	}
	_ = s.Refresh(ctx)
	return asset, nil
}

// Upload sends file bytes to the service and returns the stored URL. Without
// an identity the sign-in flow is started and the call is abandoned.
func (s *Store) Upload(ctx context.Context, data []byte, filename string, assetType domain.AssetType) (string, error) {
	if !assetType.IsValid() {
		return "", &domain.ValidationError{Field: "type", Message: fmt.Sprintf("invalid asset type %q", assetType)}
	}
	if len(data) == 0 {
		return "", &domain.ValidationError{Field: "file", Message: "is empty"}
	}
	if !s.remoteMode() {
		if s.opts.SignInRequired != nil {
			s.opts.SignInRequired(ctx)
		}
		return "", fmt.Errorf("upload asset: %w", domain.ErrUnauthenticated)
	}
	token, err := s.opts.Identities.Token(ctx)
	if err != nil || token == "" {
		if err == nil {
			err = domain.ErrUnauthenticated
		}
		return "", fmt.Errorf("upload asset: %w", err)
	}
	mt := mimetype.Detect(data)
	if filename == "" {
		filename = "upload" + mt.Extension()
	}
	res, err := s.opts.Remote.UploadAsset(ctx, fitlinesdk.FilePart{
		Filename:    filename,
		ContentType: mt.String(),
		Data:        data,
	}, assetType)
	if err != nil {
		s.log.Error().Err(err).Str("filename", filename).Msg("upload asset")
		return "", fmt.Errorf("upload asset: %w", err)
	}
	s.record(ctx, "asset.upload", res.ID, "", events.EventPayload{"url": res.URL, "type": string(assetType), "filename": filename})
	_ = s.Refresh(ctx)
	return res.URL, nil
}

// Delete removes the asset from the snapshot at once, then asks the service to
// delete it. A failed remote delete triggers a refresh rather than a
// re-insert so a concurrent refresh cannot produce duplicates.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.loadLocal(ctx); err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	s.mu.Lock()
	kept := s.assets[:0:0]
	for _, a := range s.assets {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	s.assets = kept
	snapshot := append([]domain.Asset(nil), kept...)
	s.mu.Unlock()

	s.record(ctx, "asset.delete", id, "", nil)

	if !s.remoteMode() {
		return s.saveLocal(ctx, snapshot)
	}
	if err := s.opts.Remote.DeleteAsset(ctx, id); err != nil {
		s.log.Error().Err(err).Str("asset_id", id).Msg("delete asset")
		_ = s.Refresh(ctx)
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}

// Tag replaces an asset's tags.
func (s *Store) Tag(ctx context.Context, id string, tags []string) error {
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	if err := s.loadLocal(ctx); err != nil {
		return fmt.Errorf("tag asset: %w", err)
	}
	s.mu.Lock()
	found := false
	for i := range s.assets {
		if s.assets[i].ID != id {
			continue
		}
		found = true
		extra := make(map[string]any, len(s.assets[i].Extra)+1)
		for k, v := range s.assets[i].Extra {
			extra[k] = v
		}
		anyTags := make([]any, len(clean))
		for j, t := range clean {
			anyTags[j] = t
		}
		extra["tags"] = anyTags
		s.assets[i].Extra = extra
	}
	snapshot := append([]domain.Asset(nil), s.assets...)
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("asset %s: %w", id, errNotInLibrary)
	}
	s.record(ctx, "asset.tag", id, "", events.EventPayload{"tags": clean})

	if !s.remoteMode() {
		return s.saveLocal(ctx, snapshot)
	}
	if err := s.opts.Remote.UpdateAssetTags(ctx, id, clean); err != nil {
		s.log.Error().Err(err).Str("asset_id", id).Msg("tag asset")
		_ = s.Refresh(ctx)
		return fmt.Errorf("tag asset: %w", err)
	}
	return nil
}

var errNotInLibrary = errors.New("not in library")

// FilterByType returns the assets of one type.
func (s *Store) FilterByType(t domain.AssetType) []domain.Asset {
	return ByType(s.List(), t)
}

// FilterByCategory returns the image or the video assets.
func (s *Store) FilterByCategory(c domain.MediaCategory) []domain.Asset {
	return ByCategory(s.List(), c)
}

// FilterByTab returns the assets shown under a library tab.
func (s *Store) FilterByTab(tab string) []domain.Asset {
	var out []domain.Asset
	for _, a := range s.List() {
		if a.InTab(tab) {
			out = append(out, a)
		}
	}
	return out
}

func ByType(assets []domain.Asset, t domain.AssetType) []domain.Asset {
	var out []domain.Asset
	for _, a := range assets {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

func ByCategory(assets []domain.Asset, c domain.MediaCategory) []domain.Asset {
	var out []domain.Asset
	for _, a := range assets {
		if a.Type.Category() == c {
			out = append(out, a)
		}
	}
	return out
}

// HandleIdentityChange drops the previous user's snapshot and reloads.
func (s *Store) HandleIdentityChange(ctx context.Context) {
	s.mu.Lock()
	s.assets = nil
	s.loaded = false
	s.mu.Unlock()
	_ = s.Refresh(ctx)
}

func (s *Store) saveLocal(ctx context.Context, snapshot []domain.Asset) error {
	if s.opts.Local == nil {
		return nil
	}
	if err := s.opts.Local.SaveLocalAssets(ctx, snapshot); err != nil {
		// In-memory state stays authoritative for the session.
		s.log.Warn().Err(err).Msg("persist local assets")
	}
	return nil
}

func (s *Store) record(ctx context.Context, evtType, entityID, actorID string, payload events.EventPayload) {
	if err := s.opts.Events.Append(ctx, evtType, "asset", entityID, actorID, payload); err != nil {
		s.log.Debug().Err(err).Str("event", evtType).Msg("append event")
	}
}
