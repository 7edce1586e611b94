package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fitline/internal/domain"
)

// Keys of the persisted local state.
const (
	KeyGuestID   = "guest_uid"
	KeyAssets    = "banana-assets"
	KeySkin      = "banana-skin"
	KeyAuthToken = "auth_token"
)

// Repo is the workspace-local store that plays the role of browser storage.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// GetValue returns the value stored under key.
func (r Repo) GetValue(ctx context.Context, key string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return v, nil
}

// SetValue upserts key.
func (r Repo) SetValue(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, now)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// DeleteValue removes key; missing keys are not an error.
func (r Repo) DeleteValue(ctx context.Context, key string) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, key); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// LoadLocalAssets returns the fallback asset snapshot, newest first.
func (r Repo) LoadLocalAssets(ctx context.Context) ([]domain.Asset, error) {
	raw, err := r.GetValue(ctx, KeyAssets)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var assets []domain.Asset
	if err := json.Unmarshal([]byte(raw), &assets); err != nil {
		return nil, fmt.Errorf("decode local assets: %w", err)
	}
	return assets, nil
}

// SaveLocalAssets replaces the fallback asset snapshot.
func (r Repo) SaveLocalAssets(ctx context.Context, assets []domain.Asset) error {
	if assets == nil {
		assets = []domain.Asset{}
	}
	payload, err := json.Marshal(assets)
	if err != nil {
		return err
	}
	return r.SetValue(ctx, KeyAssets, string(payload))
}

// LatestEvents returns the newest activity log entries.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 20
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityIDCol sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityIDCol, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.EntityID = entityIDCol.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
