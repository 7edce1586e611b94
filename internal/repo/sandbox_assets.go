package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"fitline/internal/domain"
)

// InsertSandboxAsset stores a server-side asset record for the sandbox.
func (r Repo) InsertSandboxAsset(ctx context.Context, a domain.Asset) error {
	extra := a.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	payload, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("marshal extra: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO sandbox_assets(id,user_id,url,type,category,extra_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.UserID, a.URL, string(a.Type), nullable(a.Category), string(payload), a.CreatedAt)
	return err
}

// ListSandboxAssets returns a user's assets newest first, optionally filtered by type.
func (r Repo) ListSandboxAssets(ctx context.Context, userID, assetType string, limit int) ([]domain.Asset, error) {
	clauses := []string{"user_id=?"}
	args := []any{userID}
	if assetType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, assetType)
	}
	query := `SELECT id,user_id,url,type,category,extra_json,created_at FROM sandbox_assets WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Asset{}
	for rows.Next() {
		a, err := scanSandboxAsset(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// GetSandboxAsset fetches one asset owned by userID.
func (r Repo) GetSandboxAsset(ctx context.Context, userID, id string) (domain.Asset, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,url,type,category,extra_json,created_at FROM sandbox_assets WHERE user_id=? AND id=?`, userID, id)
	if err != nil {
		return domain.Asset{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Asset{}, err
		}
		return domain.Asset{}, ErrNotFound
	}
	return scanSandboxAsset(rows)
}

// UpdateSandboxAssetExtra merges patch into the asset's extension fields.
func (r Repo) UpdateSandboxAssetExtra(ctx context.Context, userID, id string, patch map[string]any) error {
	a, err := r.GetSandboxAsset(ctx, userID, id)
	if err != nil {
		return err
	}
	if a.Extra == nil {
		a.Extra = map[string]any{}
	}
	for k, v := range patch {
		a.Extra[k] = v
	}
	payload, err := json.Marshal(a.Extra)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE sandbox_assets SET extra_json=? WHERE user_id=? AND id=?`, string(payload), userID, id)
	return err
}

// DeleteSandboxAsset removes an asset owned by userID.
func (r Repo) DeleteSandboxAsset(ctx context.Context, userID, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sandbox_assets WHERE user_id=? AND id=?`, userID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSandboxAsset(rows *sql.Rows) (domain.Asset, error) {
	var a domain.Asset
	var typ string
	var category sql.NullString
	var extra string
	if err := rows.Scan(&a.ID, &a.UserID, &a.URL, &typ, &category, &extra, &a.CreatedAt); err != nil {
		return a, err
	}
	a.Type = domain.AssetType(typ)
	a.Category = category.String
	if extra != "" && extra != "{}" {
		if err := json.Unmarshal([]byte(extra), &a.Extra); err != nil {
			return a, fmt.Errorf("decode extra for %s: %w", a.ID, err)
		}
	}
	return a, nil
}
