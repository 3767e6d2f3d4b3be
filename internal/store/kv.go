package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/scenehost/internal/ir"
)

// Item is one local storage entry.
type Item struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// GetItem returns a scene's stored value for key.
func (s *Store) GetItem(ctx context.Context, scene ir.SceneID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_storage WHERE id = ?`,
		ir.StorageKey(scene, key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get item: %w", err)
	}
	return value, true, nil
}

// SetItem stores value under key for scene, replacing any previous value.
func (s *Store) SetItem(ctx context.Context, scene ir.SceneID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_storage (id, scene, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, ir.StorageKey(scene, key), string(scene), norm.NFC.String(key), value, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set item: %w", err)
	}
	return nil
}

// RemoveItem deletes key for scene. Removing a missing key is not an error.
func (s *Store) RemoveItem(ctx context.Context, scene ir.SceneID, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_storage WHERE id = ?`,
		ir.StorageKey(scene, key)); err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	return nil
}

// Items lists a scene's stored items ordered by key.
func (s *Store) Items(ctx context.Context, scene ir.SceneID) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM kv_storage
		WHERE scene = ?
		ORDER BY key COLLATE BINARY ASC
	`, string(scene))
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Key, &it.Value); err != nil {
			return nil, fmt.Errorf("list items: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return out, nil
}
