package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Persisted decision scopes. Session (scene) scope is never stored.
const (
	ScopeRealm  = "realm"
	ScopeGlobal = "global"
)

// Persisted decision values.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// DecisionKey addresses a remembered permission decision. Realm is empty for
// global scope.
type DecisionKey struct {
	Scope string `json:"scope"`
	Realm string `json:"realm,omitempty"`
	Scene string `json:"scene"`
	Kind  string `json:"kind"`
}

// DecisionRecord is a remembered permission decision.
type DecisionRecord struct {
	DecisionKey
	Decision  string    `json:"decision"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (k DecisionKey) normalized() DecisionKey {
	if k.Scope == ScopeGlobal {
		k.Realm = ""
	}
	return k
}

func (k DecisionKey) validate() error {
	if k.Scope != ScopeRealm && k.Scope != ScopeGlobal {
		return fmt.Errorf("invalid scope %q", k.Scope)
	}
	if k.Scene == "" || k.Kind == "" {
		return fmt.Errorf("scene and kind are required")
	}
	return nil
}

// SaveDecision upserts a decision. A later save for the same key replaces
// the earlier answer.
func (s *Store) SaveDecision(ctx context.Context, rec DecisionRecord) error {
	key := rec.DecisionKey.normalized()
	if err := key.validate(); err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	if rec.Decision != DecisionAllow && rec.Decision != DecisionDeny {
		return fmt.Errorf("save decision: invalid decision %q", rec.Decision)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_decisions (scope, realm, scene, kind, decision, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, realm, scene, kind) DO UPDATE SET
			decision = excluded.decision,
			updated_at = excluded.updated_at
	`, key.Scope, key.Realm, key.Scene, key.Kind, rec.Decision, updated.UnixMilli())
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

// LookupDecision returns the remembered decision for key, if any.
func (s *Store) LookupDecision(ctx context.Context, key DecisionKey) (string, bool, error) {
	key = key.normalized()
	var decision string
	err := s.db.QueryRowContext(ctx, `
		SELECT decision FROM permission_decisions
		WHERE scope = ? AND realm = ? AND scene = ? AND kind = ?
	`, key.Scope, key.Realm, key.Scene, key.Kind).Scan(&decision)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup decision: %w", err)
	}
	return decision, true, nil
}

// DeleteDecision forgets a decision. Reports whether a row was removed.
func (s *Store) DeleteDecision(ctx context.Context, key DecisionKey) (bool, error) {
	key = key.normalized()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM permission_decisions
		WHERE scope = ? AND realm = ? AND scene = ? AND kind = ?
	`, key.Scope, key.Realm, key.Scene, key.Kind)
	if err != nil {
		return false, fmt.Errorf("delete decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete decision: %w", err)
	}
	return n > 0, nil
}

// ListDecisions returns every remembered decision in deterministic order.
func (s *Store) ListDecisions(ctx context.Context) ([]DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, realm, scene, kind, decision, updated_at
		FROM permission_decisions
		ORDER BY scope ASC, realm ASC, scene ASC, kind ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var (
			rec     DecisionRecord
			updated int64
		)
		if err := rows.Scan(&rec.Scope, &rec.Realm, &rec.Scene, &rec.Kind, &rec.Decision, &updated); err != nil {
			return nil, fmt.Errorf("list decisions: %w", err)
		}
		rec.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return out, nil
}
