// Package settings implements the three-scope configuration store: system
// settings apply instance-wide, user settings apply to one local account,
// and identity settings apply to one of that account's identities.
// Grounded on the teacher's flat SetKV/GetKV store, generalised to carry a
// scope and scope id alongside each key.
package settings

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/klppl/fedcore/internal/store"
)

// Scope names a settings partition.
type Scope string

const (
	ScopeSystem   Scope = "system"
	ScopeUser     Scope = "user"
	ScopeIdentity Scope = "identity"
)

// Store reads and writes scoped settings values, backed by the settings
// table's (scope, scope_id, key) natural key.
type Store struct {
	store *store.Store
}

// New wraps s as a settings.Store.
func New(s *store.Store) *Store {
	return &Store{store: s}
}

// Get returns the value stored for (scope, scopeID, key), and false if
// nothing has been set. ScopeSystem callers should pass an empty scopeID.
func (s *Store) Get(ctx context.Context, scope Scope, scopeID, key string) (string, bool, error) {
	q := fmt.Sprintf(`SELECT value FROM settings WHERE scope=%s AND scope_id=%s AND key=%s`,
		s.store.Placeholder(1), s.store.Placeholder(2), s.store.Placeholder(3))
	var value string
	err := s.store.DB.QueryRowContext(ctx, q, string(scope), scopeID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// GetBool is Get with a lenient "true"/"1" truthiness check, falling back
// to def when the key is unset.
func (s *Store) GetBool(ctx context.Context, scope Scope, scopeID, key string, def bool) (bool, error) {
	v, ok, err := s.Get(ctx, scope, scopeID, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return def, nil
	}
	return v == "true" || v == "1", nil
}

// Set upserts (scope, scopeID, key) to value. The ON CONFLICT upsert
// syntax is identical across the sqlite and postgres drivers this store
// supports, so no dialect branch is needed here.
func (s *Store) Set(ctx context.Context, scope Scope, scopeID, key, value string) error {
	q := fmt.Sprintf(
		`INSERT INTO settings (scope, scope_id, key, value) VALUES (%s, %s, %s, %s)
		 ON CONFLICT(scope, scope_id, key) DO UPDATE SET value = excluded.value`,
		s.store.Placeholder(1), s.store.Placeholder(2), s.store.Placeholder(3), s.store.Placeholder(4))
	_, err := s.store.DB.ExecContext(ctx, q, string(scope), scopeID, key, value)
	return err
}

// SetBool stores a bool as "true"/"false" text.
func (s *Store) SetBool(ctx context.Context, scope Scope, scopeID, key string, value bool) error {
	if value {
		return s.Set(ctx, scope, scopeID, key, "true")
	}
	return s.Set(ctx, scope, scopeID, key, "false")
}

// ListScope returns every key/value pair set under (scope, scopeID), for
// rendering a settings page in one query.
func (s *Store) ListScope(ctx context.Context, scope Scope, scopeID string) (map[string]string, error) {
	q := fmt.Sprintf(`SELECT key, value FROM settings WHERE scope=%s AND scope_id=%s`,
		s.store.Placeholder(1), s.store.Placeholder(2))
	rows, err := s.store.DB.QueryContext(ctx, q, string(scope), scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
