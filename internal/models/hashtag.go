package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klppl/fedcore/internal/stator"
	"github.com/klppl/fedcore/internal/store"
)

// Hashtag is a distinct tag name seen in at least one post. Keyed by name
// rather than a snowflake id since the name itself is the natural key
// posts reference.
type Hashtag struct {
	StatorFields
	Name string
}

// HashtagGraph has a single externally-progressed state: a hashtag exists
// the moment it's first used, nothing further to drive automatically. The
// five universal fields are carried anyway so a future moderation review
// state (e.g. flagging a trending tag for review) slots in without a
// schema change.
func HashtagGraph() *stator.Graph {
	g := stator.NewGraph("hashtags")
	g.AddState(&stator.State{Name: "active", ExternallyProgressed: true})
	return g
}

// HashtagRepo is the CRUD layer over hashtags.
type HashtagRepo struct {
	Store *store.Store
}

// GetOrCreate returns the Hashtag row for name, creating it in the
// "active" state if this is the first time it's been used.
func (r *HashtagRepo) GetOrCreate(ctx context.Context, name string) (*Hashtag, error) {
	existing, err := r.Get(ctx, name)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now().UTC()
	q := fmt.Sprintf(`INSERT INTO hashtags (name, state, state_changed, state_ready) VALUES (%s) %s`,
		r.Store.Placeholders(4), r.Store.InsertOrIgnore())
	if _, err := r.Store.DB.ExecContext(ctx, q, name, "active", now, true); err != nil {
		return nil, fmt.Errorf("create hashtag: %w", err)
	}
	return r.Get(ctx, name)
}

// Get loads a Hashtag by name.
func (r *HashtagRepo) Get(ctx context.Context, name string) (*Hashtag, error) {
	q := fmt.Sprintf(`SELECT name, state, state_changed, state_attempted, state_locked_until, state_ready
		FROM hashtags WHERE name=%s`, r.Store.Placeholder(1))
	row := r.Store.DB.QueryRowContext(ctx, q, name)

	var h Hashtag
	var stateAttempted, stateLockedUntil sql.NullTime
	err := row.Scan(&h.Name, &h.State, &h.StateChanged, &stateAttempted, &stateLockedUntil, &h.StateReady)
	if err != nil {
		return nil, err
	}
	if stateAttempted.Valid {
		h.StateAttempted = &stateAttempted.Time
	}
	if stateLockedUntil.Valid {
		h.StateLockedUntil = &stateLockedUntil.Time
	}
	return &h, nil
}
