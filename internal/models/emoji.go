package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klppl/fedcore/internal/snowflake"
	"github.com/klppl/fedcore/internal/stator"
	"github.com/klppl/fedcore/internal/store"
)

// Emoji is one custom emoji, local or federated in off an actor/post.
type Emoji struct {
	StatorFields
	ID        int64
	Shortcode string
	DomainID  *int64
	MimeType  string
	RemoteURL string
	Local     bool
}

// EmojiGraph has a single externally-progressed state: an emoji row is
// only ever created once its image is already resolvable (a local upload,
// or the URL taken off the inbound Emoji tag), so there's nothing for a
// handler to drive.
func EmojiGraph() *stator.Graph {
	g := stator.NewGraph("emojis")
	g.AddState(&stator.State{Name: "ready", ExternallyProgressed: true})
	return g
}

// EmojiRepo is the CRUD layer over emojis.
type EmojiRepo struct {
	Store *store.Store
}

// GetOrCreate returns the emoji for (shortcode, domainID), creating it if
// this is the first time it's been seen from that domain.
func (r *EmojiRepo) GetOrCreate(ctx context.Context, shortcode string, domainID *int64, mimeType, remoteURL string, local bool) (*Emoji, error) {
	existing, err := r.GetByShortcode(ctx, shortcode, domainID)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	id := snowflake.GenerateIdentity()
	now := time.Now().UTC()
	q := fmt.Sprintf(`INSERT INTO emojis (id, shortcode, domain_id, mimetype, remote_url, local,
		state, state_changed, state_ready) VALUES (%s)`, r.Store.Placeholders(9))
	_, err = r.Store.DB.ExecContext(ctx, q, id, shortcode, domainID, mimeType, remoteURL, local, "ready", now, true)
	if err != nil {
		return nil, fmt.Errorf("create emoji: %w", err)
	}
	return r.Get(ctx, id)
}

// Get loads an Emoji by id.
func (r *EmojiRepo) Get(ctx context.Context, id int64) (*Emoji, error) {
	q := fmt.Sprintf(`SELECT id, shortcode, domain_id, mimetype, remote_url, local,
		state, state_changed, state_attempted, state_locked_until, state_ready
		FROM emojis WHERE id=%s`, r.Store.Placeholder(1))
	return scanEmoji(r.Store.DB.QueryRowContext(ctx, q, id))
}

// GetByShortcode loads an Emoji by its (shortcode, domain) natural key.
// domainID nil means the local instance's own emoji set.
func (r *EmojiRepo) GetByShortcode(ctx context.Context, shortcode string, domainID *int64) (*Emoji, error) {
	var q string
	var row *sql.Row
	if domainID == nil {
		q = fmt.Sprintf(`SELECT id, shortcode, domain_id, mimetype, remote_url, local,
			state, state_changed, state_attempted, state_locked_until, state_ready
			FROM emojis WHERE shortcode=%s AND domain_id IS NULL`, r.Store.Placeholder(1))
		row = r.Store.DB.QueryRowContext(ctx, q, shortcode)
	} else {
		q = fmt.Sprintf(`SELECT id, shortcode, domain_id, mimetype, remote_url, local,
			state, state_changed, state_attempted, state_locked_until, state_ready
			FROM emojis WHERE shortcode=%s AND domain_id=%s`, r.Store.Placeholder(1), r.Store.Placeholder(2))
		row = r.Store.DB.QueryRowContext(ctx, q, shortcode, *domainID)
	}
	return scanEmoji(row)
}

func scanEmoji(row *sql.Row) (*Emoji, error) {
	var e Emoji
	var domainID sql.NullInt64
	var stateAttempted, stateLockedUntil sql.NullTime
	err := row.Scan(&e.ID, &e.Shortcode, &domainID, &e.MimeType, &e.RemoteURL, &e.Local,
		&e.State, &e.StateChanged, &stateAttempted, &stateLockedUntil, &e.StateReady)
	if err != nil {
		return nil, err
	}
	if domainID.Valid {
		e.DomainID = &domainID.Int64
	}
	if stateAttempted.Valid {
		e.StateAttempted = &stateAttempted.Time
	}
	if stateLockedUntil.Valid {
		e.StateLockedUntil = &stateLockedUntil.Time
	}
	return &e, nil
}
