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

// PostAttachment is one media item (image, video) attached to a Post.
type PostAttachment struct {
	StatorFields
	ID        int64
	PostID    int64
	URL       string
	MediaType string
	Name      string
	Blurhash  string
	Width     int
	Height    int
}

// PostAttachmentGraph has a single externally-progressed state: attachment
// rows are created already pointing at a usable URL (local upload, or the
// remote URL taken straight off an inbound Create), so there is nothing
// for a stator handler to do. The five universal fields still apply so a
// future "fetch and proxy remote media locally" feature can add real
// states without a schema change.
func PostAttachmentGraph() *stator.Graph {
	g := stator.NewGraph("post_attachments")
	g.AddState(&stator.State{Name: "ready", ExternallyProgressed: true})
	return g
}

// PostAttachmentRepo is the CRUD layer over post_attachments.
type PostAttachmentRepo struct {
	Store *store.Store
}

// Create inserts an attachment already in the "ready" state.
func (r *PostAttachmentRepo) Create(ctx context.Context, postID int64, url, mediaType, name, blurhash string, width, height int) (*PostAttachment, error) {
	id := snowflake.GenerateIdentity()
	now := time.Now().UTC()
	q := fmt.Sprintf(`INSERT INTO post_attachments (id, post_id, url, media_type, name, blurhash, width, height,
		state, state_changed, state_ready) VALUES (%s)`, r.Store.Placeholders(11))
	_, err := r.Store.DB.ExecContext(ctx, q, id, postID, url, mediaType, name, blurhash, width, height, "ready", now, true)
	if err != nil {
		return nil, fmt.Errorf("create attachment: %w", err)
	}
	return r.Get(ctx, id)
}

// Get loads a PostAttachment by id.
func (r *PostAttachmentRepo) Get(ctx context.Context, id int64) (*PostAttachment, error) {
	q := fmt.Sprintf(`SELECT id, post_id, url, media_type, name, blurhash, width, height,
		state, state_changed, state_attempted, state_locked_until, state_ready
		FROM post_attachments WHERE id=%s`, r.Store.Placeholder(1))
	return scanAttachment(r.Store.DB.QueryRowContext(ctx, q, id))
}

// ListForPost returns every attachment on a post, in insertion order.
func (r *PostAttachmentRepo) ListForPost(ctx context.Context, postID int64) ([]PostAttachment, error) {
	q := fmt.Sprintf(`SELECT id, post_id, url, media_type, name, blurhash, width, height,
		state, state_changed, state_attempted, state_locked_until, state_ready
		FROM post_attachments WHERE post_id=%s ORDER BY id`, r.Store.Placeholder(1))
	rows, err := r.Store.DB.QueryContext(ctx, q, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PostAttachment
	for rows.Next() {
		var a PostAttachment
		var stateAttempted, stateLockedUntil sql.NullTime
		if err := rows.Scan(&a.ID, &a.PostID, &a.URL, &a.MediaType, &a.Name, &a.Blurhash, &a.Width, &a.Height,
			&a.State, &a.StateChanged, &stateAttempted, &stateLockedUntil, &a.StateReady); err != nil {
			return nil, err
		}
		if stateAttempted.Valid {
			a.StateAttempted = &stateAttempted.Time
		}
		if stateLockedUntil.Valid {
			a.StateLockedUntil = &stateLockedUntil.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttachment(row *sql.Row) (*PostAttachment, error) {
	var a PostAttachment
	var stateAttempted, stateLockedUntil sql.NullTime
	err := row.Scan(&a.ID, &a.PostID, &a.URL, &a.MediaType, &a.Name, &a.Blurhash, &a.Width, &a.Height,
		&a.State, &a.StateChanged, &stateAttempted, &stateLockedUntil, &a.StateReady)
	if err != nil {
		return nil, err
	}
	if stateAttempted.Valid {
		a.StateAttempted = &stateAttempted.Time
	}
	if stateLockedUntil.Valid {
		a.StateLockedUntil = &stateLockedUntil.Time
	}
	return &a, nil
}
