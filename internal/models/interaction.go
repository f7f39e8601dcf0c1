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

// PostInteraction is a Like, Announce (boost), or poll vote on a Post.
type PostInteraction struct {
	StatorFields
	ID          int64
	Type        InteractionType
	IdentityID  int64
	PostID      int64
	Value       string // selected option name, for votes; unused otherwise
	ObjectURI   string
	PublishedAt *time.Time
}

// PostInteractionGraph mirrors PostGraph: new -> fanned_out -> undone
// (Undo received/sent) with deletion GC off the terminal states.
func PostInteractionGraph(enqueueFanOut func(ctx context.Context, interactionID int64, typ FanOutType) error) *stator.Graph {
	g := stator.NewGraph("post_interactions")

	news := g.AddState(&stator.State{
		Name:               "new",
		TryInterval:        time.Minute,
		AttemptImmediately: true,
		Handler: func(ctx context.Context, id int64) (string, error) {
			if err := enqueueFanOut(ctx, id, FanOutInteraction); err != nil {
				return "", err
			}
			return "fanned_out", nil
		},
	})
	fannedOut := g.AddState(&stator.State{Name: "fanned_out", ExternallyProgressed: true})
	undone := g.AddState(&stator.State{
		Name:               "undone",
		TryInterval:        time.Minute,
		AttemptImmediately: true,
		Handler: func(ctx context.Context, id int64) (string, error) {
			if err := enqueueFanOut(ctx, id, FanOutUndoInteraction); err != nil {
				return "", err
			}
			return "gone", nil
		},
	})
	gone := g.AddState(&stator.State{Name: "gone", DeleteAfter: 24 * time.Hour})

	g.TransitionsTo(news.Name, fannedOut.Name)
	g.TransitionsTo(fannedOut.Name, undone.Name)
	g.TransitionsTo(undone.Name, gone.Name)

	return g
}

// InteractionRepo is the CRUD layer over post_interactions.
type InteractionRepo struct {
	Store *store.Store
}

const interactionColumns = `id, type, identity_id, post_id, value, object_uri, published_at,
	state, state_changed, state_attempted, state_locked_until, state_ready`

// Create inserts a new interaction in the "new" state.
func (r *InteractionRepo) Create(ctx context.Context, typ InteractionType, identityID, postID int64, value, objectURI string) (*PostInteraction, error) {
	id := snowflake.GenerateInteraction()
	now := time.Now().UTC()
	q := fmt.Sprintf(`INSERT INTO post_interactions (id, type, identity_id, post_id, value, object_uri,
		published_at, state, state_changed, state_ready) VALUES (%s)`, r.Store.Placeholders(10))
	_, err := r.Store.DB.ExecContext(ctx, q, id, string(typ), identityID, postID, value, objectURI, now, "new", now, true)
	if err != nil {
		return nil, fmt.Errorf("create interaction: %w", err)
	}
	return r.Get(ctx, id)
}

// Get loads a PostInteraction by id.
func (r *InteractionRepo) Get(ctx context.Context, id int64) (*PostInteraction, error) {
	q := fmt.Sprintf(`SELECT %s FROM post_interactions WHERE id=%s`, interactionColumns, r.Store.Placeholder(1))
	return scanInteraction(r.Store.DB.QueryRowContext(ctx, q, id))
}

// GetByObjectURI loads a PostInteraction by its AP object id.
func (r *InteractionRepo) GetByObjectURI(ctx context.Context, uri string) (*PostInteraction, error) {
	q := fmt.Sprintf(`SELECT %s FROM post_interactions WHERE object_uri=%s`, interactionColumns, r.Store.Placeholder(1))
	return scanInteraction(r.Store.DB.QueryRowContext(ctx, q, uri))
}

// SetState moves an interaction directly to a new state, used when an
// inbound Undo arrives for a locally-known interaction.
func (r *InteractionRepo) SetState(ctx context.Context, id int64, state string) error {
	now := time.Now().UTC()
	q := fmt.Sprintf(`UPDATE post_interactions SET state=%s, state_changed=%s, state_ready=%s WHERE id=%s`,
		r.Store.Placeholder(1), r.Store.Placeholder(2), r.Store.Placeholder(3), r.Store.Placeholder(4))
	_, err := r.Store.DB.ExecContext(ctx, q, state, now, true, id)
	return err
}

// CountByPostAndType counts interactions of a given type on a post, for
// like/boost counters.
func (r *InteractionRepo) CountByPostAndType(ctx context.Context, postID int64, typ InteractionType) (int, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM post_interactions WHERE post_id=%s AND type=%s AND state != %s`,
		r.Store.Placeholder(1), r.Store.Placeholder(2), r.Store.Placeholder(3))
	var n int
	err := r.Store.DB.QueryRowContext(ctx, q, postID, string(typ), "gone").Scan(&n)
	return n, err
}

func scanInteraction(row *sql.Row) (*PostInteraction, error) {
	var pi PostInteraction
	var typ string
	var value sql.NullString
	var publishedAt, stateAttempted, stateLockedUntil sql.NullTime
	err := row.Scan(&pi.ID, &typ, &pi.IdentityID, &pi.PostID, &value, &pi.ObjectURI, &publishedAt,
		&pi.State, &pi.StateChanged, &stateAttempted, &stateLockedUntil, &pi.StateReady)
	if err != nil {
		return nil, err
	}
	pi.Type = InteractionType(typ)
	pi.Value = value.String
	if publishedAt.Valid {
		pi.PublishedAt = &publishedAt.Time
	}
	if stateAttempted.Valid {
		pi.StateAttempted = &stateAttempted.Time
	}
	if stateLockedUntil.Valid {
		pi.StateLockedUntil = &stateLockedUntil.Time
	}
	return &pi, nil
}
