package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/klppl/fedcore/internal/apperr"
	"github.com/klppl/fedcore/internal/snowflake"
	"github.com/klppl/fedcore/internal/stator"
	"github.com/klppl/fedcore/internal/store"
)

// InboxMessage is a raw activity accepted by the inbox receiver (signature
// verified, or unsigned first contact from an actor whose key is not cached
// yet) waiting for (or having completed) dispatch. Kept around briefly after
// processing so a dispatch bug can be diagnosed from the stored payload
// rather than only from logs.
type InboxMessage struct {
	StatorFields
	ID      int64
	Body    string // JSON body exactly as received; it is not canonicalised
	Sender  string // actor URI that delivered it, for debugging/rate-limiting
}

// InboxMessageGraph: received -> processed (dispatch succeeded) or errored
// (dispatch returned an *apperr.FormatError or *apperr.ActorMismatchError,
// or the message was still failing after the one-hour timeout). Any other
// dispatch error is retried. Both terminal states self-delete after three
// days, per the retention note on InboxMessage in the data model.
func InboxMessageGraph(dispatch func(ctx context.Context, messageID int64) error) *stator.Graph {
	g := stator.NewGraph("inbox_messages")

	received := g.AddState(&stator.State{
		Name:               "received",
		TryInterval:        time.Minute,
		AttemptImmediately: true,
		Handler: func(ctx context.Context, id int64) (string, error) {
			if err := dispatch(ctx, id); err != nil {
				var formatErr *apperr.FormatError
				var mismatchErr *apperr.ActorMismatchError
				if errors.As(err, &formatErr) || errors.As(err, &mismatchErr) {
					return "errored", nil
				}
				return "", err
			}
			return "processed", nil
		},
		Timeout:      time.Hour,
		TimeoutState: "errored",
	})
	processed := g.AddState(&stator.State{Name: "processed", DeleteAfter: 3 * 24 * time.Hour})
	errored := g.AddState(&stator.State{Name: "errored", DeleteAfter: 3 * 24 * time.Hour})

	g.TransitionsTo(received.Name, processed.Name)
	g.TransitionsTo(received.Name, errored.Name)

	return g
}

// InboxMessageRepo is the CRUD layer over inbox_messages.
type InboxMessageRepo struct {
	Store *store.Store
}

// Create persists a received activity in the "received" state.
func (r *InboxMessageRepo) Create(ctx context.Context, body, sender string) (*InboxMessage, error) {
	id := snowflake.GenerateIdentity()
	now := time.Now().UTC()
	q := fmt.Sprintf(`INSERT INTO inbox_messages (id, body, sender, state, state_changed, state_ready)
		VALUES (%s)`, r.Store.Placeholders(6))
	_, err := r.Store.DB.ExecContext(ctx, q, id, body, sender, "received", now, true)
	if err != nil {
		return nil, fmt.Errorf("create inbox message: %w", err)
	}
	return r.Get(ctx, id)
}

// Get loads an InboxMessage by id.
func (r *InboxMessageRepo) Get(ctx context.Context, id int64) (*InboxMessage, error) {
	q := fmt.Sprintf(`SELECT id, body, sender, state, state_changed, state_attempted, state_locked_until, state_ready
		FROM inbox_messages WHERE id=%s`, r.Store.Placeholder(1))
	return scanInboxMessage(r.Store.DB.QueryRowContext(ctx, q, id))
}

func scanInboxMessage(row *sql.Row) (*InboxMessage, error) {
	var m InboxMessage
	var stateAttempted, stateLockedUntil sql.NullTime
	err := row.Scan(&m.ID, &m.Body, &m.Sender, &m.State, &m.StateChanged, &stateAttempted, &stateLockedUntil, &m.StateReady)
	if err != nil {
		return nil, err
	}
	if stateAttempted.Valid {
		m.StateAttempted = &stateAttempted.Time
	}
	if stateLockedUntil.Valid {
		m.StateLockedUntil = &stateLockedUntil.Time
	}
	return &m, nil
}
