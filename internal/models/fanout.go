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

// FanOut is one queued delivery of an activity to one recipient identity
// (local timeline insert, or remote inbox POST). internal/fanout computes
// the recipient set and creates one row per recipient; the stator graph
// below drives each row's delivery attempts independently so one slow or
// unreachable inbox never blocks delivery to the rest.
type FanOut struct {
	StatorFields
	ID                       int64
	IdentityID               int64
	Type                     FanOutType
	SubjectPostID            *int64
	SubjectPostInteractionID *int64
	SubjectIdentityID        *int64
}

// FanOutGraph: new -> sent (externally satisfied once the handler
// delivers, terminal with a short delete_after since fan-out rows are
// pure delivery receipts, not data worth keeping) or -> failed after
// repeated delivery errors exhaust the retry window.
func FanOutGraph(deliver func(ctx context.Context, fanOutID int64) (bool, error)) *stator.Graph {
	g := stator.NewGraph("fan_outs")

	news := g.AddState(&stator.State{
		Name:               "new",
		TryInterval:        5 * time.Minute,
		Timeout:            48 * time.Hour,
		TimeoutState:       "failed",
		AttemptImmediately: true,
		Handler: func(ctx context.Context, id int64) (string, error) {
			delivered, err := deliver(ctx, id)
			if err != nil {
				return "", err
			}
			if delivered {
				return "sent", nil
			}
			return "", nil
		},
	})
	sent := g.AddState(&stator.State{Name: "sent", DeleteAfter: time.Hour})
	failed := g.AddState(&stator.State{Name: "failed", DeleteAfter: 24 * time.Hour})

	g.TransitionsTo(news.Name, sent.Name)
	g.TransitionsTo(news.Name, failed.Name)

	return g
}

// FanOutRepo is the CRUD layer over fan_outs.
type FanOutRepo struct {
	Store *store.Store
}

// Create inserts a new FanOut row in the "new" state, ready for immediate
// pickup by the stator worker pool. The insert is idempotent on the
// natural key (identity_id, type, subject): a handler that crashes after
// enqueueing fan-out but before its own state transition commits re-runs
// on retry, and the repeat Create for a recipient already enqueued is a
// no-op rather than a duplicate delivery row, backed by the
// fan_outs_dedup unique index.
func (r *FanOutRepo) Create(ctx context.Context, identityID int64, typ FanOutType, subjectPostID, subjectInteractionID, subjectIdentityID *int64) (*FanOut, error) {
	id := snowflake.GenerateIdentity()
	now := time.Now().UTC()
	insertQ := fmt.Sprintf(`INSERT INTO fan_outs (id, identity_id, type, subject_post_id, subject_post_interaction_id,
		subject_identity_id, state, state_changed, state_ready) VALUES (%s) %s`,
		r.Store.Placeholders(9), r.Store.InsertOrIgnore())
	if _, err := r.Store.DB.ExecContext(ctx, insertQ, id, identityID, string(typ), subjectPostID, subjectInteractionID, subjectIdentityID, "new", now, true); err != nil {
		return nil, fmt.Errorf("create fan-out: %w", err)
	}
	return r.getByNaturalKey(ctx, identityID, typ, subjectPostID, subjectInteractionID, subjectIdentityID)
}

// getByNaturalKey returns the fan-out row matching (identityID, typ,
// subject), whether it was just inserted or already existed from an
// earlier attempt. COALESCE on both sides lets the comparison treat a nil
// subject pointer the same way the fan_outs_dedup index does, since SQL
// equality never matches two NULLs against each other directly.
func (r *FanOutRepo) getByNaturalKey(ctx context.Context, identityID int64, typ FanOutType, subjectPostID, subjectInteractionID, subjectIdentityID *int64) (*FanOut, error) {
	q := fmt.Sprintf(`SELECT id, identity_id, type, subject_post_id, subject_post_interaction_id, subject_identity_id,
		state, state_changed, state_attempted, state_locked_until, state_ready FROM fan_outs
		WHERE identity_id=%s AND type=%s
		AND COALESCE(subject_post_id,-1)=COALESCE(%s,-1)
		AND COALESCE(subject_post_interaction_id,-1)=COALESCE(%s,-1)
		AND COALESCE(subject_identity_id,-1)=COALESCE(%s,-1)
		ORDER BY id LIMIT 1`,
		r.Store.Placeholder(1), r.Store.Placeholder(2), r.Store.Placeholder(3), r.Store.Placeholder(4), r.Store.Placeholder(5))
	return scanFanOut(r.Store.DB.QueryRowContext(ctx, q, identityID, string(typ), subjectPostID, subjectInteractionID, subjectIdentityID))
}

// Get loads a FanOut by id.
func (r *FanOutRepo) Get(ctx context.Context, id int64) (*FanOut, error) {
	q := fmt.Sprintf(`SELECT id, identity_id, type, subject_post_id, subject_post_interaction_id, subject_identity_id,
		state, state_changed, state_attempted, state_locked_until, state_ready FROM fan_outs WHERE id=%s`,
		r.Store.Placeholder(1))
	return scanFanOut(r.Store.DB.QueryRowContext(ctx, q, id))
}

func scanFanOut(row *sql.Row) (*FanOut, error) {
	var f FanOut
	var typ string
	var subjectPostID, subjectInteractionID, subjectIdentityID sql.NullInt64
	var stateAttempted, stateLockedUntil sql.NullTime
	err := row.Scan(&f.ID, &f.IdentityID, &typ, &subjectPostID, &subjectInteractionID, &subjectIdentityID,
		&f.State, &f.StateChanged, &stateAttempted, &stateLockedUntil, &f.StateReady)
	if err != nil {
		return nil, err
	}
	f.Type = FanOutType(typ)
	if subjectPostID.Valid {
		f.SubjectPostID = &subjectPostID.Int64
	}
	if subjectInteractionID.Valid {
		f.SubjectPostInteractionID = &subjectInteractionID.Int64
	}
	if subjectIdentityID.Valid {
		f.SubjectIdentityID = &subjectIdentityID.Int64
	}
	if stateAttempted.Valid {
		f.StateAttempted = &stateAttempted.Time
	}
	if stateLockedUntil.Valid {
		f.StateLockedUntil = &stateLockedUntil.Time
	}
	return &f, nil
}
