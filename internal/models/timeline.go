package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klppl/fedcore/internal/snowflake"
	"github.com/klppl/fedcore/internal/store"
)

// TimelineEvent is one entry in an identity's home/notifications timeline.
// Idempotent on its natural key (identity, type, subject ids), so
// redelivered activities never produce duplicate timeline entries.
type TimelineEvent struct {
	ID                       int64
	IdentityID               int64
	Type                     TimelineEventType
	SubjectPostID            *int64
	SubjectPostInteractionID *int64
	SubjectIdentityID        *int64
	CreatedAt                time.Time
}

// TimelineEventRepo is the CRUD layer over timeline_events.
type TimelineEventRepo struct {
	Store *store.Store
}

// Add inserts a timeline event, silently doing nothing if its natural key
// already exists — the idempotency contract fan-out relies on to be safe
// to retry.
func (r *TimelineEventRepo) Add(ctx context.Context, identityID int64, typ TimelineEventType, subjectPostID, subjectInteractionID, subjectIdentityID *int64) error {
	id := snowflake.GenerateIdentity()
	now := time.Now().UTC()
	q := fmt.Sprintf(
		`INSERT INTO timeline_events (id, identity_id, type, subject_post_id, subject_post_interaction_id, subject_identity_id, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s) %s`,
		r.Store.Placeholder(1), r.Store.Placeholder(2), r.Store.Placeholder(3), r.Store.Placeholder(4),
		r.Store.Placeholder(5), r.Store.Placeholder(6), r.Store.Placeholder(7), r.Store.InsertOrIgnore(),
	)
	_, err := r.Store.DB.ExecContext(ctx, q, id, identityID, string(typ), subjectPostID, subjectInteractionID, subjectIdentityID, now)
	if err != nil {
		return fmt.Errorf("add timeline event: %w", err)
	}
	return nil
}

// ListForIdentity returns the most recent events for identityID, newest
// first, for home/notification timeline rendering.
func (r *TimelineEventRepo) ListForIdentity(ctx context.Context, identityID int64, limit int) ([]TimelineEvent, error) {
	q := fmt.Sprintf(
		`SELECT id, identity_id, type, subject_post_id, subject_post_interaction_id, subject_identity_id, created_at
		 FROM timeline_events WHERE identity_id=%s ORDER BY created_at DESC LIMIT %d`,
		r.Store.Placeholder(1), limit,
	)
	rows, err := r.Store.DB.QueryContext(ctx, q, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineEvent
	for rows.Next() {
		var e TimelineEvent
		var typ string
		var subjectPostID, subjectInteractionID, subjectIdentityID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.IdentityID, &typ, &subjectPostID, &subjectInteractionID, &subjectIdentityID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = TimelineEventType(typ)
		if subjectPostID.Valid {
			e.SubjectPostID = &subjectPostID.Int64
		}
		if subjectInteractionID.Valid {
			e.SubjectPostInteractionID = &subjectInteractionID.Int64
		}
		if subjectIdentityID.Valid {
			e.SubjectIdentityID = &subjectIdentityID.Int64
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
