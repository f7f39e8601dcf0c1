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

// Report is a Flag activity (or local moderation report) against an
// identity, optionally anchored to one of their posts.
type Report struct {
	StatorFields
	ID            int64
	SourceID      int64
	SubjectID     int64
	SubjectPostID *int64
	Comment       string
	Forward       bool
}

// ReportGraph: open (awaiting moderator action; externally progressed — a
// moderator action closes it) -> resolved, whose terminal delete_after
// clears resolved reports after a year, matching moderation log retention
// practice rather than the shorter per-delivery windows other entities use.
func ReportGraph() *stator.Graph {
	g := stator.NewGraph("reports")
	open := g.AddState(&stator.State{Name: "open", ExternallyProgressed: true})
	resolved := g.AddState(&stator.State{Name: "resolved", DeleteAfter: 365 * 24 * time.Hour})
	g.TransitionsTo(open.Name, resolved.Name)
	return g
}

// ReportRepo is the CRUD layer over reports.
type ReportRepo struct {
	Store *store.Store
}

// Create inserts a new Report in the "open" state.
func (r *ReportRepo) Create(ctx context.Context, sourceID, subjectID int64, subjectPostID *int64, comment string, forward bool) (*Report, error) {
	id := snowflake.GenerateReport()
	now := time.Now().UTC()
	q := fmt.Sprintf(`INSERT INTO reports (id, source_id, subject_id, subject_post_id, comment, forward,
		state, state_changed, state_ready) VALUES (%s)`, r.Store.Placeholders(9))
	_, err := r.Store.DB.ExecContext(ctx, q, id, sourceID, subjectID, subjectPostID, comment, forward, "open", now, true)
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	return r.Get(ctx, id)
}

// Get loads a Report by id.
func (r *ReportRepo) Get(ctx context.Context, id int64) (*Report, error) {
	q := fmt.Sprintf(`SELECT id, source_id, subject_id, subject_post_id, comment, forward,
		state, state_changed, state_attempted, state_locked_until, state_ready FROM reports WHERE id=%s`,
		r.Store.Placeholder(1))
	return scanReport(r.Store.DB.QueryRowContext(ctx, q, id))
}

// Resolve moves a Report directly to its terminal resolved state, called
// from moderator-facing endpoints rather than the stator sweep.
func (r *ReportRepo) Resolve(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	q := fmt.Sprintf(`UPDATE reports SET state=%s, state_changed=%s, state_ready=%s WHERE id=%s`,
		r.Store.Placeholder(1), r.Store.Placeholder(2), r.Store.Placeholder(3), r.Store.Placeholder(4))
	_, err := r.Store.DB.ExecContext(ctx, q, "resolved", now, false, id)
	return err
}

func scanReport(row *sql.Row) (*Report, error) {
	var rpt Report
	var subjectPostID sql.NullInt64
	var stateAttempted, stateLockedUntil sql.NullTime
	err := row.Scan(&rpt.ID, &rpt.SourceID, &rpt.SubjectID, &subjectPostID, &rpt.Comment, &rpt.Forward,
		&rpt.State, &rpt.StateChanged, &stateAttempted, &stateLockedUntil, &rpt.StateReady)
	if err != nil {
		return nil, err
	}
	if subjectPostID.Valid {
		rpt.SubjectPostID = &subjectPostID.Int64
	}
	if stateAttempted.Valid {
		rpt.StateAttempted = &stateAttempted.Time
	}
	if stateLockedUntil.Valid {
		rpt.StateLockedUntil = &stateLockedUntil.Time
	}
	return &rpt, nil
}
