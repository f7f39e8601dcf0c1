package stator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/klppl/fedcore/internal/store"
)

// Binding ties a Graph to the database table backing it. All five universal
// SQL operations (schedule, lock recovery, claim, transition, delete) are
// implemented once here and reused by every entity type, since every
// stator-managed table shares the same five column names.
type Binding struct {
	Table string
	Graph *Graph
	Store *store.Store

	// mu serialises ClaimBatch per table. A single process with many
	// worker goroutines is this engine's concurrency model; true
	// multi-process safety on PostgreSQL additionally relies on the
	// UPDATE ... RETURNING claim being atomic at the database level.
	mu sync.Mutex
}

// NewBinding validates g and returns a Binding over table.
func NewBinding(s *store.Store, table string, g *Graph) (*Binding, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &Binding{Table: table, Graph: g, Store: s}, nil
}

// ClaimedRow is a row handed to a worker after ClaimBatch locks it.
type ClaimedRow struct {
	ID    int64
	State string
}

// ScheduleSweep marks rows in automatic states as ready once try_interval
// has elapsed since their last attempt (or, absent one, since they entered
// the state), and forces timed-out rows directly to their configured
// timeout state. Intended to run once per schedule tick (default 60s).
func (b *Binding) ScheduleSweep(ctx context.Context) error {
	now := time.Now().UTC()

	for _, name := range b.Graph.AutomaticStates() {
		s := b.Graph.States[name]

		if s.Timeout > 0 {
			q := fmt.Sprintf(
				`UPDATE %s SET state=%s, state_changed=%s, state_attempted=NULL, state_locked_until=NULL, state_ready=%s
				 WHERE state=%s AND state_changed <= %s`,
				b.Table,
				b.Store.Placeholder(1), b.Store.Placeholder(2), b.Store.Placeholder(3),
				b.Store.Placeholder(4), b.Store.Placeholder(5),
			)
			ready := b.Graph.States[s.TimeoutState].AttemptImmediately
			cutoff := now.Add(-s.Timeout)
			if _, err := b.Store.DB.ExecContext(ctx, q, s.TimeoutState, now, ready, name, cutoff); err != nil {
				return fmt.Errorf("stator: %s schedule timeout sweep: %w", b.Table, err)
			}
		}

		q := fmt.Sprintf(
			`UPDATE %s SET state_ready=%s
			 WHERE state=%s AND state_ready=%s AND COALESCE(state_attempted, state_changed) <= %s`,
			b.Table,
			b.Store.Placeholder(1), b.Store.Placeholder(2), b.Store.Placeholder(3), b.Store.Placeholder(4),
		)
		cutoff := now.Add(-s.TryInterval)
		if _, err := b.Store.DB.ExecContext(ctx, q, true, name, false, cutoff); err != nil {
			return fmt.Errorf("stator: %s schedule sweep: %w", b.Table, err)
		}
	}
	return nil
}

// LockSweep recovers rows whose lock expired without the holder clearing
// it, e.g. after a crashed worker. Intended to run alongside ScheduleSweep.
func (b *Binding) LockSweep(ctx context.Context) error {
	now := time.Now().UTC()
	q := fmt.Sprintf(
		`UPDATE %s SET state_locked_until=NULL, state_ready=%s
		 WHERE state_locked_until IS NOT NULL AND state_locked_until <= %s`,
		b.Table, b.Store.Placeholder(1), b.Store.Placeholder(2),
	)
	_, err := b.Store.DB.ExecContext(ctx, q, true, now)
	if err != nil {
		return fmt.Errorf("stator: %s lock sweep: %w", b.Table, err)
	}
	return nil
}

// ClaimBatch locks up to n ready rows for exclusive handling by this
// process, stamping state_locked_until lockExpiry in the future so a
// crashed worker's claim is eventually recovered by LockSweep.
func (b *Binding) ClaimBatch(ctx context.Context, n int, lockExpiry time.Duration) ([]ClaimedRow, error) {
	if n <= 0 {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.Store.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("stator: %s claim begin: %w", b.Table, err)
	}
	defer tx.Rollback()

	selectQ := fmt.Sprintf(
		`SELECT id, state FROM %s WHERE state_ready=%s ORDER BY id LIMIT %d`,
		b.Table, b.Store.Placeholder(1), n,
	)
	rows, err := tx.QueryContext(ctx, selectQ, true)
	if err != nil {
		return nil, fmt.Errorf("stator: %s claim select: %w", b.Table, err)
	}
	var claimed []ClaimedRow
	for rows.Next() {
		var row ClaimedRow
		if err := rows.Scan(&row.ID, &row.State); err != nil {
			rows.Close()
			return nil, fmt.Errorf("stator: %s claim scan: %w", b.Table, err)
		}
		claimed = append(claimed, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	lockedUntil := now.Add(lockExpiry)
	ids := make([]interface{}, 0, len(claimed)+2)
	ids = append(ids, false, lockedUntil, now)
	placeholders := make([]string, len(claimed))
	for i, row := range claimed {
		placeholders[i] = b.Store.Placeholder(len(ids) + 1)
		ids = append(ids, row.ID)
	}
	updateQ := fmt.Sprintf(
		`UPDATE %s SET state_ready=%s, state_locked_until=%s, state_attempted=%s WHERE id IN (%s)`,
		b.Table, b.Store.Placeholder(1), b.Store.Placeholder(2), b.Store.Placeholder(3), join(placeholders),
	)
	if _, err := tx.ExecContext(ctx, updateQ, ids...); err != nil {
		return nil, fmt.Errorf("stator: %s claim lock: %w", b.Table, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("stator: %s claim commit: %w", b.Table, err)
	}
	return claimed, nil
}

// ApplyTransition moves id into next, resetting state_changed so the new
// state's try interval counts from now, and clearing the lock this worker
// held.
func (b *Binding) ApplyTransition(ctx context.Context, id int64, next string) error {
	s, ok := b.Graph.States[next]
	if !ok {
		return fmt.Errorf("stator: %s: unknown target state %q", b.Table, next)
	}
	now := time.Now().UTC()
	q := fmt.Sprintf(
		`UPDATE %s SET state=%s, state_changed=%s, state_attempted=NULL, state_locked_until=NULL, state_ready=%s WHERE id=%s`,
		b.Table, b.Store.Placeholder(1), b.Store.Placeholder(2), b.Store.Placeholder(3), b.Store.Placeholder(4),
	)
	_, err := b.Store.DB.ExecContext(ctx, q, next, now, s.AttemptImmediately, id)
	if err != nil {
		return fmt.Errorf("stator: %s apply transition: %w", b.Table, err)
	}
	return nil
}

// ApplyNoop releases id's lock without moving it, leaving state_changed
// untouched; the next schedule sweep measures the try interval from
// state_attempted (stamped when the row was claimed), falling back to
// state_changed only for a row never attempted.
func (b *Binding) ApplyNoop(ctx context.Context, id int64) error {
	q := fmt.Sprintf(`UPDATE %s SET state_locked_until=NULL WHERE id=%s`, b.Table, b.Store.Placeholder(1))
	_, err := b.Store.DB.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("stator: %s apply noop: %w", b.Table, err)
	}
	return nil
}

// ApplyError records a failed handler attempt by doing nothing at all:
// state_locked_until is left as the worker that claimed the row stamped it,
// so the row only becomes claimable again once that lock expires and
// LockSweep clears it. That's a materially longer backoff than ApplyNoop's
// immediate-retry-next-try-interval behavior, and is deliberate: a handler
// that errored (as opposed to one that ran cleanly and found nothing to do
// yet) gets backed off by lock_expiry before anything retries it.
func (b *Binding) ApplyError(ctx context.Context, id int64) error {
	return nil
}

// DeleteDue removes rows sitting in a terminal, DeleteAfter-bearing state
// long enough to qualify for garbage collection. Returns the number of
// rows removed so the caller can keep looping while rows remain, matching
// the reference runner's "drain, then sleep" deletion cadence.
func (b *Binding) DeleteDue(ctx context.Context, batchSize int) (int64, error) {
	var total int64
	for name, s := range b.Graph.States {
		if !s.Terminal() || s.DeleteAfter <= 0 {
			continue
		}
		cutoff := time.Now().UTC().Add(-s.DeleteAfter)
		q := fmt.Sprintf(
			`DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE state=%s AND state_changed <= %s LIMIT %d)`,
			b.Table, b.Table, b.Store.Placeholder(1), b.Store.Placeholder(2), batchSize,
		)
		res, err := b.Store.DB.ExecContext(ctx, q, name, cutoff)
		if err != nil {
			return total, fmt.Errorf("stator: %s delete due (%s): %w", b.Table, name, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// QueuedCount reports how many rows are currently ready to be picked up,
// for Stats reporting.
func (b *Binding) QueuedCount(ctx context.Context) (int64, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE state_ready=%s`, b.Table, b.Store.Placeholder(1))
	var n int64
	err := b.Store.DB.QueryRowContext(ctx, q, true).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("stator: %s queued count: %w", b.Table, err)
	}
	return n, nil
}

func join(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ", "
		}
		out += it
	}
	return out
}
