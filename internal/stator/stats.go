package stator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klppl/fedcore/internal/store"
)

// window is one fixed-size ring of per-period handled counts, trimmed to
// Horizon as time passes so Stats never grows unbounded.
type window struct {
	Period  time.Duration `json:"period_seconds"`
	Horizon time.Duration `json:"horizon_seconds"`
	Buckets map[int64]int64 `json:"buckets"` // bucket start (unix) -> handled count
}

func newWindow(period, horizon time.Duration) window {
	return window{Period: period, Horizon: horizon, Buckets: map[int64]int64{}}
}

func (w *window) add(now time.Time, n int64) {
	bucket := now.Unix() / int64(w.Period.Seconds())
	w.Buckets[bucket] += n
}

func (w *window) trim(now time.Time) {
	cutoff := now.Add(-w.Horizon).Unix() / int64(w.Period.Seconds())
	for b := range w.Buckets {
		if b < cutoff {
			delete(w.Buckets, b)
		}
	}
}

func (w *window) total() int64 {
	var total int64
	for _, n := range w.Buckets {
		total += n
	}
	return total
}

// Stats tracks queued depth and handled throughput for one entity type
// across four rolling windows, matching the reference implementation's
// hourly/daily/monthly/yearly granularity so an operator can tell a
// momentary backlog from a sustained one.
type Stats struct {
	ModelLabel string `json:"model_label"`
	Queued     int64  `json:"queued"`

	Hourly  window `json:"hourly"`
	Daily   window `json:"daily"`
	Monthly window `json:"monthly"`
	Yearly  window `json:"yearly"`
}

func newStats(label string) *Stats {
	return &Stats{
		ModelLabel: label,
		Hourly:     newWindow(time.Minute, 2*time.Hour),
		Daily:      newWindow(time.Hour, 50*time.Hour),
		Monthly:    newWindow(24*time.Hour, 62*24*time.Hour),
		Yearly:     newWindow(7*24*time.Hour, 10*365*24*time.Hour),
	}
}

// AddHandled records n rows successfully transitioned this cycle across
// every window.
func (s *Stats) AddHandled(now time.Time, n int64) {
	s.Hourly.add(now, n)
	s.Daily.add(now, n)
	s.Monthly.add(now, n)
	s.Yearly.add(now, n)
}

// Trim drops buckets older than each window's horizon.
func (s *Stats) Trim(now time.Time) {
	s.Hourly.trim(now)
	s.Daily.trim(now)
	s.Monthly.trim(now)
	s.Yearly.trim(now)
}

// StatsStore persists Stats rows keyed by model label.
type StatsStore struct {
	Store *store.Store
}

// Get loads (or initialises) the Stats row for label.
func (ss *StatsStore) Get(ctx context.Context, label string) (*Stats, error) {
	q := fmt.Sprintf(`SELECT data FROM stats WHERE model_label=%s`, ss.Store.Placeholder(1))
	var data string
	err := ss.Store.DB.QueryRowContext(ctx, q, label).Scan(&data)
	if err != nil {
		return newStats(label), nil
	}
	s := newStats(label)
	if err := json.Unmarshal([]byte(data), s); err != nil {
		return newStats(label), nil
	}
	return s, nil
}

// Save upserts s.
func (ss *StatsStore) Save(ctx context.Context, s *Stats) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	q := fmt.Sprintf(
		`INSERT INTO stats (model_label, data) VALUES (%s, %s)
		 ON CONFLICT(model_label) DO UPDATE SET data=excluded.data`,
		ss.Store.Placeholder(1), ss.Store.Placeholder(2),
	)
	_, err = ss.Store.DB.ExecContext(ctx, q, s.ModelLabel, string(data))
	if err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	return nil
}

// SubmitStats refreshes queued depth for every binding, records it, trims
// stale buckets, and persists — meant to run once per schedule tick
// alongside ScheduleSweep/LockSweep.
func SubmitStats(ctx context.Context, ss *StatsStore, bindings []*Binding) error {
	now := time.Now().UTC()
	for _, b := range bindings {
		s, err := ss.Get(ctx, b.Table)
		if err != nil {
			return err
		}
		queued, err := b.QueuedCount(ctx)
		if err != nil {
			return err
		}
		s.Queued = queued
		s.Trim(now)
		if err := ss.Save(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
