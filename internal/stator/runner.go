package stator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// RunnerConfig tunes the scheduler and worker pool. Defaults mirror the
// reference workflow engine this package generalises.
type RunnerConfig struct {
	Concurrency         int           // total in-flight transitions across all bindings
	ConcurrencyPerModel int           // cap per binding per cycle, so one noisy table can't starve the rest
	ScheduleInterval     time.Duration // how often ScheduleSweep/LockSweep run
	DeleteInterval       time.Duration // how often DeleteDue runs
	LockExpiry           time.Duration // lease stamped on claimed rows
	LivenessFile         string        // touched on every schedule tick; empty disables
	Stats                *StatsStore   // if set, queued counts are recorded every schedule tick; handled counts are not recorded
}

// DefaultRunnerConfig matches the values the reference implementation ships
// with, tuned for a single mid-sized instance.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Concurrency:         30,
		ConcurrencyPerModel: 15,
		ScheduleInterval:    60 * time.Second,
		DeleteInterval:      30 * time.Second,
		LockExpiry:          300 * time.Second,
	}
}

// Runner drives every registered Binding through its lifecycle: periodic
// schedule/lock sweeps, a bounded worker pool claiming and transitioning
// rows, and terminal-state garbage collection.
type Runner struct {
	cfg      RunnerConfig
	bindings []*Binding
	sem      chan struct{}

	mu sync.Mutex
}

// NewRunner constructs a Runner over the given bindings.
func NewRunner(cfg RunnerConfig, bindings ...*Binding) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 30
	}
	if cfg.ConcurrencyPerModel <= 0 {
		cfg.ConcurrencyPerModel = 15
	}
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = 60 * time.Second
	}
	if cfg.DeleteInterval <= 0 {
		cfg.DeleteInterval = 30 * time.Second
	}
	if cfg.LockExpiry <= 0 {
		cfg.LockExpiry = 300 * time.Second
	}
	return &Runner{cfg: cfg, bindings: bindings, sem: make(chan struct{}, cfg.Concurrency)}
}

// Run blocks, driving the scheduler until ctx is cancelled. A watchdog
// forces process exit if a schedule tick doesn't complete within twice the
// schedule interval — Go has no SIGALRM equivalent worth reaching for, so
// this is implemented with a timer that os.Exit(2)s if not reset in time,
// mirroring the same fail-fast intent as the reference runner's alarm
// handler: a wedged scheduler should crash loudly, not hang silently.
func (r *Runner) Run(ctx context.Context) error {
	scheduleTicker := time.NewTicker(r.cfg.ScheduleInterval)
	defer scheduleTicker.Stop()
	deleteTicker := time.NewTicker(r.cfg.DeleteInterval)
	defer deleteTicker.Stop()

	watchdog := time.AfterFunc(r.cfg.ScheduleInterval*2, func() {
		slog.Error("stator: watchdog timeout, scheduler appears wedged, exiting")
		os.Exit(2)
	})
	defer watchdog.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	transitionTicker := time.NewTicker(500 * time.Millisecond)
	defer transitionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-scheduleTicker.C:
			watchdog.Reset(r.cfg.ScheduleInterval * 2)
			r.runScheduling(ctx)
			r.touchLiveness()

		case <-deleteTicker.C:
			r.runDeletion(ctx)

		case <-transitionTicker.C:
			r.runTransitions(ctx, &wg)
		}
	}
}

// RunSingleCycle runs one full pass (schedule, lock sweep, claim, delete)
// synchronously, for tests and for a one-shot "catch up" invocation.
func (r *Runner) RunSingleCycle(ctx context.Context) error {
	r.runScheduling(ctx)
	var wg sync.WaitGroup
	r.runTransitions(ctx, &wg)
	wg.Wait()
	r.runDeletion(ctx)
	return nil
}

func (r *Runner) runScheduling(ctx context.Context) {
	for _, b := range r.bindings {
		if err := b.ScheduleSweep(ctx); err != nil {
			slog.Error("stator schedule sweep failed", "table", b.Table, "error", err)
		}
		if err := b.LockSweep(ctx); err != nil {
			slog.Error("stator lock sweep failed", "table", b.Table, "error", err)
		}
	}
	if r.cfg.Stats != nil {
		if err := SubmitStats(ctx, r.cfg.Stats, r.bindings); err != nil {
			slog.Error("stator submit stats failed", "error", err)
		}
	}
}

func (r *Runner) runDeletion(ctx context.Context) {
	for _, b := range r.bindings {
		for {
			n, err := b.DeleteDue(ctx, 100)
			if err != nil {
				slog.Error("stator delete due failed", "table", b.Table, "error", err)
				break
			}
			if n == 0 {
				break
			}
			slog.Debug("stator deleted terminal rows", "table", b.Table, "count", n)
		}
	}
}

func (r *Runner) runTransitions(ctx context.Context, wg *sync.WaitGroup) {
	for _, b := range r.bindings {
		rows, err := b.ClaimBatch(ctx, r.cfg.ConcurrencyPerModel, r.cfg.LockExpiry)
		if err != nil {
			slog.Error("stator claim batch failed", "table", b.Table, "error", err)
			continue
		}

		for _, row := range rows {
			row := row
			b := b
			r.sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-r.sem }()
				r.runOne(ctx, b, row)
			}()
		}
	}
}

// runOne dispatches a claimed row to the Handler its current state declares
// in the binding's graph. Only automatic states are ever claimed (terminal
// and externally-progressed states never go state_ready=true), and
// Validate guarantees every automatic state has a Handler, so the lookup
// below is never nil.
func (r *Runner) runOne(ctx context.Context, b *Binding, row ClaimedRow) {
	state, ok := b.Graph.States[row.State]
	if !ok {
		slog.Error("stator claimed row in undeclared state", "table", b.Table, "id", row.ID, "state", row.State)
		return
	}
	next, err := state.Handler(ctx, row.ID)
	if err != nil {
		slog.Warn("stator handler error", "table", b.Table, "id", row.ID, "state", row.State, "error", err)
		if applyErr := b.ApplyError(ctx, row.ID); applyErr != nil {
			slog.Error("stator apply error failed", "table", b.Table, "id", row.ID, "error", applyErr)
		}
		return
	}
	if next == "" {
		if applyErr := b.ApplyNoop(ctx, row.ID); applyErr != nil {
			slog.Error("stator apply noop failed", "table", b.Table, "id", row.ID, "error", applyErr)
		}
		return
	}
	if applyErr := b.ApplyTransition(ctx, row.ID, next); applyErr != nil {
		slog.Error("stator apply transition failed", "table", b.Table, "id", row.ID, "next", next, "error", applyErr)
		return
	}
	slog.Debug("stator transitioned", "table", b.Table, "id", row.ID, "from", row.State, "to", next)
}

func (r *Runner) touchLiveness() {
	if r.cfg.LivenessFile == "" {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := os.WriteFile(r.cfg.LivenessFile, []byte(fmt.Sprintf("%s\n", now)), 0o644); err != nil {
		slog.Error("stator: failed to write liveness file", "path", r.cfg.LivenessFile, "error", err)
	}
}
