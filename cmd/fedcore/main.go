// fedcore is a federated social-networking server core: ActivityPub
// actors, posts, follows and interactions, backed by a durable
// stator-driven state machine for fan-out, retries, and inbox
// processing.
//
// Usage:
//
//	export LOCAL_DOMAIN=https://example.social
//	export DATABASE_URL=fedcore.db
//	./fedcore
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klppl/fedcore/internal/actor"
	"github.com/klppl/fedcore/internal/config"
	"github.com/klppl/fedcore/internal/fanout"
	"github.com/klppl/fedcore/internal/httpclient"
	"github.com/klppl/fedcore/internal/inbox"
	"github.com/klppl/fedcore/internal/models"
	"github.com/klppl/fedcore/internal/server"
	"github.com/klppl/fedcore/internal/signatures"
	"github.com/klppl/fedcore/internal/stator"
	"github.com/klppl/fedcore/internal/store"
)

const userAgent = "fedcore/1.0"

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting fedcore", "version", "1.0.0")

	// ─── Configuration ──────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded", "domain", cfg.LocalDomain, "database", cfg.DatabaseURL)

	// ─── Database ───────────────────────────────────────────────────────
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer db.DB.Close()

	if err := db.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	repos := models.NewRepos(db)

	// ─── System actor (signs outbound fetches not made on behalf of a
	// single local identity: actor refresh, WebFinger resolution). Its key
	// material lives on the identity row itself, the same row /actor/
	// serves, rather than a separate on-disk key — so the key this process
	// signs with always matches the public key remote servers fetch back. ─
	systemActor, err := ensureSystemActor(repos, cfg)
	if err != nil {
		slog.Error("failed to provision system actor", "error", err)
		os.Exit(1)
	}
	systemKey, err := signatures.ParsePrivateKey([]byte(systemActor.PrivateKeyPEM))
	if err != nil {
		slog.Error("failed to parse system actor private key", "error", err)
		os.Exit(1)
	}

	// ─── Outbound HTTP, actor resolution, delivery ─────────────────────
	httpClient := httpclient.New(cfg.HTTPTimeout, userAgent, func(host string) bool {
		return repos.Domains.IsBlocked(context.Background(), host)
	})
	fetchSigner := actor.Signer{}
	if cfg.SignFetch {
		fetchSigner = actor.Signer{KeyID: systemActor.PublicKeyID, PrivateKey: systemKey}
	}
	resolver := actor.NewResolver(httpClient, fetchSigner, cfg.ActorCacheTTL)
	deliverer := fanout.New(httpClient, repos)

	// ─── Inbox receive/dispatch ─────────────────────────────────────────
	receiver := &inbox.Receiver{
		Resolver:   resolver,
		Identities: repos.Identities,
		Domains:    repos.Domains,
		Blocks:     repos.Blocks,
		Inbox:      repos.Inbox,
	}
	dispatcher := inbox.NewDispatcher(repos, resolver, cfg.LocalDomain)

	// ─── Stator bindings ────────────────────────────────────────────────
	bindings, err := models.Bindings(repos, deliverer.Deliver, cfg.LocalDomain, dispatcher.Dispatch, fanout.ComputeForPost)
	if err != nil {
		slog.Error("failed to build stator bindings", "error", err)
		os.Exit(1)
	}

	runnerCfg := stator.RunnerConfig{
		Concurrency:         cfg.StatorConcurrency,
		ConcurrencyPerModel: cfg.StatorConcurrencyPerModel,
		ScheduleInterval:    cfg.StatorScheduleInterval,
		DeleteInterval:      cfg.StatorDeleteInterval,
		LockExpiry:          cfg.StatorLockExpiry,
		LivenessFile:        cfg.StatorLivenessFile,
	}
	runner := stator.NewRunner(runnerCfg, bindings...)

	// ─── Graceful shutdown ──────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("stator runner stopped", "error", err)
		}
	}()

	// ─── HTTP server ────────────────────────────────────────────────────
	srv := server.New(cfg, repos, receiver)
	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("listening", "addr", httpSrv.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}

	slog.Info("fedcore stopped")
}

// ensureSystemActor creates the instance's system identity on first boot
// and returns it either way. It has no human-facing profile; it exists
// only to carry the key pair the system actor document exposes at /actor/.
func ensureSystemActor(repos *models.Repos, cfg *config.Config) (*models.Identity, error) {
	ctx := context.Background()
	if ident, err := repos.Identities.GetByUsername(ctx, "system"); err == nil {
		return ident, nil
	}
	return repos.Identities.CreateSystemActor(ctx, cfg.LocalDomain)
}
