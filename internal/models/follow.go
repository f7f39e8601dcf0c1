package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klppl/fedcore/internal/activitystreams"
	"github.com/klppl/fedcore/internal/apperr"
	"github.com/klppl/fedcore/internal/snowflake"
	"github.com/klppl/fedcore/internal/stator"
	"github.com/klppl/fedcore/internal/store"
)

// Follow records one identity's follow relationship to another, federated
// as Follow/Accept/Reject/Undo activities. Grounded directly on the
// reference implementation's users/models/follow.py FollowStates graph.
type Follow struct {
	StatorFields
	ID       int64
	SourceID int64
	TargetID int64
	URI      string
	Boosts   bool
	Note     string
}

// FollowDeps are the collaborators Follow's handlers need: delivery to a
// remote inbox, and lookups to tell whether source/target are local.
type FollowDeps struct {
	Store       *store.Store
	Follows     *FollowRepo
	Identities  *IdentityRepo
	Deliver     func(ctx context.Context, inboxURI string, activity map[string]interface{}, fromID int64) error
	LocalDomain string
}

// FollowGraph builds the Follow lifecycle: unrequested (new, not yet sent)
// -> local_requested (target is local, awaiting manual/auto accept) or
// remote_requested (sent Follow, awaiting their Accept) -> accepted
// (externally progressed — nothing polls it, an inbound Accept/Reject or
// local accept action moves it) -> undone (Undo sent locally) ->
// undone_remotely (terminal). A stuck unrequested row fails after a week,
// matching the reference implementation's times_out_to.
func FollowGraph(deps FollowDeps) *stator.Graph {
	g := stator.NewGraph("follows")

	unrequested := g.AddState(&stator.State{
		Name:               "unrequested",
		TryInterval:        10 * time.Minute,
		Timeout:            7 * 24 * time.Hour,
		TimeoutState:       "failed",
		AttemptImmediately: true,
		Handler:            handleUnrequested(deps),
	})
	localRequested := g.AddState(&stator.State{
		Name:        "local_requested",
		TryInterval: 24 * time.Hour,
		Handler:     handleLocalRequested(deps),
	})
	remoteRequested := g.AddState(&stator.State{
		Name:        "remote_requested",
		TryInterval: 24 * time.Hour,
		Handler:     handleRemoteRequested(deps),
	})
	accepted := g.AddState(&stator.State{
		Name:                 "accepted",
		ExternallyProgressed: true,
	})
	undone := g.AddState(&stator.State{
		Name:        "undone",
		TryInterval: time.Hour,
		Handler:     handleUndone(deps),
	})
	undoneRemotely := g.AddState(&stator.State{
		Name:        "undone_remotely",
		DeleteAfter: 24 * time.Hour,
	})
	failed := g.AddState(&stator.State{
		Name:        "failed",
		DeleteAfter: 7 * 24 * time.Hour,
	})
	rejected := g.AddState(&stator.State{
		Name:        "rejected",
		DeleteAfter: 7 * 24 * time.Hour,
	})

	g.TransitionsTo(unrequested.Name, localRequested.Name)
	g.TransitionsTo(unrequested.Name, remoteRequested.Name)
	g.TransitionsTo(unrequested.Name, accepted.Name)
	g.TransitionsTo(unrequested.Name, failed.Name)
	g.TransitionsTo(localRequested.Name, accepted.Name)
	g.TransitionsTo(remoteRequested.Name, accepted.Name)
	g.TransitionsTo(remoteRequested.Name, rejected.Name)
	g.TransitionsTo(accepted.Name, undone.Name)
	g.TransitionsTo(accepted.Name, rejected.Name)
	g.TransitionsTo(undone.Name, undoneRemotely.Name)

	return g
}

// handleUnrequested sends the Follow activity (or, if the target is local,
// auto-accepts immediately) exactly as the reference implementation's
// handle_unrequested does.
func handleUnrequested(deps FollowDeps) stator.Handler {
	return func(ctx context.Context, id int64) (string, error) {
		f, err := deps.Follows.Get(ctx, id)
		if err != nil {
			return "", err
		}
		source, err := deps.Identities.Get(ctx, f.SourceID)
		if err != nil {
			return "", err
		}
		target, err := deps.Identities.Get(ctx, f.TargetID)
		if err != nil {
			return "", err
		}

		if target.Local {
			if target.ManuallyApprovesFollowers {
				return "local_requested", nil
			}
			if !source.Local && source.InboxURI != "" {
				if err := sendAccept(ctx, deps, f, source, target); err != nil {
					if apperr.Gone(err) {
						return "accepted", nil
					}
					return "", nil
				}
			}
			return "accepted", nil
		}
		if target.InboxURI == "" {
			// Actor not fully resolved yet; stay put and retry once
			// internal/actor has filled in the inbox.
			return "", nil
		}

		activity := activitystreams.WithContext(activitystreams.Activity{
			ID:     deps.LocalDomain + fmt.Sprintf("/follows/%d", f.ID),
			Type:   "Follow",
			Actor:  source.ActorURI,
			Object: target.ActorURI,
		})
		if err := deps.Deliver(ctx, target.InboxURI, activity, source.ID); err != nil {
			if apperr.Gone(err) {
				return "failed", nil
			}
			// Transient delivery failure: stay in unrequested, the
			// try_interval will bring it back for another attempt.
			return "", nil
		}
		if !source.Local {
			return "accepted", nil
		}
		return "remote_requested", nil
	}
}

// handleLocalRequested is a no-op: a local target must explicitly accept or
// reject a pending follow request through the API, nothing this loop can do.
func handleLocalRequested(deps FollowDeps) stator.Handler {
	return func(ctx context.Context, id int64) (string, error) {
		return "", nil
	}
}

// handleRemoteRequested leaves the row where it is and does not resend the
// Follow; the inbound Accept/Reject handlers (in internal/inbox) are what
// move a row out of this state.
func handleRemoteRequested(deps FollowDeps) stator.Handler {
	return func(ctx context.Context, id int64) (string, error) {
		return "", nil
	}
}

// handleUndone sends the Undo(Follow) activity to the target.
func handleUndone(deps FollowDeps) stator.Handler {
	return func(ctx context.Context, id int64) (string, error) {
		f, err := deps.Follows.Get(ctx, id)
		if err != nil {
			return "", err
		}
		source, err := deps.Identities.Get(ctx, f.SourceID)
		if err != nil {
			return "", err
		}
		target, err := deps.Identities.Get(ctx, f.TargetID)
		if err != nil {
			return "", err
		}
		if target.Local || target.InboxURI == "" {
			return "undone_remotely", nil
		}

		activity := activitystreams.WithContext(activitystreams.Activity{
			ID:    deps.LocalDomain + fmt.Sprintf("/follows/%d/undo", f.ID),
			Type:  "Undo",
			Actor: source.ActorURI,
			Object: activitystreams.WithContext(activitystreams.Activity{
				ID:     f.URI,
				Type:   "Follow",
				Actor:  source.ActorURI,
				Object: target.ActorURI,
			}),
		})
		if err := deps.Deliver(ctx, target.InboxURI, activity, source.ID); err != nil {
			if apperr.Gone(err) {
				return "undone_remotely", nil
			}
			return "", nil
		}
		return "undone_remotely", nil
	}
}

// sendAccept delivers an Accept(Follow) for f from target back to source,
// used when an inbound Follow against a non-approval-gated local target is
// auto-accepted. Manually-approved follows send their Accept from the
// moderation API action that approves them, not from here.
func sendAccept(ctx context.Context, deps FollowDeps, f *Follow, source, target *Identity) error {
	accept := activitystreams.WithContext(activitystreams.Activity{
		ID:   deps.LocalDomain + fmt.Sprintf("/follows/%d/accept", f.ID),
		Type: "Accept",
		Actor: target.ActorURI,
		Object: activitystreams.WithContext(activitystreams.Activity{
			ID:     f.URI,
			Type:   "Follow",
			Actor:  source.ActorURI,
			Object: target.ActorURI,
		}),
	})
	return deps.Deliver(ctx, source.InboxURI, accept, target.ID)
}

// FollowRepo is the CRUD layer over the follows table.
type FollowRepo struct {
	Store *store.Store
}

// Create inserts a new Follow in the unrequested state, the entry point for
// both locally-initiated follows and ones discovered via an inbound
// Follow activity referencing an unknown relationship.
func (r *FollowRepo) Create(ctx context.Context, sourceID, targetID int64, uri, note string, boosts bool) (*Follow, error) {
	now := time.Now().UTC()
	id := snowflake.GenerateFollow()
	q := fmt.Sprintf(
		`INSERT INTO follows (id, source_id, target_id, uri, boosts, note, state, state_changed, state_ready)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		r.Store.Placeholder(1), r.Store.Placeholder(2), r.Store.Placeholder(3), r.Store.Placeholder(4),
		r.Store.Placeholder(5), r.Store.Placeholder(6), r.Store.Placeholder(7), r.Store.Placeholder(8),
		r.Store.Placeholder(9),
	)
	_, err := r.Store.DB.ExecContext(ctx, q, id, sourceID, targetID, uri, boosts, note, "unrequested", now, true)
	if err != nil {
		return nil, fmt.Errorf("create follow: %w", err)
	}
	return r.Get(ctx, id)
}

// Get loads a Follow by id.
func (r *FollowRepo) Get(ctx context.Context, id int64) (*Follow, error) {
	q := fmt.Sprintf(
		`SELECT id, source_id, target_id, uri, boosts, note, state, state_changed, state_attempted, state_locked_until, state_ready
		 FROM follows WHERE id=%s`, r.Store.Placeholder(1))
	return scanFollow(r.Store.DB.QueryRowContext(ctx, q, id))
}

// GetBySourceTarget looks up the Follow (if any) from source to target,
// used to avoid duplicate Follow rows; inbound Accept/Reject/Undo
// activities are resolved through GetByURI instead.
func (r *FollowRepo) GetBySourceTarget(ctx context.Context, sourceID, targetID int64) (*Follow, error) {
	q := fmt.Sprintf(
		`SELECT id, source_id, target_id, uri, boosts, note, state, state_changed, state_attempted, state_locked_until, state_ready
		 FROM follows WHERE source_id=%s AND target_id=%s`,
		r.Store.Placeholder(1), r.Store.Placeholder(2))
	return scanFollow(r.Store.DB.QueryRowContext(ctx, q, sourceID, targetID))
}

// GetByURI looks up a Follow by its activity URI, used to resolve an
// inbound Accept, Reject or Undo(Follow) back to the relationship it names.
func (r *FollowRepo) GetByURI(ctx context.Context, uri string) (*Follow, error) {
	q := fmt.Sprintf(
		`SELECT id, source_id, target_id, uri, boosts, note, state, state_changed, state_attempted, state_locked_until, state_ready
		 FROM follows WHERE uri=%s`, r.Store.Placeholder(1))
	return scanFollow(r.Store.DB.QueryRowContext(ctx, q, uri))
}

// SetState moves a Follow directly to a new state outside the normal
// schedule sweep, used by inbound handlers that already know the outcome
// (e.g. an Accept arriving makes the row "accepted" immediately).
func (r *FollowRepo) SetState(ctx context.Context, id int64, state string) error {
	now := time.Now().UTC()
	q := fmt.Sprintf(
		`UPDATE follows SET state=%s, state_changed=%s, state_attempted=NULL, state_locked_until=NULL, state_ready=%s WHERE id=%s`,
		r.Store.Placeholder(1), r.Store.Placeholder(2), r.Store.Placeholder(3), r.Store.Placeholder(4))
	_, err := r.Store.DB.ExecContext(ctx, q, state, now, false, id)
	return err
}

// ListAcceptedFollowers returns the source identity ids following targetID
// with an accepted relationship, for fan-out's followers recipient
// computation.
func (r *FollowRepo) ListAcceptedFollowers(ctx context.Context, targetID int64) ([]int64, error) {
	q := fmt.Sprintf(`SELECT source_id FROM follows WHERE target_id=%s AND state=%s`,
		r.Store.Placeholder(1), r.Store.Placeholder(2))
	rows, err := r.Store.DB.QueryContext(ctx, q, targetID, "accepted")
	if err != nil {
		return nil, err
	}
	return store.ScanInt64s(rows)
}

func scanFollow(row *sql.Row) (*Follow, error) {
	var f Follow
	var stateAttempted, stateLockedUntil sql.NullTime
	err := row.Scan(&f.ID, &f.SourceID, &f.TargetID, &f.URI, &f.Boosts, &f.Note,
		&f.State, &f.StateChanged, &stateAttempted, &stateLockedUntil, &f.StateReady)
	if err != nil {
		return nil, err
	}
	if stateAttempted.Valid {
		f.StateAttempted = &stateAttempted.Time
	}
	if stateLockedUntil.Valid {
		f.StateLockedUntil = &stateLockedUntil.Time
	}
	return &f, nil
}
