// Package inbox implements the federated receiving side: the HTTP handler
// that authenticates and persists an inbound activity, and the dispatch
// table that applies it to local state once stator picks the stored
// message back up.
package inbox

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/klppl/fedcore/internal/activitystreams"
	"github.com/klppl/fedcore/internal/actor"
	"github.com/klppl/fedcore/internal/apperr"
	"github.com/klppl/fedcore/internal/models"
	"github.com/klppl/fedcore/internal/signatures"
)

// maxBodyBytes bounds a single inbound activity, matching the reference
// implementation's inbox size cap; anything larger is almost certainly
// abusive rather than a legitimate post.
const maxBodyBytes = 100 * 1024 // 100 KiB

// Receiver authenticates and persists inbound activities delivered to a
// personal or shared inbox endpoint.
type Receiver struct {
	Resolver   *actor.Resolver
	Identities *models.IdentityRepo
	Domains    *models.DomainRepo
	Blocks     *models.BlockRepo
	Inbox      *models.InboxMessageRepo
}

// ServeHTTP is the shared personal-inbox/shared-inbox handler: verify the
// HTTP Signature, reject blocked senders, and persist the raw activity as
// an InboxMessage for the stator pipeline to dispatch. Returning quickly
// here matters — the sender is blocked on our response before its own
// delivery retry logic gives up.
func (rv *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := signatures.VerifyDigest(body, r.Header.Get("Digest")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	keyID, verifyErr := signatures.Verify(r, rv.resolveLocalPublicKey(r.Context()))

	var envelope activitystreams.IncomingActivity
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "malformed activity", http.StatusBadRequest)
		return
	}
	if envelope.Actor == "" || envelope.Type == "" {
		http.Error(w, "missing actor or type", http.StatusBadRequest)
		return
	}
	if isReservedType(envelope.Type) {
		http.Error(w, "unsupported activity type", http.StatusBadRequest)
		return
	}

	var sender string
	switch {
	case verifyErr == nil:
		sender = signatures.KeyIDOwner(keyID)
	case errors.Is(verifyErr, signatures.ErrUnknownKey):
		// First contact: nothing verifies this claim yet, but the spec
		// accepts it unsigned and leaves the actor fetch to the handler.
		sender = envelope.Actor
	default:
		var formatErr *apperr.VerificationFormatError
		if errors.As(verifyErr, &formatErr) {
			http.Error(w, verifyErr.Error(), http.StatusBadRequest)
		} else {
			http.Error(w, verifyErr.Error(), http.StatusUnauthorized)
		}
		return
	}

	if senderDomain, err := hostOf(sender); err == nil && rv.Domains.IsBlocked(r.Context(), senderDomain) {
		w.WriteHeader(http.StatusAccepted) // silently drop, don't reveal the block
		return
	}
	if ident, err := rv.Identities.GetByActorURI(r.Context(), envelope.Actor); err == nil && ident.Restriction == models.RestrictionBlocked {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if _, err := rv.Inbox.Create(r.Context(), string(body), sender); err != nil {
		http.Error(w, "failed to queue activity", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// resolveLocalPublicKey adapts the identities table to signatures.
// KeyResolver without ever touching the network: per the receive contract,
// an actor we haven't seen before is accepted unsigned rather than fetched
// synchronously here, so resolve returns ErrUnknownKey instead of falling
// back to Resolver.FetchActor. The dispatch handler fetches and caches the
// actor once it processes the message.
func (rv *Receiver) resolveLocalPublicKey(ctx context.Context) signatures.KeyResolver {
	return func(keyID string) (*rsa.PublicKey, error) {
		ident, err := rv.Identities.GetByActorURI(ctx, signatures.KeyIDOwner(keyID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, signatures.ErrUnknownKey
			}
			return nil, err
		}
		if ident.PublicKeyPEM == "" {
			return nil, signatures.ErrUnknownKey
		}
		return signatures.ParsePublicKey([]byte(ident.PublicKeyPEM))
	}
}

// isReservedType rejects any activity type beginning with "__", reserved
// for internal/control-plane use and never valid on the wire.
func isReservedType(t string) bool {
	return len(t) >= 2 && t[0] == '_' && t[1] == '_'
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}
