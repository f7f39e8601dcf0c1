package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/klppl/fedcore/internal/httpclient"
	"github.com/klppl/fedcore/internal/ld"
	"github.com/klppl/fedcore/internal/models"
	"github.com/klppl/fedcore/internal/signatures"
)

// Deliverer signs and POSTs activities to remote inboxes on behalf of a
// local identity. Its Deliver method satisfies models.Deliver, the shape
// every graph handler (Follow's Accept, FanOut's retry loop) uses to hand
// an activity to the network.
type Deliverer struct {
	HTTP  *httpclient.Client
	Repos *models.Repos
	LD    *ld.Processor
}

// New builds a Deliverer over client and repos.
func New(client *httpclient.Client, repos *models.Repos) *Deliverer {
	return &Deliverer{HTTP: client, Repos: repos, LD: ld.NewProcessor()}
}

// Deliver signs activity as fromID and POSTs it to inboxURI. fromID must
// name a local identity — remote identities carry no private key to sign
// with. Besides the HTTP Signature every delivery carries, the activity
// also gets a detached RsaSignature2017 (LD signature) embedded in its
// body: some relays and older implementations still check that instead
// of, or in addition to, the request-level signature.
func (d *Deliverer) Deliver(ctx context.Context, inboxURI string, activity map[string]interface{}, fromID int64) error {
	ident, err := d.Repos.Identities.Get(ctx, fromID)
	if err != nil {
		return fmt.Errorf("deliver: load sender %d: %w", fromID, err)
	}
	if !ident.Local || ident.PrivateKeyPEM == "" {
		return fmt.Errorf("deliver: sender %d has no private key", fromID)
	}

	priv, err := signatures.ParsePrivateKey([]byte(ident.PrivateKeyPEM))
	if err != nil {
		return fmt.Errorf("deliver: parse sender key: %w", err)
	}

	if sig, err := signatures.SignLD(d.LD, activity, ident.PublicKeyID, priv); err != nil {
		slog.Warn("ld sign failed, delivering with http signature only", "sender", fromID, "error", err)
	} else {
		activity["signature"] = sig
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("deliver: marshal activity: %w", err)
	}

	return d.HTTP.Post(ctx, inboxURI, body, ident.PublicKeyID, priv)
}
