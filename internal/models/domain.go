package models

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/klppl/fedcore/internal/snowflake"
	"github.com/klppl/fedcore/internal/store"
)

// Domain is a federated instance: the local one, or a remote one we've
// seen actors from. Domains carry no state graph — they're reference data,
// not workflow-driven — created on demand the first time a remote actor
// from that domain is resolved.
type Domain struct {
	ID            int64
	Domain        string
	ServiceDomain string
	Local         bool
	Blocked       bool
	Public        bool
	NodeInfo      string
}

// DomainRepo is the CRUD layer over the domains table.
type DomainRepo struct {
	Store *store.Store
}

// GetOrCreate returns the Domain row for name, creating it (as a non-local,
// non-blocked, public domain) if this is the first time it's been seen.
func (r *DomainRepo) GetOrCreate(ctx context.Context, name string) (*Domain, error) {
	d, err := r.GetByName(ctx, name)
	if err == nil {
		return d, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	id := snowflake.GenerateIdentity()
	q := fmt.Sprintf(
		`INSERT INTO domains (id, domain, local, blocked, public, nodeinfo) VALUES (%s)`,
		r.Store.Placeholders(6),
	)
	_, err = r.Store.DB.ExecContext(ctx, q, id, name, false, false, true, "{}")
	if err != nil {
		return nil, fmt.Errorf("create domain: %w", err)
	}
	return r.GetByName(ctx, name)
}

// GetByName looks up a Domain by its hostname.
func (r *DomainRepo) GetByName(ctx context.Context, name string) (*Domain, error) {
	q := fmt.Sprintf(`SELECT id, domain, service_domain, local, blocked, public, nodeinfo FROM domains WHERE domain=%s`,
		r.Store.Placeholder(1))
	row := r.Store.DB.QueryRowContext(ctx, q, name)
	var d Domain
	var serviceDomain sql.NullString
	if err := row.Scan(&d.ID, &d.Domain, &serviceDomain, &d.Local, &d.Blocked, &d.Public, &d.NodeInfo); err != nil {
		return nil, err
	}
	d.ServiceDomain = serviceDomain.String
	return &d, nil
}

// IsBlocked reports whether name is blocked, the check the federation
// blocklist (internal/httpclient.BlockChecker) and inbox short-circuit
// both consult.
func (r *DomainRepo) IsBlocked(ctx context.Context, name string) bool {
	d, err := r.GetByName(ctx, name)
	if err != nil {
		return false
	}
	return d.Blocked
}

// SetBlocked updates a domain's blocked flag.
func (r *DomainRepo) SetBlocked(ctx context.Context, name string, blocked bool) error {
	q := fmt.Sprintf(`UPDATE domains SET blocked=%s WHERE domain=%s`, r.Store.Placeholder(1), r.Store.Placeholder(2))
	_, err := r.Store.DB.ExecContext(ctx, q, blocked, name)
	return err
}
