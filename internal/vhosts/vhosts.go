// Package vhosts reads a tenant's virtual hosts, account identity, and
// document roots from the control-panel database. The interfaces keep the
// renewal driver testable without a database.
package vhosts

import (
	"context"

	"github.com/edvin/autossl/internal/model"
)

// Enumerator supplies the per-run view of a tenant's web-facing surface.
type Enumerator interface {
	// ListVirtualHosts returns the tenant's vhosts with their domain lists,
	// primary domain first within each vhost.
	ListVirtualHosts(ctx context.Context, tenant string) ([]model.VirtualHost, error)
	// PrimaryDomain returns the tenant's main domain, or "" if none is set.
	PrimaryDomain(ctx context.Context, tenant string) (string, error)
	// AccountIdentity returns the unprivileged identity challenge files are
	// written as.
	AccountIdentity(ctx context.Context, tenant string) (model.Identity, error)
}

// DocrootResolver maps a domain to the filesystem document root serving it.
type DocrootResolver interface {
	// DocrootForDomain returns the docroot path, or "" when the domain has no
	// local docroot (proxied or DNS-only domains).
	DocrootForDomain(ctx context.Context, domain string) (string, error)
}
