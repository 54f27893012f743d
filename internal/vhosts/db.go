package vhosts

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edvin/autossl/internal/model"
)

// DB reads vhosts and docroots from the control-panel core database.
type DB struct {
	pool *pgxpool.Pool
}

func NewDB(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

// ListVirtualHosts groups the tenant's active FQDNs by webroot. The webroot's
// own FQDN ordering puts the primary domain first.
func (d *DB) ListVirtualHosts(ctx context.Context, tenant string) ([]model.VirtualHost, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT w.name, f.fqdn
		 FROM fqdns f
		 JOIN webroots w ON w.id = f.webroot_id
		 JOIN tenants t ON t.id = w.tenant_id
		 WHERE t.name = $1 AND f.status = 'active' AND w.status = 'active' AND f.ssl_enabled
		 ORDER BY w.name, f.is_primary DESC, f.fqdn`,
		tenant)
	if err != nil {
		return nil, fmt.Errorf("list vhosts for tenant %s: %w", tenant, err)
	}
	defer rows.Close()

	var vhosts []model.VirtualHost
	byName := make(map[string]int)
	for rows.Next() {
		var name, fqdn string
		if err := rows.Scan(&name, &fqdn); err != nil {
			return nil, fmt.Errorf("scan vhost row: %w", err)
		}
		idx, ok := byName[name]
		if !ok {
			idx = len(vhosts)
			byName[name] = idx
			vhosts = append(vhosts, model.VirtualHost{Name: name})
		}
		vhosts[idx].Domains = append(vhosts[idx].Domains, fqdn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vhost rows: %w", err)
	}
	return vhosts, nil
}

func (d *DB) PrimaryDomain(ctx context.Context, tenant string) (string, error) {
	var domain string
	err := d.pool.QueryRow(ctx,
		`SELECT f.fqdn
		 FROM fqdns f
		 JOIN webroots w ON w.id = f.webroot_id
		 JOIN tenants t ON t.id = w.tenant_id
		 WHERE t.name = $1 AND f.is_primary AND f.status = 'active'
		 ORDER BY f.created_at
		 LIMIT 1`,
		tenant).Scan(&domain)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get primary domain for tenant %s: %w", tenant, err)
	}
	return domain, nil
}

func (d *DB) AccountIdentity(ctx context.Context, tenant string) (model.Identity, error) {
	var id model.Identity
	err := d.pool.QueryRow(
		ctx,
		`SELECT name, system_uid, system_gid FROM tenants WHERE name = $1`,
		tenant,
	).Scan(&id.Username, &id.UID, &id.GID)
	if err != nil {
		return model.Identity{}, fmt.Errorf("get identity for tenant %s: %w", tenant, err)
	}
	return id, nil
}

// DocrootForDomain resolves the storage path serving a domain. Wildcard
// domains and domains without an active webroot have no docroot.
func (d *DB) DocrootForDomain(ctx context.Context, domain string) (string, error) {
	var tenant, webroot, publicFolder string
	err := d.pool.QueryRow(ctx,
		`SELECT t.id, w.name, w.public_folder
		 FROM fqdns f
		 JOIN webroots w ON w.id = f.webroot_id
		 JOIN tenants t ON t.id = w.tenant_id
		 WHERE f.fqdn = $1 AND f.status = 'active' AND w.status = 'active'`,
		domain).Scan(&tenant, &webroot, &publicFolder)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get docroot for %s: %w", domain, err)
	}
	return fmt.Sprintf("/var/www/storage/%s/%s/%s", tenant, webroot, publicFolder), nil
}

// ListAutoSSLTenants returns the names of tenants with AutoSSL enabled,
// used by the scheduled check to fan out per-tenant runs.
func (d *DB) ListAutoSSLTenants(ctx context.Context) ([]string, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT name FROM tenants WHERE status = 'active' AND autossl_enabled ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list autossl tenants: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan tenant name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
