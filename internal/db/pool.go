package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewCorePool connects to the control panel core database that holds
// vhosts, tenants and issued certificates.
func NewCorePool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	return newPool(ctx, "core", databaseURL)
}

// NewPowerDNSPool connects to the PowerDNS backend database used for
// publishing DNS-01 challenge records. Returns nil when no URL is
// configured, which disables DNS-based validation.
func NewPowerDNSPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, nil
	}
	return newPool(ctx, "powerdns", databaseURL)
}

func newPool(ctx context.Context, name, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse %s db config: %w", name, err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s db pool: %w", name, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s db: %w", name, err)
	}

	return pool, nil
}
