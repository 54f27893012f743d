package vhosts

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edvin/autossl/internal/platform"
)

// CertInstaller stores issued certificates in the control-panel database,
// where the web-server convergence loop picks them up. Installing a
// certificate deactivates older certificates covering any of the same
// domains.
type CertInstaller struct {
	pool *pgxpool.Pool
}

func NewCertInstaller(pool *pgxpool.Pool) *CertInstaller {
	return &CertInstaller{pool: pool}
}

func (c *CertInstaller) InstallCertificate(ctx context.Context, tenant string, domainList []string, keyPEM, chainPEM string) error {
	expiresAt, err := chainExpiry(chainPEM)
	if err != nil {
		return err
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin install: %w", err)
	}
	defer tx.Rollback(ctx)

	id := platform.NewID()
	_, err = tx.Exec(ctx,
		`INSERT INTO certificates (id, tenant, domains, key_pem, chain_pem, issued_at, expires_at, is_active)
		 VALUES ($1, $2, $3, $4, $5, now(), $6, true)`,
		id, tenant, domainList, keyPEM, chainPEM, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("store certificate: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE certificates SET is_active = false, updated_at = now()
		 WHERE tenant = $1 AND id != $2 AND is_active = true AND domains && $3`,
		tenant, id, domainList,
	)
	if err != nil {
		return fmt.Errorf("deactivate superseded certificates: %w", err)
	}

	return tx.Commit(ctx)
}

// chainExpiry parses the leaf certificate's NotAfter from the PEM chain.
func chainExpiry(chainPEM string) (time.Time, error) {
	block, _ := pem.Decode([]byte(chainPEM))
	if block == nil {
		return time.Time{}, fmt.Errorf("certificate chain contains no PEM block")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse leaf certificate: %w", err)
	}
	return leaf.NotAfter, nil
}
