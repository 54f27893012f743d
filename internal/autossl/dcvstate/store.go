// Package dcvstate is the durable per-account DCV result store: one SQLite
// file per tenant recording, per domain, either a validation success with its
// expiry or the failure text per challenge method. Cached successes let a
// renewal run skip re-validating domains; cached failures are replayed
// without re-querying the CA.
package dcvstate

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const accountIDKey = "acme_account_id"

// ConflictError reports an attempt to record a success for a domain that has
// a cached failure, or vice versa. A domain must never appear validated and
// failed at the same time.
type ConflictError struct {
	Domain   string
	Existing string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("domain %q already has a recorded %s", e.Domain, e.Existing)
}

// DomainInfo is the stored DCV state for one domain. At most one of
// SuccessExpiry or the error fields is set.
type DomainInfo struct {
	SuccessExpiry *time.Time
	HTTPError     *string
	DNSError      *string
}

// HasFreshSuccess reports whether the cached success is still comfortably
// unexpired: the expiry must be at least margin in the future.
func (i *DomainInfo) HasFreshSuccess(now time.Time, margin time.Duration) bool {
	return i.SuccessExpiry != nil && i.SuccessExpiry.After(now.Add(margin))
}

// Store is a DCV state database. It is owned by a single renewal run; only
// one process is expected to operate on a given account's store at a time.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating as needed) the state database at path and binds it to
// the given ACME account. If the store was written under a different account
// id, every cached result is purged first — authorizations cached for another
// account are meaningless. That purge is destructive and logged, not silent.
func Open(path, acmeAccountID string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open dcv state db %s: %w", path, err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate dcv state db: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.bindAccount(acmeAccountID); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenUnbound opens the store without binding it to an ACME account. Used by
// inspection and purge tooling, which must never trigger the account-change
// purge on its own.
func OpenUnbound(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open dcv state db %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate dcv state db: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

func (s *Store) bindAccount(acmeAccountID string) error {
	var stored sql.NullString
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, accountIDKey).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read stored account id: %w", err)
	}

	if stored.Valid && stored.String != acmeAccountID {
		s.log.Warn().
			Str("stored_account", stored.String).
			Str("current_account", acmeAccountID).
			Msg("ACME account changed, purging all cached DCV results")
		if err := s.PurgeAll(); err != nil {
			return fmt.Errorf("purge stale account state: %w", err)
		}
	}

	_, err = s.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		accountIDKey, acmeAccountID,
	)
	if err != nil {
		return fmt.Errorf("store account id: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// GetDomainInfo returns the stored state for a domain. A domain with no rows
// at all yields a zero DomainInfo.
func (s *Store) GetDomainInfo(domain string) (*DomainInfo, error) {
	info := &DomainInfo{}

	var expiry string
	err := s.db.QueryRow(`SELECT expiry FROM successes WHERE domain = ?`, domain).Scan(&expiry)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("read success for %s: %w", domain, err)
	default:
		t, perr := time.Parse(time.RFC3339, expiry)
		if perr != nil {
			return nil, fmt.Errorf("stored expiry for %s is not RFC 3339 (%q): %w", domain, expiry, perr)
		}
		info.SuccessExpiry = &t
	}

	for _, q := range []struct {
		table string
		dst   **string
	}{
		{"http_errors", &info.HTTPError},
		{"dns_errors", &info.DNSError},
	} {
		var text string
		err := s.db.QueryRow(`SELECT error FROM `+q.table+` WHERE domain = ?`, domain).Scan(&text)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s for %s: %w", q.table, domain, err)
		}
		*q.dst = &text
	}

	return info, nil
}

// SetSuccessExpiry records a validation success. The write fails with a
// ConflictError if either failure row exists; the check and write happen in
// one savepoint-scoped transaction.
func (s *Store) SetSuccessExpiry(domain string, expiry time.Time) error {
	if expiry.IsZero() {
		return fmt.Errorf("success expiry for %s must be set", domain)
	}
	formatted := expiry.UTC().Format(time.RFC3339)
	if _, err := time.Parse(time.RFC3339, formatted); err != nil {
		return fmt.Errorf("expiry for %s is not representable as RFC 3339: %w", domain, err)
	}

	return s.withSavepoint("set_success", func(tx *sql.Tx) error {
		for _, table := range []string{"http_errors", "dns_errors"} {
			var n int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE domain = ?`, domain).Scan(&n); err != nil {
				return fmt.Errorf("check %s for %s: %w", table, domain, err)
			}
			if n > 0 {
				return &ConflictError{Domain: domain, Existing: "failure"}
			}
		}
		_, err := tx.Exec(
			`INSERT INTO successes (domain, expiry) VALUES (?, ?)
			 ON CONFLICT (domain) DO UPDATE SET expiry = excluded.expiry`,
			domain, formatted,
		)
		if err != nil {
			return fmt.Errorf("write success for %s: %w", domain, err)
		}
		return nil
	})
}

// SetHTTPError records an HTTP-01 failure for the domain.
func (s *Store) SetHTTPError(domain, text string) error {
	return s.setError("http_errors", domain, text)
}

// SetDNSError records a DNS-01 failure for the domain.
func (s *Store) SetDNSError(domain, text string) error {
	return s.setError("dns_errors", domain, text)
}

func (s *Store) setError(table, domain, text string) error {
	return s.withSavepoint("set_error", func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM successes WHERE domain = ?`, domain).Scan(&n); err != nil {
			return fmt.Errorf("check success for %s: %w", domain, err)
		}
		if n > 0 {
			return &ConflictError{Domain: domain, Existing: "success"}
		}
		_, err := tx.Exec(
			`INSERT INTO `+table+` (domain, error) VALUES (?, ?)
			 ON CONFLICT (domain) DO UPDATE SET error = excluded.error`,
			domain, text,
		)
		if err != nil {
			return fmt.Errorf("write %s for %s: %w", table, domain, err)
		}
		return nil
	})
}

// ClearDomain removes every stored record for one domain. Callers clear a
// stale record before writing the opposite outcome; success and failure rows
// for a domain never coexist.
func (s *Store) ClearDomain(domain string) error {
	return s.withSavepoint("clear_domain", func(tx *sql.Tx) error {
		for _, table := range []string{"successes", "http_errors", "dns_errors"} {
			if _, err := tx.Exec(`DELETE FROM `+table+` WHERE domain = ?`, domain); err != nil {
				return fmt.Errorf("clear %s for %s: %w", table, domain, err)
			}
		}
		return nil
	})
}

// PurgeAll removes every cached result and the account binding metadata.
func (s *Store) PurgeAll() error {
	return s.withSavepoint("purge_all", func(tx *sql.Tx) error {
		for _, table := range []string{"successes", "http_errors", "dns_errors", "metadata"} {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
		}
		return nil
	})
}

// PurgeErrors removes cached failures after a fully successful check cycle.
// Successes are retained; they stay valid for their expiry window.
func (s *Store) PurgeErrors() error {
	return s.withSavepoint("purge_errors", func(tx *sql.Tx) error {
		for _, table := range []string{"http_errors", "dns_errors"} {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
		}
		return nil
	})
}

// CountDomains returns how many distinct domains have any stored record.
func (s *Store) CountDomains() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM (
			SELECT domain FROM successes
			UNION SELECT domain FROM http_errors
			UNION SELECT domain FROM dns_errors
		)`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count domains: %w", err)
	}
	return n, nil
}

// withSavepoint runs fn inside a transaction wrapped in a named savepoint so
// a multi-statement write either lands whole or not at all.
func (s *Store) withSavepoint(name string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin %s: %w", name, err)
	}
	if _, err := tx.Exec(`SAVEPOINT ` + name); err != nil {
		tx.Rollback()
		return fmt.Errorf("savepoint %s: %w", name, err)
	}

	if err := fn(tx); err != nil {
		tx.Exec(`ROLLBACK TO SAVEPOINT ` + name)
		tx.Rollback()
		return err
	}

	if _, err := tx.Exec(`RELEASE SAVEPOINT ` + name); err != nil {
		tx.Rollback()
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return tx.Commit()
}
