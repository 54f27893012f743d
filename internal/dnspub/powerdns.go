package dnspub

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const challengeTTL = 60

// PowerDNSPublisher writes challenge TXT records directly into the PowerDNS
// database the platform's nameservers serve from.
type PowerDNSPublisher struct {
	db *pgxpool.Pool
}

func NewPowerDNSPublisher(db *pgxpool.Pool) *PowerDNSPublisher {
	return &PowerDNSPublisher{db: db}
}

// PublishTXTRecords inserts the whole batch in one transaction. Each record
// lands in the longest zone that contains its name; a record whose name
// matches no hosted zone fails the batch.
func (p *PowerDNSPublisher) PublishTXTRecords(ctx context.Context, records []TXTRecord) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin txt publish: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		zoneID, err := p.findZoneID(ctx, tx, rec.Name)
		if err != nil {
			return err
		}
		// PowerDNS expects TXT content quoted.
		_, err = tx.Exec(ctx,
			`INSERT INTO records (domain_id, name, type, content, ttl) VALUES ($1, $2, 'TXT', $3, $4)`,
			zoneID, rec.Name, fmt.Sprintf("%q", rec.Value), challengeTTL,
		)
		if err != nil {
			return fmt.Errorf("write txt record %s: %w", rec.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit txt publish: %w", err)
	}
	return nil
}

// RemoveTXTRecords deletes previously published challenge records. Cleanup is
// best effort; a partial failure leaves only short-TTL garbage behind.
func (p *PowerDNSPublisher) RemoveTXTRecords(ctx context.Context, records []TXTRecord) error {
	for _, rec := range records {
		_, err := p.db.Exec(ctx,
			`DELETE FROM records WHERE name = $1 AND type = 'TXT' AND content = $2`,
			rec.Name, fmt.Sprintf("%q", rec.Value),
		)
		if err != nil {
			return fmt.Errorf("delete txt record %s: %w", rec.Name, err)
		}
	}
	return nil
}

// findZoneID walks the record name up one label at a time until it hits a
// hosted zone, mirroring how the nameserver resolves zone ownership.
func (p *PowerDNSPublisher) findZoneID(ctx context.Context, tx pgx.Tx, name string) (int, error) {
	parts := strings.Split(name, ".")
	for i := range parts {
		candidate := strings.Join(parts[i:], ".")
		var id int
		err := tx.QueryRow(ctx, `SELECT id FROM domains WHERE name = $1`, candidate).Scan(&id)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("look up zone for %s: %w", name, err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("no hosted zone found for record %s", name)
}
