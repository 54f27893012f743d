// Package dnspub publishes DNS-01 challenge TXT records and waits for them to
// become resolvable. The production publisher writes straight into the
// platform's PowerDNS database; the waiter polls an authoritative resolver.
package dnspub

import "context"

// TXTRecord is one challenge record: the record name (already including the
// _acme-challenge prefix) and its value.
type TXTRecord struct {
	Name  string
	Value string
}

// Publisher publishes a batch of TXT records in one call.
type Publisher interface {
	PublishTXTRecords(ctx context.Context, records []TXTRecord) error
}

// Waiter blocks until every record in the batch resolves with its expected
// value, or the context expires.
type Waiter interface {
	WaitUntilResolvable(ctx context.Context, records []TXTRecord) error
}
