package dnspub

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// ResolverWaiter polls a resolver until every published TXT record is
// visible. Point it at the authoritative nameserver so the wait measures
// publication, not recursive caching.
type ResolverWaiter struct {
	// Addr is the resolver to query, host:port.
	Addr string
	// Interval between poll rounds; defaults to one second.
	Interval time.Duration

	// exchange and sleep are stubbed in tests.
	exchange func(m *dns.Msg, addr string) (*dns.Msg, error)
	sleep    func(time.Duration)
}

func NewResolverWaiter(addr string) *ResolverWaiter {
	client := &dns.Client{Timeout: 5 * time.Second}
	return &ResolverWaiter{
		Addr:     addr,
		Interval: time.Second,
		exchange: func(m *dns.Msg, a string) (*dns.Msg, error) {
			resp, _, err := client.Exchange(m, a)
			return resp, err
		},
		sleep: time.Sleep,
	}
}

// WaitUntilResolvable polls each record until its expected value appears.
// The caller bounds the wait through ctx.
func (w *ResolverWaiter) WaitUntilResolvable(ctx context.Context, records []TXTRecord) error {
	pending := make(map[string]string, len(records))
	for _, rec := range records {
		pending[rec.Name] = rec.Value
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for %d TXT records to resolve: %w", len(pending), err)
		}
		for name, value := range pending {
			ok, err := w.resolves(name, value)
			if err != nil {
				// Resolver hiccups are expected mid-propagation; retry.
				continue
			}
			if ok {
				delete(pending, name)
			}
		}
		if len(pending) > 0 {
			w.sleep(w.Interval)
		}
	}
	return nil
}

func (w *ResolverWaiter) resolves(name, value string) (bool, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)

	resp, err := w.exchange(m, w.Addr)
	if err != nil {
		return false, err
	}
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, s := range txt.Txt {
			if s == value {
				return true, nil
			}
		}
	}
	return false, nil
}
