// Package ordercache maps canonicalized domain sets to previously created
// ACME orders so repeated DCV attempts on the same set reuse one order
// instead of burning the account's order quota. One cache per renewal run;
// nothing is ever evicted.
package ordercache

import (
	"sort"
	"strings"

	"github.com/edvin/autossl/internal/acmeapi"
)

type Cache struct {
	orders map[string]*acmeapi.Order
}

func New() *Cache {
	return &Cache{orders: make(map[string]*acmeapi.Order)}
}

// Add stores the order keyed by its own identifier set — the authoritative
// set reported by the CA, not what the caller requested.
func (c *Cache) Add(order *acmeapi.Order) {
	c.orders[key(order.Identifiers)] = order
}

// Get returns the cached order for the exact domain set, or nil.
func (c *Cache) Get(domains []string) *acmeapi.Order {
	return c.orders[key(domains)]
}

// key canonicalizes a domain set: case-sensitive sort, comma join.
func key(domains []string) string {
	sorted := make([]string, len(domains))
	copy(sorted, domains)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
