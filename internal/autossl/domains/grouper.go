// Package domains computes registered domains (eTLD+1) and groups virtual
// hosts that share one, so related vhosts land on the same certificate bucket.
package domains

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// TLDChecker is the public-suffix oracle: it reports whether a candidate
// string is itself a registered TLD / public suffix.
type TLDChecker interface {
	IsRegisteredTLD(ctx context.Context, candidate string) (bool, error)
}

// Grouper derives registered domains through a TLDChecker, caching every
// suffix it tests for the lifetime of one renewal run. Not safe for
// concurrent use; a run owns its grouper exclusively.
type Grouper struct {
	checker TLDChecker
	cache   map[string]bool
}

// NewGrouper creates a Grouper with an empty suffix cache.
func NewGrouper(checker TLDChecker) *Grouper {
	return &Grouper{checker: checker, cache: make(map[string]bool)}
}

// RegisteredDomain returns the eTLD+1 for the given domain: one label deeper
// than the longest public suffix. A leading wildcard label is ignored.
// A domain with no TLD match at all is malformed input and returns an error;
// this is an integrity failure, not a condition to recover from.
func (g *Grouper) RegisteredDomain(ctx context.Context, domain string) (string, error) {
	name := strings.TrimPrefix(domain, "*.")
	labels := strings.Split(name, ".")

	for i := 0; i < len(labels); i++ {
		candidate := strings.Join(labels[i:], ".")
		isTLD, err := g.isTLD(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check public suffix %q: %w", candidate, err)
		}
		if !isTLD {
			continue
		}
		if i == 0 {
			return "", fmt.Errorf("domain %q is itself a public suffix", domain)
		}
		return strings.Join(labels[i-1:], "."), nil
	}

	return "", fmt.Errorf("no registered TLD found for domain %q", domain)
}

func (g *Grouper) isTLD(ctx context.Context, candidate string) (bool, error) {
	if v, ok := g.cache[candidate]; ok {
		return v, nil
	}
	v, err := g.checker.IsRegisteredTLD(ctx, candidate)
	if err != nil {
		return false, err
	}
	g.cache[candidate] = v
	return v, nil
}

// Groups is the four-way association produced by Group.
type Groups struct {
	RegisteredToVhosts map[string][]string
	VhostToRegistered  map[string][]string
	DomainToVhost      map[string]string
	VhostToDomains     map[string][]string
}

// Group computes the registered domain for every domain and builds the
// registered-domain/vhost associations in both directions. The two input
// maps are passed through unchanged.
func (g *Grouper) Group(ctx context.Context, domainToVhost map[string]string, vhostToDomains map[string][]string) (*Groups, error) {
	out := &Groups{
		RegisteredToVhosts: make(map[string][]string),
		VhostToRegistered:  make(map[string][]string),
		DomainToVhost:      domainToVhost,
		VhostToDomains:     vhostToDomains,
	}

	regSeen := make(map[string]map[string]bool)

	for domain, vhost := range domainToVhost {
		reg, err := g.RegisteredDomain(ctx, domain)
		if err != nil {
			return nil, err
		}
		if regSeen[reg] == nil {
			regSeen[reg] = make(map[string]bool)
		}
		if !regSeen[reg][vhost] {
			regSeen[reg][vhost] = true
			out.RegisteredToVhosts[reg] = append(out.RegisteredToVhosts[reg], vhost)
			out.VhostToRegistered[vhost] = append(out.VhostToRegistered[vhost], reg)
		}
	}

	// Map iteration order is random; sort for deterministic grouping passes.
	for _, vhosts := range out.RegisteredToVhosts {
		sort.Strings(vhosts)
	}
	for _, regs := range out.VhostToRegistered {
		sort.Strings(regs)
	}

	return out, nil
}
