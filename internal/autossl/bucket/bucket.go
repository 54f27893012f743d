// Package bucket packs virtual hosts and their domains into size-bounded
// certificate buckets. A bucket becomes one certificate order; the soft
// threshold is the preferred maximum, the hard size is the CA's absolute
// per-order identifier limit.
package bucket

import (
	"fmt"
	"sort"
)

// Bucket accumulates the deduplicated domain set and contributing vhosts for
// one certificate order. domain count never exceeds the hard size.
type Bucket struct {
	soft int
	hard int

	domains []string
	seen    map[string]bool
	vhosts  map[string]bool
}

// NewBucket creates a bucket with the given soft threshold and hard maximum.
// Both sizes are required; a bucket without them is a construction defect.
func NewBucket(soft, hard int) (*Bucket, error) {
	if soft <= 0 || hard <= 0 {
		return nil, fmt.Errorf("bucket requires positive soft (%d) and hard (%d) sizes", soft, hard)
	}
	if soft > hard {
		return nil, fmt.Errorf("bucket soft size %d exceeds hard size %d", soft, hard)
	}
	return &Bucket{
		soft:   soft,
		hard:   hard,
		seen:   make(map[string]bool),
		vhosts: make(map[string]bool),
	}, nil
}

// NewSingleDomainBucket creates a bucket that holds exactly one domain.
func NewSingleDomainBucket() *Bucket {
	b, _ := NewBucket(1, 1)
	return b
}

// AddVhost admits as many of the vhost's domains as the remaining hard
// capacity permits and returns how many were added. Domains are admitted
// shortest name first so primary/abbreviated names win over long aliases;
// overflow domains are dropped from this bucket permanently — a vhost is
// never split across buckets. The vhost is recorded as contained regardless.
func (b *Bucket) AddVhost(vhost string, domains []string) int {
	b.vhosts[vhost] = true

	sorted := make([]string, len(domains))
	copy(sorted, domains)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) < len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})

	added := 0
	for _, d := range sorted {
		if b.seen[d] {
			continue
		}
		if len(b.domains) >= b.hard {
			break
		}
		b.seen[d] = true
		b.domains = append(b.domains, d)
		added++
	}
	return added
}

// Domains returns a copy of the bucket's domain set in admission order.
func (b *Bucket) Domains() []string {
	out := make([]string, len(b.domains))
	copy(out, b.domains)
	return out
}

// Vhosts returns the contributing vhost names, sorted.
func (b *Bucket) Vhosts() []string {
	out := make([]string, 0, len(b.vhosts))
	for v := range b.vhosts {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (b *Bucket) DomainCount() int { return len(b.domains) }

func (b *Bucket) IsEmpty() bool { return len(b.domains) == 0 && len(b.vhosts) == 0 }

// RemainingSoft is how many domains fit before the soft threshold.
func (b *Bucket) RemainingSoft() int {
	if r := b.soft - len(b.domains); r > 0 {
		return r
	}
	return 0
}

func (b *Bucket) ContainsVhost(name string) bool { return b.vhosts[name] }
