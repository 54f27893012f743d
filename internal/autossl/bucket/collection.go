package bucket

import "fmt"

// Collection is an ordered list of buckets with a closed watermark: buckets
// before the watermark no longer receive new vhosts. The renewal driver
// closes current buckets after finishing each registered-domain cluster so an
// unrelated vhost cannot be crammed into a cluster's overflow bucket.
type Collection struct {
	soft      int
	hard      int
	buckets   []*Bucket
	watermark int
}

// NewCollection creates a collection whose buckets all use the given sizes.
func NewCollection(soft, hard int) (*Collection, error) {
	if _, err := NewBucket(soft, hard); err != nil {
		return nil, err
	}
	return &Collection{soft: soft, hard: hard}, nil
}

// AddVhostToBucket places the vhost's domains into the first fitting open
// bucket (allocating one if needed) and returns how many domains were added.
// A vhost already contained anywhere in the collection is not added again.
func (c *Collection) AddVhostToBucket(vhost string, domains []string) (int, error) {
	if c.ContainsVhost(vhost) {
		return 0, fmt.Errorf("vhost %q is already in a bucket", vhost)
	}
	return c.BucketToFit(len(domains)).AddVhost(vhost, domains), nil
}

// BucketToFit returns the first open bucket that is empty or has at least n
// domains of soft capacity left, allocating a new bucket when none fits.
// Filling existing under-threshold buckets before opening new ones trades a
// few over-soft buckets (still capped at hard) for fewer total certificates.
func (c *Collection) BucketToFit(n int) *Bucket {
	for _, b := range c.buckets[c.watermark:] {
		if b.IsEmpty() || b.RemainingSoft() >= n {
			return b
		}
	}
	b, _ := NewBucket(c.soft, c.hard)
	c.buckets = append(c.buckets, b)
	return b
}

// CloseCurrentBuckets makes every existing bucket ineligible for new vhosts.
func (c *Collection) CloseCurrentBuckets() {
	c.watermark = len(c.buckets)
}

// ContainsVhost reports whether the vhost is in any bucket, open or closed.
func (c *Collection) ContainsVhost(name string) bool {
	for _, b := range c.buckets {
		if b.ContainsVhost(name) {
			return true
		}
	}
	return false
}

// Buckets returns the collection's buckets in creation order.
func (c *Collection) Buckets() []*Bucket {
	return c.buckets
}
