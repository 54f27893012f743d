package ordercache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edvin/autossl/internal/acmeapi"
)

func TestGetAfterAdd_AnyOrder(t *testing.T) {
	c := New()
	order := &acmeapi.Order{
		URL:         "https://ca.test/order/1",
		Identifiers: []string{"b.example.com", "a.example.com"},
	}
	c.Add(order)

	assert.Same(t, order, c.Get([]string{"a.example.com", "b.example.com"}))
	assert.Same(t, order, c.Get([]string{"b.example.com", "a.example.com"}))
}

func TestGet_DifferentSetMisses(t *testing.T) {
	c := New()
	c.Add(&acmeapi.Order{Identifiers: []string{"a.example.com", "b.example.com"}})

	assert.Nil(t, c.Get([]string{"a.example.com"}))
	assert.Nil(t, c.Get([]string{"a.example.com", "b.example.com", "c.example.com"}))
}

func TestAdd_KeysByOrderIdentifiers(t *testing.T) {
	c := New()
	// The order's own identifier set is authoritative, even when it differs
	// from what was requested.
	c.Add(&acmeapi.Order{Identifiers: []string{"www.example.com", "example.com"}})

	assert.NotNil(t, c.Get([]string{"example.com", "www.example.com"}))
}

func TestGet_CaseSensitive(t *testing.T) {
	c := New()
	c.Add(&acmeapi.Order{Identifiers: []string{"Example.com"}})

	assert.Nil(t, c.Get([]string{"example.com"}))
}
