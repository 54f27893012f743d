// Package acmeapi defines the ACME client surface the AutoSSL subsystem
// consumes, plus the typed protocol error callers branch on. The production
// implementation adapts golang.org/x/crypto/acme; tests supply fakes.
package acmeapi

import (
	"context"
	"fmt"
)

// Authorization and challenge statuses as reported by the CA.
const (
	StatusPending = "pending"
	StatusValid   = "valid"
	StatusInvalid = "invalid"
)

// Error is an ACME problem document: a machine-readable type URN plus a
// human-readable detail. Transport and other non-protocol failures are
// returned as plain wrapped errors, never as *Error.
type Error struct {
	Type   string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s :: %s", e.Type, e.Detail)
}

// Challenge is one validation method offered for an authorization.
type Challenge struct {
	URL    string
	Type   string
	Token  string
	Status string
	// Error carries the CA's reported failure for an invalid challenge.
	Error *Error
}

// Authorization is the CA's DCV record for one domain within an order.
type Authorization struct {
	URL        string
	Domain     string
	Wildcard   bool
	Status     string
	Challenges []Challenge
}

// Challenge returns the authorization's challenge of the given type, or nil
// if the CA did not offer one.
func (a *Authorization) Challenge(typ string) *Challenge {
	for i := range a.Challenges {
		if a.Challenges[i].Type == typ {
			return &a.Challenges[i]
		}
	}
	return nil
}

// Order identifies a pending or finalized certificate request. Identifiers is
// the authoritative domain set as reported by the CA, which may differ in
// order (and wildcard normalization) from what was requested.
type Order struct {
	URL         string
	Identifiers []string
	AuthzURLs   []string
	FinalizeURL string
	CertURL     string
	Status      string
}

// Client is the ACME operations surface consumed by DCV orchestration and
// certificate issuance.
type Client interface {
	CreateOrder(ctx context.Context, domains []string) (*Order, error)
	Authorization(ctx context.Context, url string) (*Authorization, error)
	AcceptChallenge(ctx context.Context, ch *Challenge) error
	// PollAuthorization re-fetches the authorization's current state.
	PollAuthorization(ctx context.Context, url string) (*Authorization, error)

	// HTTP01Response returns the key authorization body to serve at the
	// well-known path for the challenge token.
	HTTP01Response(token string) (string, error)
	// DNS01Record returns the TXT record value for the challenge token.
	DNS01Record(token string) (string, error)

	FinalizeOrder(ctx context.Context, order *Order, csr []byte) error
	WaitOrder(ctx context.Context, order *Order) (*Order, error)
	// CertificateChain downloads the issued chain as concatenated PEM.
	CertificateChain(ctx context.Context, order *Order) (string, error)
}
