package acmeapi

import (
	"context"
	"crypto"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/acme"
)

// ACMEClient adapts golang.org/x/crypto/acme to the Client interface.
type ACMEClient struct {
	c *acme.Client
	// chains caches the PEM chain returned by finalize, keyed by order URL,
	// so CertificateChain does not refetch what finalize already returned.
	chains map[string]string
}

// NewACMEClient creates an ACME client for the given account key and
// directory URL.
func NewACMEClient(key crypto.Signer, directoryURL string) *ACMEClient {
	return &ACMEClient{
		c:      &acme.Client{Key: key, DirectoryURL: directoryURL},
		chains: make(map[string]string),
	}
}

// EnsureAccount registers the account key with the CA (or retrieves the
// existing registration) and returns the account URL, which identifies the
// ACME account for state-store binding.
func (a *ACMEClient) EnsureAccount(ctx context.Context, email string) (string, error) {
	acct := &acme.Account{Contact: []string{"mailto:" + email}}
	reg, err := a.c.Register(ctx, acct, acme.AcceptTOS)
	if err == acme.ErrAccountAlreadyExists {
		reg, err = a.c.GetReg(ctx, "")
	}
	if err != nil {
		return "", fmt.Errorf("register ACME account: %w", wrapACMEErr(err))
	}
	return reg.URI, nil
}

func (a *ACMEClient) CreateOrder(ctx context.Context, domains []string) (*Order, error) {
	order, err := a.c.AuthorizeOrder(ctx, acme.DomainIDs(domains...))
	if err != nil {
		return nil, fmt.Errorf("authorize order: %w", wrapACMEErr(err))
	}
	return convertOrder(order), nil
}

func (a *ACMEClient) Authorization(ctx context.Context, url string) (*Authorization, error) {
	authz, err := a.c.GetAuthorization(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("get authorization: %w", wrapACMEErr(err))
	}
	return convertAuthz(url, authz), nil
}

func (a *ACMEClient) AcceptChallenge(ctx context.Context, ch *Challenge) error {
	_, err := a.c.Accept(ctx, &acme.Challenge{URI: ch.URL, Token: ch.Token, Type: ch.Type})
	if err != nil {
		return fmt.Errorf("accept challenge: %w", wrapACMEErr(err))
	}
	return nil
}

func (a *ACMEClient) PollAuthorization(ctx context.Context, url string) (*Authorization, error) {
	return a.Authorization(ctx, url)
}

func (a *ACMEClient) HTTP01Response(token string) (string, error) {
	resp, err := a.c.HTTP01ChallengeResponse(token)
	if err != nil {
		return "", fmt.Errorf("compute http-01 key auth: %w", err)
	}
	return resp, nil
}

func (a *ACMEClient) DNS01Record(token string) (string, error) {
	value, err := a.c.DNS01ChallengeRecord(token)
	if err != nil {
		return "", fmt.Errorf("compute dns-01 record: %w", err)
	}
	return value, nil
}

func (a *ACMEClient) FinalizeOrder(ctx context.Context, order *Order, csr []byte) error {
	der, certURL, err := a.c.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return fmt.Errorf("finalize order: %w", wrapACMEErr(err))
	}
	a.chains[order.URL] = encodeChainPEM(der)
	order.CertURL = certURL
	order.Status = StatusValid
	return nil
}

func (a *ACMEClient) WaitOrder(ctx context.Context, order *Order) (*Order, error) {
	o, err := a.c.WaitOrder(ctx, order.URL)
	if err != nil {
		return nil, fmt.Errorf("wait order: %w", wrapACMEErr(err))
	}
	return convertOrder(o), nil
}

func (a *ACMEClient) CertificateChain(ctx context.Context, order *Order) (string, error) {
	if chain, ok := a.chains[order.URL]; ok {
		return chain, nil
	}
	if order.CertURL == "" {
		return "", fmt.Errorf("order %s has no certificate URL", order.URL)
	}
	der, err := a.c.FetchCert(ctx, order.CertURL, true)
	if err != nil {
		return "", fmt.Errorf("fetch certificate chain: %w", wrapACMEErr(err))
	}
	return encodeChainPEM(der), nil
}

func convertOrder(o *acme.Order) *Order {
	ids := make([]string, 0, len(o.Identifiers))
	for _, id := range o.Identifiers {
		ids = append(ids, id.Value)
	}
	return &Order{
		URL:         o.URI,
		Identifiers: ids,
		AuthzURLs:   o.AuthzURLs,
		FinalizeURL: o.FinalizeURL,
		CertURL:     o.CertURL,
		Status:      o.Status,
	}
}

func convertAuthz(url string, az *acme.Authorization) *Authorization {
	out := &Authorization{
		URL:      url,
		Domain:   az.Identifier.Value,
		Wildcard: az.Wildcard,
		Status:   az.Status,
	}
	for _, ch := range az.Challenges {
		c := Challenge{
			URL:    ch.URI,
			Type:   ch.Type,
			Token:  ch.Token,
			Status: ch.Status,
		}
		if ch.Error != nil {
			if ae, ok := ch.Error.(*acme.Error); ok {
				c.Error = &Error{Type: ae.ProblemType, Detail: ae.Detail}
			} else {
				c.Error = &Error{Detail: ch.Error.Error()}
			}
		}
		out.Challenges = append(out.Challenges, c)
	}
	return out
}

// wrapACMEErr converts protocol problems into *Error so callers can branch on
// the problem type; everything else passes through unchanged.
func wrapACMEErr(err error) error {
	if ae, ok := err.(*acme.Error); ok {
		return &Error{Type: ae.ProblemType, Detail: ae.Detail}
	}
	return err
}

func encodeChainPEM(der [][]byte) string {
	var out []byte
	for _, b := range der {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b})...)
	}
	return string(out)
}
