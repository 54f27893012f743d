// Package dcv drives domain control validation for one certificate bucket:
// it splits domains between HTTP-01 and DNS-01, runs challenge setup and
// acceptance, and polls authorizations to their terminal state.
package dcv

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/autossl/internal/acmeapi"
	"github.com/edvin/autossl/internal/dnspub"
	"github.com/edvin/autossl/internal/model"
	"github.com/edvin/autossl/internal/vhosts"
)

// Default polling policy. DNS gets far longer because propagation across the
// nameserver fleet dominates its latency.
const (
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultDNSTimeout   = 300 * time.Second
	defaultPollInterval = time.Second
)

// Reporter receives per-domain outcomes. One implementation per challenge
// method records results against the right failure column.
type Reporter interface {
	ReportSuccess(domain string)
	ReportFailure(domain, reason string)
}

// SplitDomainsByMethod classifies domains by their declared method, except
// that wildcard domains always go to DNS: the CA forbids HTTP validation of
// wildcards.
func SplitDomainsByMethod(domains []string, resolve func(string) model.DCVMethod) (httpDomains, dnsDomains []string) {
	for _, d := range domains {
		method := resolve(d)
		if strings.HasPrefix(d, "*.") {
			method = model.DCVMethodDNS
		}
		if method == model.DCVMethodDNS {
			dnsDomains = append(dnsDomains, d)
		} else {
			httpDomains = append(httpDomains, d)
		}
	}
	return httpDomains, dnsDomains
}

// Orchestrator runs DCV batches against one ACME order. Single-threaded; a
// renewal run owns its orchestrator exclusively.
type Orchestrator struct {
	client    acmeapi.Client
	files     ChallengeFiles
	docroots  vhosts.DocrootResolver
	publisher dnspub.Publisher
	waiter    dnspub.Waiter
	log       zerolog.Logger

	httpTimeout  time.Duration
	dnsTimeout   time.Duration
	pollInterval time.Duration
	sleep        func(time.Duration)
	now          func() time.Time
}

func NewOrchestrator(client acmeapi.Client, files ChallengeFiles, docroots vhosts.DocrootResolver, publisher dnspub.Publisher, waiter dnspub.Waiter, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		client:       client,
		files:        files,
		docroots:     docroots,
		publisher:    publisher,
		waiter:       waiter,
		log:          log,
		httpTimeout:  DefaultHTTPTimeout,
		dnsTimeout:   DefaultDNSTimeout,
		pollInterval: defaultPollInterval,
		sleep:        time.Sleep,
		now:          time.Now,
	}
}

type pendingAuthz struct {
	domain   string
	authzURL string
}

// AttemptHTTP validates each domain via HTTP-01: write the key authorization
// under the domain's docroot as the tenant's identity, accept the challenge,
// then poll. Setup failures are per-domain; only a missing authorization for
// a requested domain (an integrity defect) aborts the batch.
func (o *Orchestrator) AttemptHTTP(ctx context.Context, identity model.Identity, order *acmeapi.Order, domainList []string, rep Reporter) error {
	deadline := o.now().Add(o.httpTimeout)

	authzs, err := o.authzsByDomain(ctx, order, domainList)
	if err != nil {
		return err
	}

	type placedFile struct {
		docroot string
		token   string
	}
	var placed []placedFile
	defer func() {
		for _, p := range placed {
			if err := o.files.Remove(identity, p.docroot, p.token); err != nil {
				o.log.Warn().Err(err).Str("docroot", p.docroot).Msg("failed to remove challenge file")
			}
		}
	}()

	var pending []pendingAuthz
	for _, domain := range domainList {
		az := authzs[domain]
		if az.Status == acmeapi.StatusValid {
			rep.ReportSuccess(domain)
			continue
		}

		ch := az.Challenge(string(model.DCVMethodHTTP))
		if ch == nil {
			rep.ReportFailure(domain, "CA offered no http-01 challenge")
			continue
		}

		keyAuth, err := o.client.HTTP01Response(ch.Token)
		if err != nil {
			rep.ReportFailure(domain, err.Error())
			continue
		}

		docroot, err := o.docroots.DocrootForDomain(ctx, domain)
		if err != nil {
			rep.ReportFailure(domain, fmt.Sprintf("resolve docroot: %v", err))
			continue
		}
		if docroot == "" {
			rep.ReportFailure(domain, "domain has no document root")
			continue
		}

		if err := o.files.Place(identity, docroot, ch.Token, keyAuth); err != nil {
			rep.ReportFailure(domain, fmt.Sprintf("place challenge file: %v", err))
			continue
		}
		placed = append(placed, placedFile{docroot: docroot, token: ch.Token})

		if err := o.client.AcceptChallenge(ctx, ch); err != nil {
			rep.ReportFailure(domain, err.Error())
			continue
		}
		pending = append(pending, pendingAuthz{domain: domain, authzURL: az.URL})
	}

	o.poll(ctx, pending, deadline, string(model.DCVMethodHTTP), rep, true)
	return nil
}

// AttemptDNS validates each domain via DNS-01: publish every TXT record in
// one batch, wait for propagation, accept all challenges, then poll. A batch
// publish or propagation failure fails every remaining domain at once.
func (o *Orchestrator) AttemptDNS(ctx context.Context, order *acmeapi.Order, domainList []string, rep Reporter) error {
	deadline := o.now().Add(o.dnsTimeout)

	authzs, err := o.authzsByDomain(ctx, order, domainList)
	if err != nil {
		return err
	}

	type dnsCandidate struct {
		domain    string
		authzURL  string
		challenge *acmeapi.Challenge
		record    dnspub.TXTRecord
	}
	var candidates []dnsCandidate
	for _, domain := range domainList {
		az := authzs[domain]
		if az.Status == acmeapi.StatusValid {
			rep.ReportSuccess(domain)
			continue
		}

		ch := az.Challenge(string(model.DCVMethodDNS))
		if ch == nil {
			rep.ReportFailure(domain, "CA offered no dns-01 challenge")
			continue
		}

		value, err := o.client.DNS01Record(ch.Token)
		if err != nil {
			rep.ReportFailure(domain, err.Error())
			continue
		}

		candidates = append(candidates, dnsCandidate{
			domain:    domain,
			authzURL:  az.URL,
			challenge: ch,
			record: dnspub.TXTRecord{
				Name:  "_acme-challenge." + strings.TrimPrefix(domain, "*."),
				Value: value,
			},
		})
	}

	if len(candidates) == 0 {
		return nil
	}

	records := make([]dnspub.TXTRecord, 0, len(candidates))
	for _, c := range candidates {
		records = append(records, c.record)
	}

	if err := o.publisher.PublishTXTRecords(ctx, records); err != nil {
		for _, c := range candidates {
			rep.ReportFailure(c.domain, fmt.Sprintf("publish TXT records: %v", err))
		}
		return nil
	}

	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := o.waiter.WaitUntilResolvable(waitCtx, records); err != nil {
		for _, c := range candidates {
			rep.ReportFailure(c.domain, fmt.Sprintf("TXT records did not propagate: %v", err))
		}
		return nil
	}

	var pending []pendingAuthz
	for _, c := range candidates {
		if err := o.client.AcceptChallenge(ctx, c.challenge); err != nil {
			rep.ReportFailure(c.domain, err.Error())
			continue
		}
		pending = append(pending, pendingAuthz{domain: c.domain, authzURL: c.authzURL})
	}

	o.poll(ctx, pending, deadline, string(model.DCVMethodDNS), rep, false)
	return nil
}

// authzsByDomain fetches the order's authorizations and indexes them by
// domain. A requested domain with no authorization on the order is an
// integrity violation, not a per-domain DCV failure.
func (o *Orchestrator) authzsByDomain(ctx context.Context, order *acmeapi.Order, domainList []string) (map[string]*acmeapi.Authorization, error) {
	byDomain := make(map[string]*acmeapi.Authorization, len(order.AuthzURLs))
	for _, url := range order.AuthzURLs {
		az, err := o.client.Authorization(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("fetch authorization: %w", err)
		}
		name := az.Domain
		if az.Wildcard {
			name = "*." + name
		}
		byDomain[name] = az
	}

	for _, domain := range domainList {
		if _, ok := byDomain[domain]; !ok {
			return nil, fmt.Errorf("order %s has no authorization for requested domain %q", order.URL, domain)
		}
	}
	return byDomain, nil
}

// poll re-fetches pending authorizations until each reaches a terminal state
// or the deadline passes. Domains still pending at the deadline fail together
// as timed out — except that for HTTP a final recheck catches the CA having
// validated after the client gave up, which is reported as a success rather
// than a fabricated failure.
func (o *Orchestrator) poll(ctx context.Context, pending []pendingAuthz, deadline time.Time, chalType string, rep Reporter, recheckAfterTimeout bool) {
	remaining := make(map[string]string, len(pending))
	for _, p := range pending {
		remaining[p.domain] = p.authzURL
	}

	for len(remaining) > 0 && o.now().Before(deadline) {
		for _, domain := range sortedKeys(remaining) {
			az, err := o.client.PollAuthorization(ctx, remaining[domain])
			if err != nil {
				rep.ReportFailure(domain, err.Error())
				delete(remaining, domain)
				continue
			}
			switch az.Status {
			case acmeapi.StatusValid:
				rep.ReportSuccess(domain)
				delete(remaining, domain)
			case acmeapi.StatusInvalid:
				rep.ReportFailure(domain, challengeErrorDetail(az, chalType))
				delete(remaining, domain)
			}
		}
		if len(remaining) > 0 {
			o.sleep(o.pollInterval)
		}
	}

	for _, domain := range sortedKeys(remaining) {
		if recheckAfterTimeout {
			az, err := o.client.PollAuthorization(ctx, remaining[domain])
			if err == nil && az.Status == acmeapi.StatusValid {
				o.log.Info().Str("domain", domain).Msg("authorization validated after client timeout")
				rep.ReportSuccess(domain)
				continue
			}
		}
		rep.ReportFailure(domain, "validation timed out")
	}
}

func challengeErrorDetail(az *acmeapi.Authorization, chalType string) string {
	if ch := az.Challenge(chalType); ch != nil && ch.Error != nil {
		if ch.Error.Detail != "" {
			return ch.Error.Detail
		}
		return ch.Error.Type
	}
	return "unknown"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
