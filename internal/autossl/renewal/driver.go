// Package renewal is the per-tenant AutoSSL driver: it enumerates virtual
// hosts, groups them by registered domain into certificate buckets, filters
// against cached DCV state, validates the remainder, and hands fully
// validated buckets to certificate issuance.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/autossl/internal/acmeapi"
	"github.com/edvin/autossl/internal/autossl/bucket"
	"github.com/edvin/autossl/internal/autossl/dcv"
	"github.com/edvin/autossl/internal/autossl/dcvstate"
	"github.com/edvin/autossl/internal/autossl/domains"
	"github.com/edvin/autossl/internal/autossl/ordercache"
	"github.com/edvin/autossl/internal/autossl/ratelimit"
	"github.com/edvin/autossl/internal/metrics"
	"github.com/edvin/autossl/internal/model"
	"github.com/edvin/autossl/internal/vhosts"
)

// Validator runs DCV batches against one order. Satisfied by
// *dcv.Orchestrator.
type Validator interface {
	AttemptHTTP(ctx context.Context, identity model.Identity, order *acmeapi.Order, domainList []string, rep dcv.Reporter) error
	AttemptDNS(ctx context.Context, order *acmeapi.Order, domainList []string, rep dcv.Reporter) error
}

// Installer deploys an issued certificate into the web server.
type Installer interface {
	InstallCertificate(ctx context.Context, tenant string, domainList []string, keyPEM, chainPEM string) error
}

// Config carries the per-run sizing and caching policy.
type Config struct {
	// SoftBucketSize is the preferred certificate size; HardBucketSize is the
	// CA's absolute per-order identifier limit.
	SoftBucketSize int
	HardBucketSize int
	// SuccessValidity is how long a fresh validation success is cached.
	SuccessValidity time.Duration
	// FreshnessMargin is how much validity must remain for a cached success
	// to be honored without revalidating.
	FreshnessMargin time.Duration
	// StateDir holds one DCV state database per tenant.
	StateDir string
	// ACMEAccountID binds each state database to the current account; an
	// account change invalidates everything cached.
	ACMEAccountID string
}

func (c *Config) applyDefaults() {
	if c.SoftBucketSize == 0 {
		c.SoftBucketSize = 40
	}
	if c.HardBucketSize == 0 {
		c.HardBucketSize = 100
	}
	if c.SuccessValidity == 0 {
		c.SuccessValidity = 30 * 24 * time.Hour
	}
	if c.FreshnessMargin == 0 {
		c.FreshnessMargin = time.Hour
	}
}

// Driver runs AutoSSL checks. One driver serves many tenants, but each
// RunTenantCheck call is fully sequential; nothing here is safe for
// concurrent use against the same tenant.
type Driver struct {
	enum      vhosts.Enumerator
	checker   domains.TLDChecker
	client    acmeapi.Client
	validator Validator
	installer Installer
	guard     *ratelimit.Guard
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
}

func NewDriver(enum vhosts.Enumerator, checker domains.TLDChecker, client acmeapi.Client, validator Validator, installer Installer, cfg Config, log zerolog.Logger) *Driver {
	cfg.applyDefaults()
	return &Driver{
		enum:      enum,
		checker:   checker,
		client:    client,
		validator: validator,
		installer: installer,
		guard:     ratelimit.NewGuard(log),
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// RunTenantCheck performs one full AutoSSL pass for a tenant. A failed bucket
// is logged and does not block later buckets; hitting the account's order
// quota stops the run and skips the end-of-cycle failure purge, and the
// returned error unwraps to *ratelimit.OrderQuotaError so the scheduler can
// defer the rest of the cycle.
func (d *Driver) RunTenantCheck(ctx context.Context, tenant string) error {
	log := d.log.With().Str("tenant", tenant).Logger()

	vhostList, err := d.enum.ListVirtualHosts(ctx, tenant)
	if err != nil {
		return fmt.Errorf("list virtual hosts: %w", err)
	}
	if len(vhostList) == 0 {
		log.Info().Msg("tenant has no SSL-eligible virtual hosts")
		return nil
	}

	identity, err := d.enum.AccountIdentity(ctx, tenant)
	if err != nil {
		return fmt.Errorf("resolve account identity: %w", err)
	}
	primary, err := d.enum.PrimaryDomain(ctx, tenant)
	if err != nil {
		return fmt.Errorf("resolve primary domain: %w", err)
	}

	domainToVhost := make(map[string]string)
	vhostToDomains := make(map[string][]string, len(vhostList))
	for _, vh := range vhostList {
		vhostToDomains[vh.Name] = vh.Domains
		for _, domain := range vh.Domains {
			domainToVhost[domain] = vh.Name
		}
	}

	grouper := domains.NewGrouper(d.checker)
	groups, err := grouper.Group(ctx, domainToVhost, vhostToDomains)
	if err != nil {
		return fmt.Errorf("group domains: %w", err)
	}

	collection, err := bucket.NewCollection(d.cfg.SoftBucketSize, d.cfg.HardBucketSize)
	if err != nil {
		return fmt.Errorf("create bucket collection: %w", err)
	}
	if err := assignBuckets(collection, groups, primary); err != nil {
		return fmt.Errorf("assign buckets: %w", err)
	}

	store, err := dcvstate.Open(filepath.Join(d.cfg.StateDir, tenant+".sqlite"), d.cfg.ACMEAccountID, log)
	if err != nil {
		return fmt.Errorf("open dcv state: %w", err)
	}
	defer store.Close()

	cache := ordercache.New()

	var quota *ratelimit.OrderQuotaError
	for i, b := range collection.Buckets() {
		blog := log.With().Int("bucket", i).Logger()
		err := d.processBucket(ctx, blog, tenant, identity, store, cache, b)
		if errors.As(err, &quota) {
			blog.Warn().Err(err).Msg("order quota exhausted, deferring remaining buckets")
			break
		}
		if err != nil {
			blog.Warn().Err(err).Msg("bucket failed")
		}
	}

	if quota != nil {
		return quota
	}

	// Cached failures are only replayed within one cycle; a completed cycle
	// clears them so domains get a fresh attempt next time. Successes stay.
	if err := store.PurgeErrors(); err != nil {
		log.Warn().Err(err).Msg("failed to purge cached failures")
	}
	return nil
}

// assignBuckets walks vhosts cluster by cluster: the primary domain's vhost
// first, the rest sorted by name. Placing one vhost transitively pulls in
// every vhost sharing a registered domain with it, and each finished cluster
// closes the current buckets so unrelated vhosts cannot land in its overflow.
func assignBuckets(collection *bucket.Collection, groups *domains.Groups, primaryDomain string) error {
	seeds := make([]string, 0, len(groups.VhostToDomains))
	for name := range groups.VhostToDomains {
		seeds = append(seeds, name)
	}
	sort.Strings(seeds)
	if vh, ok := groups.DomainToVhost[primaryDomain]; ok {
		seeds = append([]string{vh}, seeds...)
	}

	for _, seed := range seeds {
		if collection.ContainsVhost(seed) {
			continue
		}
		for _, vh := range cluster(seed, groups) {
			if collection.ContainsVhost(vh) {
				continue
			}
			if _, err := collection.AddVhostToBucket(vh, groups.VhostToDomains[vh]); err != nil {
				return err
			}
		}
		collection.CloseCurrentBuckets()
	}
	return nil
}

// cluster returns the seed's connected component over the shares-a-registered-
// domain relation: seed first, the rest sorted.
func cluster(seed string, groups *domains.Groups) []string {
	seen := map[string]bool{seed: true}
	queue := []string{seed}
	var rest []string

	for len(queue) > 0 {
		vh := queue[0]
		queue = queue[1:]
		for _, reg := range groups.VhostToRegistered[vh] {
			for _, other := range groups.RegisteredToVhosts[reg] {
				if !seen[other] {
					seen[other] = true
					rest = append(rest, other)
					queue = append(queue, other)
				}
			}
		}
	}

	sort.Strings(rest)
	return append([]string{seed}, rest...)
}

// processBucket takes one bucket from cached-state filtering through DCV to
// issuance. It returns nil when the bucket simply cannot issue this round;
// only integrity and run-fatal conditions surface as errors.
func (d *Driver) processBucket(ctx context.Context, log zerolog.Logger, tenant string, identity model.Identity, store *dcvstate.Store, cache *ordercache.Cache, b *bucket.Bucket) error {
	now := d.now()

	var orderDomains []string
	cachedValid := make(map[string]bool)
	needs := make(map[string]*dcvstate.DomainInfo)

	for _, domain := range b.Domains() {
		info, err := store.GetDomainInfo(domain)
		if err != nil {
			return fmt.Errorf("read dcv state for %s: %w", domain, err)
		}
		switch {
		case info.HasFreshSuccess(now, d.cfg.FreshnessMargin):
			cachedValid[domain] = true
			orderDomains = append(orderDomains, domain)
		case info.HTTPError != nil && info.DNSError != nil:
			// Both methods failed this cycle; replay without querying the CA.
			log.Warn().
				Str("domain", domain).
				Str("http_error", *info.HTTPError).
				Str("dns_error", *info.DNSError).
				Msg("replaying cached DCV failure")
		default:
			needs[domain] = info
			orderDomains = append(orderDomains, domain)
		}
	}

	if len(orderDomains) == 0 {
		log.Warn().Msg("no issuable domains in bucket")
		return nil
	}

	order := cache.Get(orderDomains)
	if order == nil {
		var err error
		order, err = d.guard.RunToleratingRateLimits(ctx, func(ctx context.Context) (*acmeapi.Order, error) {
			return d.client.CreateOrder(ctx, orderDomains)
		})
		if err != nil {
			return err
		}
		if order == nil {
			log.Warn().Int("domains", len(orderDomains)).Msg("order creation rate limited, bucket skipped this round")
			return nil
		}
		cache.Add(order)
	}

	results := newBatchResults()
	if len(needs) > 0 {
		needList := make([]string, 0, len(needs))
		for domain := range needs {
			needList = append(needList, domain)
		}
		sort.Strings(needList)

		// A domain whose HTTP attempt already failed this cycle retries over
		// DNS; the CA disallows switching methods on one order, so the retry
		// rides this bucket's fresh order.
		httpDomains, dnsDomains := dcv.SplitDomainsByMethod(needList, func(domain string) model.DCVMethod {
			if info := needs[domain]; info != nil && info.HTTPError != nil {
				return model.DCVMethodDNS
			}
			return model.DCVMethodHTTP
		})

		expiry := now.Add(d.cfg.SuccessValidity)
		if len(httpDomains) > 0 {
			rep := newStateReporter(log, store, results, model.DCVMethodHTTP, expiry)
			if err := d.validator.AttemptHTTP(ctx, identity, order, httpDomains, rep); err != nil {
				return fmt.Errorf("http dcv: %w", err)
			}
		}
		if len(dnsDomains) > 0 {
			rep := newStateReporter(log, store, results, model.DCVMethodDNS, expiry)
			if err := d.validator.AttemptDNS(ctx, order, dnsDomains, rep); err != nil {
				return fmt.Errorf("dns dcv: %w", err)
			}
		}
	}

	for _, domain := range orderDomains {
		if !cachedValid[domain] && !results.succeeded[domain] {
			log.Warn().Str("domain", domain).Msg("bucket has unvalidated domains, skipping issuance")
			return nil
		}
	}

	return d.issue(ctx, log, tenant, order, orderDomains)
}

func (d *Driver) issue(ctx context.Context, log zerolog.Logger, tenant string, order *acmeapi.Order, domainList []string) error {
	key, csr, err := newKeyAndCSR(domainList)
	if err != nil {
		return err
	}

	if err := d.client.FinalizeOrder(ctx, order, csr); err != nil {
		return fmt.Errorf("finalize order: %w", err)
	}
	final, err := d.client.WaitOrder(ctx, order)
	if err != nil {
		return fmt.Errorf("wait for order: %w", err)
	}
	chain, err := d.client.CertificateChain(ctx, final)
	if err != nil {
		return fmt.Errorf("fetch certificate chain: %w", err)
	}

	if err := d.installer.InstallCertificate(ctx, tenant, domainList, key, chain); err != nil {
		return fmt.Errorf("install certificate: %w", err)
	}

	metrics.CertificatesIssued.Inc()
	log.Info().Int("domains", len(domainList)).Msg("certificate issued and installed")
	return nil
}
