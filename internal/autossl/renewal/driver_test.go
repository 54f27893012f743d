package renewal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/autossl/internal/acmeapi"
	"github.com/edvin/autossl/internal/autossl/dcv"
	"github.com/edvin/autossl/internal/autossl/dcvstate"
	"github.com/edvin/autossl/internal/autossl/ratelimit"
	"github.com/edvin/autossl/internal/model"
)

type fakeEnumerator struct {
	vhosts  []model.VirtualHost
	primary string
}

func (f *fakeEnumerator) ListVirtualHosts(ctx context.Context, tenant string) ([]model.VirtualHost, error) {
	return f.vhosts, nil
}

func (f *fakeEnumerator) PrimaryDomain(ctx context.Context, tenant string) (string, error) {
	return f.primary, nil
}

func (f *fakeEnumerator) AccountIdentity(ctx context.Context, tenant string) (model.Identity, error) {
	return model.Identity{Username: tenant, UID: 1042, GID: 1042}, nil
}

type comChecker struct{}

func (comChecker) IsRegisteredTLD(ctx context.Context, candidate string) (bool, error) {
	return candidate == "com", nil
}

type fakeACME struct {
	createCalls [][]string
	createErr   error
	finalized   []string
	waited      int
}

func (f *fakeACME) CreateOrder(ctx context.Context, domainList []string) (*acmeapi.Order, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.createCalls = append(f.createCalls, domainList)
	return &acmeapi.Order{
		URL:         fmt.Sprintf("order-%d", len(f.createCalls)),
		Identifiers: domainList,
	}, nil
}

func (f *fakeACME) Authorization(ctx context.Context, url string) (*acmeapi.Authorization, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeACME) AcceptChallenge(ctx context.Context, ch *acmeapi.Challenge) error {
	return errors.New("not implemented")
}

func (f *fakeACME) PollAuthorization(ctx context.Context, url string) (*acmeapi.Authorization, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeACME) HTTP01Response(token string) (string, error) { return "", nil }
func (f *fakeACME) DNS01Record(token string) (string, error)    { return "", nil }

func (f *fakeACME) FinalizeOrder(ctx context.Context, order *acmeapi.Order, csr []byte) error {
	f.finalized = append(f.finalized, order.URL)
	return nil
}

func (f *fakeACME) WaitOrder(ctx context.Context, order *acmeapi.Order) (*acmeapi.Order, error) {
	f.waited++
	return order, nil
}

func (f *fakeACME) CertificateChain(ctx context.Context, order *acmeapi.Order) (string, error) {
	return "-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----\n", nil
}

// fakeValidator reports success for every domain unless failures names it.
type fakeValidator struct {
	httpCalls [][]string
	dnsCalls  [][]string
	failures  map[string]string
}

func (f *fakeValidator) report(domainList []string, rep dcv.Reporter) {
	for _, domain := range domainList {
		if reason, ok := f.failures[domain]; ok {
			rep.ReportFailure(domain, reason)
		} else {
			rep.ReportSuccess(domain)
		}
	}
}

func (f *fakeValidator) AttemptHTTP(ctx context.Context, identity model.Identity, order *acmeapi.Order, domainList []string, rep dcv.Reporter) error {
	f.httpCalls = append(f.httpCalls, domainList)
	f.report(domainList, rep)
	return nil
}

func (f *fakeValidator) AttemptDNS(ctx context.Context, order *acmeapi.Order, domainList []string, rep dcv.Reporter) error {
	f.dnsCalls = append(f.dnsCalls, domainList)
	f.report(domainList, rep)
	return nil
}

type installedCert struct {
	tenant  string
	domains []string
}

type fakeInstaller struct {
	installed []installedCert
}

func (f *fakeInstaller) InstallCertificate(ctx context.Context, tenant string, domainList []string, keyPEM, chainPEM string) error {
	f.installed = append(f.installed, installedCert{tenant: tenant, domains: domainList})
	return nil
}

type driverFixture struct {
	driver    *Driver
	acme      *fakeACME
	validator *fakeValidator
	installer *fakeInstaller
	stateDir  string
}

func newFixture(t *testing.T, enum *fakeEnumerator) *driverFixture {
	t.Helper()
	f := &driverFixture{
		acme:      &fakeACME{},
		validator: &fakeValidator{},
		installer: &fakeInstaller{},
		stateDir:  t.TempDir(),
	}
	f.driver = NewDriver(enum, comChecker{}, f.acme, f.validator, f.installer, Config{
		StateDir:      f.stateDir,
		ACMEAccountID: "acct-1",
	}, zerolog.Nop())
	return f
}

// seedState writes records into a tenant's state database before a run.
func (f *driverFixture) seedState(t *testing.T, tenant string, seed func(*dcvstate.Store)) {
	t.Helper()
	s, err := dcvstate.Open(f.stateDir+"/"+tenant+".sqlite", "acct-1", zerolog.Nop())
	require.NoError(t, err)
	seed(s)
	require.NoError(t, s.Close())
}

func (f *driverFixture) domainInfo(t *testing.T, tenant, domain string) *dcvstate.DomainInfo {
	t.Helper()
	s, err := dcvstate.Open(f.stateDir+"/"+tenant+".sqlite", "acct-1", zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	info, err := s.GetDomainInfo(domain)
	require.NoError(t, err)
	return info
}

func TestRunTenantCheck_SharedRegisteredDomainOneBucket(t *testing.T) {
	enum := &fakeEnumerator{
		vhosts: []model.VirtualHost{
			{Name: "a", Domains: []string{"a.com", "www.a.com"}},
			{Name: "b", Domains: []string{"b.a.com"}},
		},
		primary: "a.com",
	}
	f := newFixture(t, enum)
	f.seedState(t, "alice", func(s *dcvstate.Store) {
		require.NoError(t, s.SetHTTPError("stale.com", "left over from last cycle"))
	})

	require.NoError(t, f.driver.RunTenantCheck(context.Background(), "alice"))

	// Both vhosts share a.com as registered domain, so one order covers all
	// three domains.
	require.Len(t, f.acme.createCalls, 1)
	assert.ElementsMatch(t, []string{"a.com", "www.a.com", "b.a.com"}, f.acme.createCalls[0])
	require.Len(t, f.validator.httpCalls, 1)
	assert.ElementsMatch(t, []string{"a.com", "www.a.com", "b.a.com"}, f.validator.httpCalls[0])

	require.Len(t, f.installer.installed, 1)
	assert.Equal(t, "alice", f.installer.installed[0].tenant)
	assert.ElementsMatch(t, []string{"a.com", "www.a.com", "b.a.com"}, f.installer.installed[0].domains)

	// Successes persist; the completed cycle purged the stale failure.
	assert.NotNil(t, f.domainInfo(t, "alice", "a.com").SuccessExpiry)
	assert.Nil(t, f.domainInfo(t, "alice", "stale.com").HTTPError)
}

func TestRunTenantCheck_OrderQuotaDefersRunAndSkipsPurge(t *testing.T) {
	enum := &fakeEnumerator{
		vhosts:  []model.VirtualHost{{Name: "a", Domains: []string{"a.com"}}},
		primary: "a.com",
	}
	f := newFixture(t, enum)
	f.acme.createErr = &acmeapi.Error{
		Type:   ratelimit.RateLimitedType,
		Detail: "Error creating new order :: too many new orders recently",
	}
	f.seedState(t, "alice", func(s *dcvstate.Store) {
		require.NoError(t, s.SetHTTPError("stale.com", "left over from last cycle"))
	})

	err := f.driver.RunTenantCheck(context.Background(), "alice")
	var quota *ratelimit.OrderQuotaError
	require.ErrorAs(t, err, &quota)

	assert.Empty(t, f.installer.installed)
	// The deferred run must not clear cached failures.
	require.NotNil(t, f.domainInfo(t, "alice", "stale.com").HTTPError)
}

func TestRunTenantCheck_OtherRateLimitSkipsBucketOnly(t *testing.T) {
	enum := &fakeEnumerator{
		vhosts:  []model.VirtualHost{{Name: "a", Domains: []string{"a.com"}}},
		primary: "a.com",
	}
	f := newFixture(t, enum)
	f.acme.createErr = &acmeapi.Error{
		Type:   ratelimit.RateLimitedType,
		Detail: "too many certificates already issued for a.com",
	}

	require.NoError(t, f.driver.RunTenantCheck(context.Background(), "alice"))
	assert.Empty(t, f.validator.httpCalls)
	assert.Empty(t, f.installer.installed)
}

func TestRunTenantCheck_FreshSuccessSkipsValidation(t *testing.T) {
	enum := &fakeEnumerator{
		vhosts:  []model.VirtualHost{{Name: "a", Domains: []string{"a.com"}}},
		primary: "a.com",
	}
	f := newFixture(t, enum)
	f.seedState(t, "alice", func(s *dcvstate.Store) {
		require.NoError(t, s.SetSuccessExpiry("a.com", time.Now().Add(30*24*time.Hour)))
	})

	require.NoError(t, f.driver.RunTenantCheck(context.Background(), "alice"))

	assert.Empty(t, f.validator.httpCalls, "cached success must skip revalidation")
	assert.Empty(t, f.validator.dnsCalls)
	require.Len(t, f.installer.installed, 1)
	assert.Equal(t, []string{"a.com"}, f.installer.installed[0].domains)
}

func TestRunTenantCheck_MarginLapsedSuccessRevalidates(t *testing.T) {
	enum := &fakeEnumerator{
		vhosts:  []model.VirtualHost{{Name: "a", Domains: []string{"a.com"}}},
		primary: "a.com",
	}
	f := newFixture(t, enum)
	f.seedState(t, "alice", func(s *dcvstate.Store) {
		// Expires within the freshness margin, so it does not count.
		require.NoError(t, s.SetSuccessExpiry("a.com", time.Now().Add(30*time.Minute)))
	})

	require.NoError(t, f.driver.RunTenantCheck(context.Background(), "alice"))
	require.Len(t, f.validator.httpCalls, 1)
	assert.Equal(t, []string{"a.com"}, f.validator.httpCalls[0])
}

func TestRunTenantCheck_ReplayedFailureExcludedFromOrder(t *testing.T) {
	enum := &fakeEnumerator{
		vhosts:  []model.VirtualHost{{Name: "a", Domains: []string{"a.com", "bad.com"}}},
		primary: "a.com",
	}
	f := newFixture(t, enum)
	f.seedState(t, "alice", func(s *dcvstate.Store) {
		require.NoError(t, s.SetHTTPError("bad.com", "http failed"))
		require.NoError(t, s.SetDNSError("bad.com", "dns failed"))
	})

	require.NoError(t, f.driver.RunTenantCheck(context.Background(), "alice"))

	require.Len(t, f.acme.createCalls, 1)
	assert.Equal(t, []string{"a.com"}, f.acme.createCalls[0])
	require.Len(t, f.installer.installed, 1)
	assert.Equal(t, []string{"a.com"}, f.installer.installed[0].domains)
}

func TestRunTenantCheck_CachedHTTPFailureRetriesOverDNS(t *testing.T) {
	enum := &fakeEnumerator{
		vhosts:  []model.VirtualHost{{Name: "a", Domains: []string{"a.com"}}},
		primary: "a.com",
	}
	f := newFixture(t, enum)
	f.seedState(t, "alice", func(s *dcvstate.Store) {
		require.NoError(t, s.SetHTTPError("a.com", "404 at well-known path"))
	})

	require.NoError(t, f.driver.RunTenantCheck(context.Background(), "alice"))

	assert.Empty(t, f.validator.httpCalls)
	require.Len(t, f.validator.dnsCalls, 1)
	assert.Equal(t, []string{"a.com"}, f.validator.dnsCalls[0])

	// The DNS success replaces the cached HTTP failure.
	info := f.domainInfo(t, "alice", "a.com")
	assert.NotNil(t, info.SuccessExpiry)
	assert.Nil(t, info.HTTPError)
}

func TestRunTenantCheck_FailedDomainBlocksBucketIssuance(t *testing.T) {
	enum := &fakeEnumerator{
		vhosts:  []model.VirtualHost{{Name: "a", Domains: []string{"a.com", "www.a.com"}}},
		primary: "a.com",
	}
	f := newFixture(t, enum)
	f.validator.failures = map[string]string{"www.a.com": "challenge invalid"}

	require.NoError(t, f.driver.RunTenantCheck(context.Background(), "alice"))

	assert.Empty(t, f.installer.installed, "a partially validated bucket must not issue")
	assert.NotNil(t, f.domainInfo(t, "alice", "a.com").SuccessExpiry)
}

func TestRunTenantCheck_UnrelatedClustersGetSeparateBuckets(t *testing.T) {
	enum := &fakeEnumerator{
		vhosts: []model.VirtualHost{
			{Name: "a", Domains: []string{"a.com"}},
			{Name: "z", Domains: []string{"z.com"}},
		},
		primary: "a.com",
	}
	f := newFixture(t, enum)

	require.NoError(t, f.driver.RunTenantCheck(context.Background(), "alice"))

	// Closing buckets after each cluster keeps z.com out of a.com's bucket.
	require.Len(t, f.acme.createCalls, 2)
	assert.Equal(t, []string{"a.com"}, f.acme.createCalls[0])
	assert.Equal(t, []string{"z.com"}, f.acme.createCalls[1])
	assert.Len(t, f.installer.installed, 2)
}
