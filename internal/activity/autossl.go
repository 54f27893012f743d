package activity

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/temporal"

	"github.com/edvin/autossl/internal/autossl/ratelimit"
	"github.com/edvin/autossl/internal/autossl/renewal"
	"github.com/edvin/autossl/internal/metrics"
	"github.com/edvin/autossl/internal/vhosts"
)

// ErrTypeOrderQuotaExceeded is the application error type raised when the
// ACME account's new-order quota is exhausted. Workflows stop fanning out
// further tenant checks when they see it; the next scheduled run resumes.
const ErrTypeOrderQuotaExceeded = "OrderQuotaExceeded"

// AutoSSLActivity runs AutoSSL checks as Temporal activities.
type AutoSSLActivity struct {
	driver *renewal.Driver
	db     *vhosts.DB
	log    zerolog.Logger
}

func NewAutoSSLActivity(driver *renewal.Driver, db *vhosts.DB, log zerolog.Logger) *AutoSSLActivity {
	return &AutoSSLActivity{driver: driver, db: db, log: log}
}

// ListAutoSSLTenants returns the tenants with AutoSSL enabled, in the order
// the scheduled check processes them.
func (a *AutoSSLActivity) ListAutoSSLTenants(ctx context.Context) ([]string, error) {
	return a.db.ListAutoSSLTenants(ctx)
}

// RunTenantCheckParams holds parameters for one tenant's AutoSSL pass.
type RunTenantCheckParams struct {
	Tenant string
}

// RunTenantCheck performs one tenant's full AutoSSL pass. An exhausted order
// quota comes back as a non-retryable application error: retrying cannot help
// until the CA's limit window moves on.
func (a *AutoSSLActivity) RunTenantCheck(ctx context.Context, params RunTenantCheckParams) error {
	err := a.driver.RunTenantCheck(ctx, params.Tenant)

	var quota *ratelimit.OrderQuotaError
	if errors.As(err, &quota) {
		metrics.OrderQuotaHits.Inc()
		metrics.TenantChecks.WithLabelValues("deferred").Inc()
		return temporal.NewNonRetryableApplicationError(quota.Error(), ErrTypeOrderQuotaExceeded, quota)
	}
	if err != nil {
		metrics.TenantChecks.WithLabelValues("failed").Inc()
		return err
	}

	metrics.TenantChecks.WithLabelValues("ok").Inc()
	return nil
}
