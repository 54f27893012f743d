package workflow

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/autossl/internal/activity"
)

// AutoSSLCheckWorkflow runs on a cron schedule and performs one AutoSSL pass
// per enabled tenant, sequentially. Hitting the account's order quota stops
// the fan-out; whatever was deferred is picked up by the next scheduled run.
func AutoSSLCheckWorkflow(ctx workflow.Context) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)

	var tenants []string
	if err := workflow.ExecuteActivity(ctx, "ListAutoSSLTenants").Get(ctx, &tenants); err != nil {
		return fmt.Errorf("list autossl tenants: %w", err)
	}

	for _, tenant := range tenants {
		err := workflow.ExecuteActivity(ctx, "RunTenantCheck", activity.RunTenantCheckParams{
			Tenant: tenant,
		}).Get(ctx, nil)
		if err == nil {
			continue
		}

		if isOrderQuotaError(err) {
			logger.Warn("ACME order quota exhausted, deferring remaining tenants",
				"tenant", tenant)
			return nil
		}

		// One tenant's failure must not block the rest of the fleet.
		logger.Error("AutoSSL tenant check failed", "tenant", tenant, "error", err)
	}

	return nil
}

// TenantAutoSSLWorkflow runs a single tenant's AutoSSL pass on demand.
func TenantAutoSSLWorkflow(ctx workflow.Context, tenant string) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	err := workflow.ExecuteActivity(ctx, "RunTenantCheck", activity.RunTenantCheckParams{
		Tenant: tenant,
	}).Get(ctx, nil)
	if err != nil {
		return fmt.Errorf("autossl check for %s: %w", tenant, err)
	}
	return nil
}

// isOrderQuotaError unwraps through Temporal's activity error wrapping to the
// application error type raised on order-quota exhaustion.
func isOrderQuotaError(err error) bool {
	var appErr *temporal.ApplicationError
	return errors.As(err, &appErr) && appErr.Type() == activity.ErrTypeOrderQuotaExceeded
}
