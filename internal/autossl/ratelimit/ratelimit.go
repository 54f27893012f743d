// Package ratelimit classifies ACME rate-limit failures around order
// creation. The order-quota limit ("too many new orders") blocks the whole
// account and must stop the run; every other rate limit only costs the
// affected operation.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/autossl/internal/acmeapi"
)

// RateLimitedType is the ACME problem type for every rate limit. The
// protocol has no structured way to single out the order quota, so the
// detail-text substring check below is inherent to the domain.
const RateLimitedType = "urn:ietf:params:acme:error:rateLimited"

const orderQuotaDetail = "too many new orders"

// OrderQuotaError signals that the account's new-order quota is exhausted.
// The run must defer all remaining work to the next scheduled invocation and
// must not run end-of-cycle cache cleanup.
type OrderQuotaError struct {
	Cause *acmeapi.Error
}

func (e *OrderQuotaError) Error() string {
	return fmt.Sprintf("ACME order quota exhausted: %s", e.Cause.Detail)
}

func (e *OrderQuotaError) Unwrap() error { return e.Cause }

// IsRateLimit reports whether the error is any ACME rate limit.
func IsRateLimit(err error) bool {
	var p *acmeapi.Error
	return errors.As(err, &p) && p.Type == RateLimitedType
}

// IsOrdersRateLimit reports whether the error is specifically the
// account-wide new-order quota.
func IsOrdersRateLimit(err error) bool {
	var p *acmeapi.Error
	if !errors.As(err, &p) || p.Type != RateLimitedType {
		return false
	}
	return strings.Contains(strings.ToLower(p.Detail), orderQuotaDetail)
}

// Guard wraps order-creation calls and sorts their failures.
type Guard struct {
	log zerolog.Logger
}

func NewGuard(log zerolog.Logger) *Guard {
	return &Guard{log: log}
}

// RunToleratingRateLimits executes an order-creation attempt.
//   - order quota hit: returns (*OrderQuotaError) — fatal for the run
//   - any other rate limit: logged as a warning, returns (nil, nil); the
//     caller must treat the affected domains as unvalidatable this round
//   - other errors propagate unchanged
func (g *Guard) RunToleratingRateLimits(ctx context.Context, fn func(context.Context) (*acmeapi.Order, error)) (*acmeapi.Order, error) {
	order, err := fn(ctx)
	if err == nil {
		return order, nil
	}

	var p *acmeapi.Error
	if !errors.As(err, &p) || p.Type != RateLimitedType {
		return nil, err
	}

	if IsOrdersRateLimit(err) {
		return nil, &OrderQuotaError{Cause: p}
	}

	g.log.Warn().Str("detail", p.Detail).Msg("ACME rate limited, skipping order")
	return nil, nil
}
