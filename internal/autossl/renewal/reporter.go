package renewal

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/autossl/internal/autossl/dcvstate"
	"github.com/edvin/autossl/internal/metrics"
	"github.com/edvin/autossl/internal/model"
)

// batchResults collects per-domain outcomes across a bucket's HTTP and DNS
// batches so the driver can decide whether the bucket may issue.
type batchResults struct {
	succeeded map[string]bool
	failed    map[string]string
}

func newBatchResults() *batchResults {
	return &batchResults{
		succeeded: make(map[string]bool),
		failed:    make(map[string]string),
	}
}

// stateReporter is the dcv.Reporter for one challenge method: it records
// outcomes in the batch results and persists them to the DCV state store. A
// conflicting record from an earlier cycle is cleared and the write retried;
// within one run a domain only ever reaches one terminal outcome.
type stateReporter struct {
	log     zerolog.Logger
	store   *dcvstate.Store
	results *batchResults
	method  model.DCVMethod
	expiry  time.Time
}

func newStateReporter(log zerolog.Logger, store *dcvstate.Store, results *batchResults, method model.DCVMethod, expiry time.Time) *stateReporter {
	return &stateReporter{log: log, store: store, results: results, method: method, expiry: expiry}
}

func (r *stateReporter) ReportSuccess(domain string) {
	r.results.succeeded[domain] = true
	metrics.DCVResults.WithLabelValues(string(r.method), "success").Inc()
	r.log.Info().Str("domain", domain).Str("method", string(r.method)).Msg("domain control validated")

	if err := r.writeClearingConflict(domain, func() error {
		return r.store.SetSuccessExpiry(domain, r.expiry)
	}); err != nil {
		r.log.Warn().Err(err).Str("domain", domain).Msg("failed to persist validation success")
	}
}

func (r *stateReporter) ReportFailure(domain, reason string) {
	r.results.failed[domain] = reason
	metrics.DCVResults.WithLabelValues(string(r.method), "failure").Inc()
	r.log.Warn().Str("domain", domain).Str("method", string(r.method)).Str("reason", reason).Msg("domain control validation failed")

	write := func() error {
		if r.method == model.DCVMethodDNS {
			return r.store.SetDNSError(domain, reason)
		}
		return r.store.SetHTTPError(domain, reason)
	}
	if err := r.writeClearingConflict(domain, write); err != nil {
		r.log.Warn().Err(err).Str("domain", domain).Msg("failed to persist validation failure")
	}
}

func (r *stateReporter) writeClearingConflict(domain string, write func() error) error {
	err := write()
	var conflict *dcvstate.ConflictError
	if !errors.As(err, &conflict) {
		return err
	}
	if cerr := r.store.ClearDomain(domain); cerr != nil {
		return cerr
	}
	return write()
}
