package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TenantChecks counts completed AutoSSL passes by outcome
	// (ok, failed, deferred).
	TenantChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autossl_tenant_checks_total",
		Help: "AutoSSL tenant check runs by outcome",
	}, []string{"outcome"})

	// DCVResults counts per-domain validation outcomes by challenge method.
	DCVResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autossl_dcv_results_total",
		Help: "Domain control validation results by method and outcome",
	}, []string{"method", "outcome"})

	// CertificatesIssued counts certificates issued and installed.
	CertificatesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autossl_certificates_issued_total",
		Help: "Certificates issued and installed",
	})

	// OrderQuotaHits counts runs deferred by the account-wide order quota.
	OrderQuotaHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autossl_order_quota_hits_total",
		Help: "Runs deferred because the ACME new-order quota was exhausted",
	})
)
