package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/edvin/autossl/internal/acmeapi"
	"github.com/edvin/autossl/internal/activity"
	"github.com/edvin/autossl/internal/api"
	"github.com/edvin/autossl/internal/autossl/dcv"
	"github.com/edvin/autossl/internal/autossl/domains"
	"github.com/edvin/autossl/internal/autossl/renewal"
	"github.com/edvin/autossl/internal/config"
	"github.com/edvin/autossl/internal/db"
	"github.com/edvin/autossl/internal/dnspub"
	"github.com/edvin/autossl/internal/logging"
	"github.com/edvin/autossl/internal/metrics"
	"github.com/edvin/autossl/internal/vhosts"
	"github.com/edvin/autossl/internal/workflow"
)

const taskQueue = "autossl"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load autossl profile")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	corePool, err := db.NewCorePool(ctx, cfg.CoreDatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to core database")
	}
	defer corePool.Close()
	metrics.RegisterPgxPoolMetrics("core", corePool)

	powerdnsPool, err := db.NewPowerDNSPool(ctx, cfg.PowerDNSDatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to powerdns database")
	}
	defer powerdnsPool.Close()
	metrics.RegisterPgxPoolMetrics("powerdns", powerdnsPool)

	accountKey, err := acmeapi.LoadOrCreateAccountKey(cfg.ACMEAccountKeyPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load ACME account key")
	}
	acmeClient := acmeapi.NewACMEClient(accountKey, cfg.ACMEDirectoryURL)
	accountURL, err := acmeClient.EnsureAccount(ctx, cfg.ACMEEmail)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register ACME account")
	}
	logger.Info().Str("account", accountURL).Msg("ACME account ready")

	vhostDB := vhosts.NewDB(corePool)
	orchestrator := dcv.NewOrchestrator(
		acmeClient,
		dcv.OSChallengeFiles{},
		vhostDB,
		dnspub.NewPowerDNSPublisher(powerdnsPool),
		dnspub.NewResolverWaiter(cfg.DNSResolverAddr),
		logger,
	)
	driver := renewal.NewDriver(
		vhostDB,
		domains.PSLChecker{},
		acmeClient,
		orchestrator,
		vhosts.NewCertInstaller(corePool),
		renewal.Config{
			SoftBucketSize:  profile.SoftBucketSize,
			HardBucketSize:  profile.HardBucketSize,
			SuccessValidity: profile.SuccessValidity(),
			FreshnessMargin: profile.FreshnessMargin(),
			StateDir:        cfg.DCVStateDir,
			ACMEAccountID:   accountURL,
		},
		logger,
	)

	tlsConfig, err := cfg.TemporalTLS()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure temporal TLS")
	}
	dialOpts := temporalclient.Options{HostPort: cfg.TemporalAddress}
	if tlsConfig != nil {
		dialOpts.ConnectionOptions = temporalclient.ConnectionOptions{TLS: tlsConfig}
		logger.Info().Msg("temporal mTLS enabled")
	}
	tc, err := temporalclient.Dial(dialOpts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to temporal")
	}
	defer tc.Close()

	w := worker.New(tc, taskQueue, worker.Options{})
	w.RegisterActivity(activity.NewAutoSSLActivity(driver, vhostDB, logger))
	w.RegisterWorkflow(workflow.AutoSSLCheckWorkflow)
	w.RegisterWorkflow(workflow.TenantAutoSSLWorkflow)

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsAddr)
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	if cfg.HTTPListenAddr != "" {
		adminSrv := &http.Server{
			Addr:    cfg.HTTPListenAddr,
			Handler: api.NewServer(logger, tc, cfg),
		}
		go func() {
			logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting admin API")
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("admin API failed")
			}
		}()
	}

	go func() {
		logger.Info().Str("taskQueue", taskQueue).Msg("starting temporal worker")
		if err := w.Run(worker.InterruptCh()); err != nil {
			logger.Fatal().Err(err).Msg("worker failed")
		}
	}()

	registerCronSchedules(ctx, tc, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker")
	cancel()
}

// registerCronSchedules creates the nightly AutoSSL schedule. Errors for
// already-existing schedules are ignored so that re-deploys do not fail.
func registerCronSchedules(ctx context.Context, tc temporalclient.Client, logger zerolog.Logger) {
	const id = "autossl-check-cron"
	_, err := tc.ScheduleClient().Create(ctx, temporalclient.ScheduleOptions{
		ID: id,
		Spec: temporalclient.ScheduleSpec{
			CronExpressions: []string{"0 1 * * *"},
		},
		Action: &temporalclient.ScheduleWorkflowAction{
			ID:        id,
			Workflow:  workflow.AutoSSLCheckWorkflow,
			TaskQueue: taskQueue,
		},
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "AlreadyExists") {
			logger.Info().Str("id", id).Msg("cron schedule already exists, skipping")
		} else {
			logger.Fatal().Err(err).Str("id", id).Msg("failed to create cron schedule")
		}
	} else {
		logger.Info().Str("id", id).Msg("created cron schedule")
	}
}
