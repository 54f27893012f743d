package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/autossl/internal/autossl/dcvstate"
	"github.com/edvin/autossl/internal/config"
	"github.com/edvin/autossl/internal/platform"
	"github.com/edvin/autossl/internal/workflow"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "check":
		cmdCheck(os.Args[2:])
	case "state":
		cmdState(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: autosslctl <command> [options]

Commands:
  check  -tenant NAME              Start an AutoSSL pass for one tenant
  state  -tenant NAME [show|purge] Inspect or reset a tenant's DCV cache`)
}

// cmdCheck starts the per-tenant workflow and waits for it to finish.
func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Tenant name")
	wait := fs.Bool("wait", true, "Wait for the check to complete")
	fs.Parse(args)

	if *tenant == "" {
		fmt.Fprintln(os.Stderr, "Usage: autosslctl check -tenant NAME [-wait=false]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}

	tlsConfig, err := cfg.TemporalTLS()
	if err != nil {
		fatal(err)
	}
	dialOpts := temporalclient.Options{HostPort: cfg.TemporalAddress}
	if tlsConfig != nil {
		dialOpts.ConnectionOptions = temporalclient.ConnectionOptions{TLS: tlsConfig}
	}
	tc, err := temporalclient.Dial(dialOpts)
	if err != nil {
		fatal(fmt.Errorf("connect to temporal: %w", err))
	}
	defer tc.Close()

	ctx := context.Background()
	run, err := tc.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        "autossl-" + *tenant + "-" + platform.NewID(),
		TaskQueue: "autossl",
	}, workflow.TenantAutoSSLWorkflow, *tenant)
	if err != nil {
		fatal(fmt.Errorf("start workflow: %w", err))
	}

	fmt.Printf("Started AutoSSL check for %q (workflow %s)\n", *tenant, run.GetID())
	if !*wait {
		return
	}
	if err := run.Get(ctx, nil); err != nil {
		fatal(fmt.Errorf("check failed: %w", err))
	}
	fmt.Println("Check completed")
}

// cmdState inspects or purges the tenant's on-disk DCV cache directly.
func cmdState(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Tenant name")
	fs.Parse(args)

	if *tenant == "" {
		fmt.Fprintln(os.Stderr, "Usage: autosslctl state -tenant NAME [show|purge]")
		os.Exit(1)
	}
	action := "show"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}

	store, err := dcvstate.OpenUnbound(filepath.Join(cfg.DCVStateDir, *tenant+".sqlite"), zerolog.Nop())
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	switch action {
	case "show":
		n, err := store.CountDomains()
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%d domains with cached DCV state\n", n)
	case "purge":
		if err := store.PurgeAll(); err != nil {
			fatal(err)
		}
		fmt.Println("DCV state purged")
	default:
		fmt.Fprintf(os.Stderr, "Unknown state action: %s\n", action)
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
