package config

import (
	"fmt"
	"os"
	"strings"
)

type Config struct {
	CoreDatabaseURL     string
	PowerDNSDatabaseURL string
	TemporalAddress     string
	HTTPListenAddr      string
	MetricsAddr         string
	LogLevel            string
	ServiceName         string

	// ACME issuance settings. The account key is generated out of band and
	// must already exist at ACMEAccountKeyPath.
	ACMEDirectoryURL   string
	ACMEEmail          string
	ACMEAccountKeyPath string
	// DCVStateDir holds one DCV result database per tenant.
	DCVStateDir string
	// DNSResolverAddr is the nameserver polled for TXT record propagation.
	DNSResolverAddr string
	// ProfilePath optionally points at a YAML bucket-sizing profile.
	ProfilePath string

	TemporalTLSCert       string
	TemporalTLSKey        string
	TemporalTLSCACert     string
	TemporalTLSServerName string
}

func Load() (*Config, error) {
	cfg := &Config{
		CoreDatabaseURL:     getEnv("CORE_DATABASE_URL", ""),
		PowerDNSDatabaseURL: getEnv("POWERDNS_DATABASE_URL", ""),
		TemporalAddress:     getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		HTTPListenAddr:      getEnv("HTTP_LISTEN_ADDR", ":8090"),
		MetricsAddr:         getEnv("METRICS_ADDR", ":9090"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		ServiceName:         getEnv("SERVICE_NAME", "autossl"),

		ACMEDirectoryURL:   getEnv("ACME_DIRECTORY_URL", "https://acme-v02.api.letsencrypt.org/directory"),
		ACMEEmail:          getEnv("ACME_EMAIL", ""),
		ACMEAccountKeyPath: getEnv("ACME_ACCOUNT_KEY_PATH", "/etc/autossl/account.key"),
		DCVStateDir:        getEnv("DCV_STATE_DIR", "/var/lib/autossl/state"),
		DNSResolverAddr:    getEnv("DNS_RESOLVER_ADDR", "127.0.0.1:53"),
		ProfilePath:        getEnv("AUTOSSL_PROFILE", ""),

		TemporalTLSCert:       getEnv("TEMPORAL_TLS_CERT", ""),
		TemporalTLSKey:        getEnv("TEMPORAL_TLS_KEY", ""),
		TemporalTLSCACert:     getEnv("TEMPORAL_TLS_CA_CERT", ""),
		TemporalTLSServerName: getEnv("TEMPORAL_TLS_SERVER_NAME", ""),
	}

	return cfg, nil
}

// Validate checks that the settings a component needs are present. The error
// names the missing environment variables.
func (c *Config) Validate(component string) error {
	var missing []string
	need := func(value, name string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	need(c.TemporalAddress, "TEMPORAL_ADDRESS")

	switch component {
	case "worker":
		need(c.CoreDatabaseURL, "CORE_DATABASE_URL")
		need(c.PowerDNSDatabaseURL, "POWERDNS_DATABASE_URL")
		need(c.ACMEDirectoryURL, "ACME_DIRECTORY_URL")
		need(c.ACMEEmail, "ACME_EMAIL")
		need(c.ACMEAccountKeyPath, "ACME_ACCOUNT_KEY_PATH")
		need(c.DCVStateDir, "DCV_STATE_DIR")
	case "api":
		need(c.HTTPListenAddr, "HTTP_LISTEN_ADDR")
	}

	if (c.TemporalTLSCert == "") != (c.TemporalTLSKey == "") {
		return fmt.Errorf("TEMPORAL_TLS_CERT and TEMPORAL_TLS_KEY must both be set or both be empty")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
