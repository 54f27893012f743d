package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("TEMPORAL_ADDRESS")
	os.Unsetenv("HTTP_LISTEN_ADDR")
	os.Unsetenv("METRICS_ADDR")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("ACME_DIRECTORY_URL")
	os.Unsetenv("DCV_STATE_DIR")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:7233", cfg.TemporalAddress)
	assert.Equal(t, ":8090", cfg.HTTPListenAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "https://acme-v02.api.letsencrypt.org/directory", cfg.ACMEDirectoryURL)
	assert.Equal(t, "/var/lib/autossl/state", cfg.DCVStateDir)
}

func TestLoad_AllEnvVars(t *testing.T) {
	t.Setenv("CORE_DATABASE_URL", "postgres://core:5432/coredb")
	t.Setenv("POWERDNS_DATABASE_URL", "postgres://pdns:5432/pdnsdb")
	t.Setenv("TEMPORAL_ADDRESS", "temporal.example.com:7233")
	t.Setenv("ACME_DIRECTORY_URL", "https://acme-staging-v02.api.letsencrypt.org/directory")
	t.Setenv("ACME_EMAIL", "hostmaster@example.com")
	t.Setenv("DNS_RESOLVER_ADDR", "10.0.0.53:53")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://core:5432/coredb", cfg.CoreDatabaseURL)
	assert.Equal(t, "postgres://pdns:5432/pdnsdb", cfg.PowerDNSDatabaseURL)
	assert.Equal(t, "temporal.example.com:7233", cfg.TemporalAddress)
	assert.Equal(t, "https://acme-staging-v02.api.letsencrypt.org/directory", cfg.ACMEDirectoryURL)
	assert.Equal(t, "hostmaster@example.com", cfg.ACMEEmail)
	assert.Equal(t, "10.0.0.53:53", cfg.DNSResolverAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate_Worker_MissingFields(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEMPORAL_ADDRESS")
	assert.Contains(t, err.Error(), "CORE_DATABASE_URL")
	assert.Contains(t, err.Error(), "POWERDNS_DATABASE_URL")
	assert.Contains(t, err.Error(), "ACME_EMAIL")
}

func TestValidate_API_MissingFields(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate("api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_LISTEN_ADDR")
	assert.NotContains(t, err.Error(), "CORE_DATABASE_URL")
}

func TestValidate_TLS_MismatchedCertKey(t *testing.T) {
	cfg := &Config{
		TemporalAddress: "localhost:7233",
		HTTPListenAddr:  ":8090",
		TemporalTLSCert: "/path/to/cert.pem",
	}
	err := cfg.Validate("api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEMPORAL_TLS_CERT and TEMPORAL_TLS_KEY must both be set")
}

func TestValidate_AllPresent(t *testing.T) {
	cfg := &Config{
		CoreDatabaseURL:     "postgres://localhost/core",
		PowerDNSDatabaseURL: "postgres://localhost/pdns",
		TemporalAddress:     "localhost:7233",
		HTTPListenAddr:      ":8090",
		ACMEDirectoryURL:    "https://acme-v02.api.letsencrypt.org/directory",
		ACMEEmail:           "hostmaster@example.com",
		ACMEAccountKeyPath:  "/etc/autossl/account.key",
		DCVStateDir:         "/var/lib/autossl/state",
		TemporalTLSCert:     "/path/to/cert.pem",
		TemporalTLSKey:      "/path/to/key.pem",
	}

	assert.NoError(t, cfg.Validate("worker"))
	assert.NoError(t, cfg.Validate("api"))
}

func TestLoadProfile_EmptyPathUsesDefaults(t *testing.T) {
	p, err := LoadProfile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultProfile(), p)
	assert.Equal(t, 40, p.SoftBucketSize)
	assert.Equal(t, 100, p.HardBucketSize)
}

func TestLoadProfile_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("soft_bucket_size: 10\nhard_bucket_size: 25\n"), 0o644))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, 10, p.SoftBucketSize)
	assert.Equal(t, 25, p.HardBucketSize)
	// Unspecified keys keep their defaults.
	assert.Equal(t, 30, p.SuccessValidityDays)
}

func TestLoadProfile_RejectsSoftAboveHard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("soft_bucket_size: 50\nhard_bucket_size: 25\n"), 0o644))

	_, err := LoadProfile(path)
	require.Error(t, err)
}
