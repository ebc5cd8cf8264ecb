package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log_level: debug
http_port: 9090
gate:
  provider: ifconfig.co
  poll_interval: 20s
  rule:
    expected_asn: AS9009
    mode: equal
consensus:
  providers: [ifconfig.co, ipwho.is]
  timeout: 5s
asndb:
  path: /var/lib/killswitch/ip2asn.sqlite
  staleness: 2h
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseConfig(t *testing.T) {
	conf, err := ParseConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", conf.LogLevel)
	assert.Equal(t, 9090, conf.HTTPPort)
	assert.Equal(t, 20*time.Second, conf.Gate.PollInterval)
	assert.Equal(t, 40*time.Second, conf.Gate.Freshness)
	assert.Equal(t, "AS9009", conf.Gate.Rule.ExpectedASN)
	assert.Equal(t, []string{"ifconfig.co", "ipwho.is"}, conf.Consensus.Providers)
	assert.Equal(t, 2*time.Hour, conf.AsnDB.Staleness)
	assert.Equal(t, FeedIPToASN, conf.AsnDB.Feed)
	assert.Equal(t, "0.0.0.0:9090", conf.Addr())
	assert.NoError(t, conf.Validate(true))
}

func TestParseConfigEnvOverrides(t *testing.T) {
	t.Setenv("VPN_PROVIDER_ASN", "60068")
	t.Setenv("IPINFO_API_TOKEN", "token")
	t.Setenv("VPN_KILLSWITCH_HTTP_PORT", "8181")
	t.Setenv("VPN_KILLSWITCH_LOG_LEVEL", "warn")
	t.Setenv("VPN_KILLSWITCH_GATE_PROVIDER", "ipinfo.io")
	t.Setenv("VPN_KILLSWITCH_POLL_INTERVAL", "not-a-duration")
	t.Setenv("VPN_KILLSWITCH_FRESHNESS", "1m")

	conf, err := ParseConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "60068", conf.Gate.Rule.ExpectedASN)
	assert.Equal(t, "token", conf.Gate.APIToken)
	assert.Equal(t, 8181, conf.HTTPPort)
	assert.Equal(t, "warn", conf.LogLevel)
	assert.Equal(t, "ipinfo.io", conf.Gate.Provider)
	// invalid values are ignored
	assert.Equal(t, 20*time.Second, conf.Gate.PollInterval)
	assert.Equal(t, time.Minute, conf.Gate.Freshness)
	assert.NoError(t, conf.Validate(true))
}

func TestParseConfigMissingFile(t *testing.T) {
	_, err := ParseConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = ParseConfig(writeConfig(t, "unknown_key: 1\n"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	conf := DefaultConfig()
	conf.applyDefaults()

	// no expected asn and no token for the default ipinfo.io provider
	assert.Error(t, conf.Validate(true))
	assert.NoError(t, conf.Validate(false))

	conf.Gate.Rule.ExpectedASN = "9009"
	assert.Error(t, conf.Validate(true))
	conf.Gate.APIToken = "token"
	assert.NoError(t, conf.Validate(true))

	conf.Gate.Provider = "example.com"
	assert.Error(t, conf.Validate(true))
	conf.Gate.Provider = "ipwho.is"

	conf.AsnDB.Feed = "nope"
	assert.Error(t, conf.Validate(true))
	assert.NoError(t, conf.Validate(false))
	conf.AsnDB.Disabled = true
	assert.NoError(t, conf.Validate(true))
	conf.AsnDB.Disabled = false

	// the one-shot commands do not need the refresher feed
	conf.AsnDB.Feed = FeedMaxmindCSV
	assert.Error(t, conf.Validate(true))
	assert.NoError(t, conf.Validate(false))
	conf.AsnDB.LicenseKey = "key"
	assert.NoError(t, conf.Validate(true))

	conf.LogLevel = "loud"
	assert.Error(t, conf.Validate(false))
}
