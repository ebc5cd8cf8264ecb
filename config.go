package main

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	DefaultConfigPath = "./config.yaml"
	defaultHTTPPort   = 8080
)

type Config struct {
	LogLevel string `yaml:"log_level"`
	Listen   string `yaml:"listen"`
	HTTPPort int    `yaml:"http_port"`

	// PprofListen enables net/http/pprof on this address when set.
	PprofListen string `yaml:"pprof_listen"`

	Gate      GateConfig      `yaml:"gate"`
	Consensus ConsensusConfig `yaml:"consensus"`
	AsnDB     AsnDBConfig     `yaml:"asndb"`
}

type GateConfig struct {
	APIToken        string        `yaml:"api_token"`
	Provider        string        `yaml:"provider"`
	Rule            GateRule      `yaml:"rule"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Timeout         time.Duration `yaml:"timeout"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay"`
	Freshness       time.Duration `yaml:"freshness"`
	EnrichFromAsnDB bool          `yaml:"enrich_from_asndb"`
}

type ConsensusConfig struct {
	Providers []string      `yaml:"providers"`
	Timeout   time.Duration `yaml:"timeout"`
}

type AsnDBConfig struct {
	Disabled      bool          `yaml:"disabled"`
	Path          string        `yaml:"path"`
	Feed          string        `yaml:"feed"`
	FeedURL       string        `yaml:"feed_url"`
	MMDBPath      string        `yaml:"mmdb_path"`
	LicenseKey    string        `yaml:"license_key"`
	Staleness     time.Duration `yaml:"staleness"`
	CheckInterval time.Duration `yaml:"check_interval"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Listen:   "0.0.0.0",
		HTTPPort: defaultHTTPPort,
		Gate: GateConfig{
			Provider:      "ipinfo.io",
			Rule:          GateRule{Mode: MatchEqual},
			PollInterval:  defaultPollInterval,
			Timeout:       defaultLookupTimeout,
			RetryDelay:    defaultRetryDelay,
			MaxRetryDelay: defaultMaxRetryDelay,
		},
		Consensus: ConsensusConfig{
			Timeout: defaultLookupTimeout,
		},
		AsnDB: AsnDBConfig{
			Path:          DefaultDBPath,
			Feed:          FeedIPToASN,
			Staleness:     DefaultStalenessThreshold,
			CheckInterval: defaultCheckInterval,
			RetryDelay:    defaultRefreshRetry,
			FetchTimeout:  defaultDownloadTimeout,
		},
	}
}

// ParseConfig reads the YAML file at path on top of the defaults, then applies
// .env and environment overrides. A missing file is only an error when it is
// not the default path.
func ParseConfig(path string) (*Config, error) {
	conf := DefaultConfig()

	if path == "" {
		path = DefaultConfigPath
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.UnmarshalStrict(content, conf); err != nil {
			return nil, errors.Wrapf(err, "unable to parse config %s", path)
		}
	case os.IsNotExist(err) && path == DefaultConfigPath:
		logrus.Debugf("no config file at %s, using defaults", path)
	default:
		return nil, errors.Wrapf(err, "unable to read config %s", path)
	}

	if err := loadDotEnv(); err != nil {
		logrus.WithError(err).Warn("unable to load .env file")
	}
	conf.applyEnv()
	conf.applyDefaults()
	return conf, nil
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func (c *Config) applyEnv() {
	envString("IPINFO_API_TOKEN", &c.Gate.APIToken)
	envString("VPN_PROVIDER_ASN", &c.Gate.Rule.ExpectedASN)
	envString("VPN_KILLSWITCH_LOG_LEVEL", &c.LogLevel)
	envInt("VPN_KILLSWITCH_HTTP_PORT", &c.HTTPPort)
	envString("VPN_KILLSWITCH_LISTEN", &c.Listen)
	envString("VPN_KILLSWITCH_GATE_PROVIDER", &c.Gate.Provider)
	if v, ok := os.LookupEnv("VPN_KILLSWITCH_MATCH_MODE"); ok && v != "" {
		c.Gate.Rule.Mode = MatchMode(v)
	}
	envDuration("VPN_KILLSWITCH_POLL_INTERVAL", &c.Gate.PollInterval)
	envDuration("VPN_KILLSWITCH_FRESHNESS", &c.Gate.Freshness)
	envString("VPN_KILLSWITCH_DB_PATH", &c.AsnDB.Path)
	envString("VPN_KILLSWITCH_FEED", &c.AsnDB.Feed)
	envString("VPN_KILLSWITCH_FEED_URL", &c.AsnDB.FeedURL)
	envString("VPN_KILLSWITCH_MMDB_PATH", &c.AsnDB.MMDBPath)
	envString("VPN_KILLSWITCH_MAXMIND_LICENSE_KEY", &c.AsnDB.LicenseKey)
	envDuration("VPN_KILLSWITCH_STALENESS", &c.AsnDB.Staleness)
}

func (c *Config) applyDefaults() {
	if c.Gate.PollInterval <= 0 {
		c.Gate.PollInterval = defaultPollInterval
	}
	if c.Gate.Freshness <= 0 {
		c.Gate.Freshness = 2 * c.Gate.PollInterval
	}
	if c.Gate.Rule.Mode == "" {
		c.Gate.Rule.Mode = MatchEqual
	}
	if c.AsnDB.Staleness <= 0 {
		c.AsnDB.Staleness = DefaultStalenessThreshold
	}
}

// Validate checks the settings. The gate rule, the gate provider and the feed
// of the ASN database refresher are only checked when serve is set; the one-shot
// commands build what they need themselves.
func (c *Config) Validate(serve bool) error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return errors.Errorf("invalid http port %d", c.HTTPPort)
	}
	if _, err := logrus.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return errors.Wrapf(err, "invalid log level %q", c.LogLevel)
	}
	if !serve {
		return nil
	}

	if err := c.Gate.Rule.Validate(); err != nil {
		return err
	}
	if _, err := BuildProvider(c.Gate.Provider, c.Gate.APIToken); err != nil {
		return errors.Wrap(err, "gate provider")
	}
	if !c.AsnDB.Disabled {
		if _, err := BuildAsnFeedSource(c); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Listen, strconv.Itoa(c.HTTPPort))
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.Warnf("invalid value %q for %s, ignoring", v, key)
		return
	}
	*dst = n
}

func envDuration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.Warnf("invalid duration %q for %s, ignoring", v, key)
		return
	}
	*dst = d
}
