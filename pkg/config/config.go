// config is the package containing configuration for deploybotd. Every
// field can be set with a flag, an environment variable or a config
// file.
package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	ConfigType             = "yaml"
	DeploybotConfigVersion = "v1"
	// EnvPrefix prefixes the environment variable for each flag, e.g.
	// DEPLOYBOT_GITHUB_TOKEN for --github-token.
	EnvPrefix = "DEPLOYBOT"
)

// Backends for each pluggable concern.
const (
	KVMemory   = "memory"
	KVFile     = "file"
	KVPostgres = "postgres"
	KVS3       = "s3"

	GateLocal     = "local"
	GateMemcached = "memcached"

	BusDirect = "direct"
	BusLocal  = "local"
	BusNATS   = "nats"
)

var (
	KVBackends   = []string{KVMemory, KVFile, KVPostgres, KVS3}
	GateBackends = []string{GateLocal, GateMemcached}
	BusBackends  = []string{BusDirect, BusLocal, BusNATS}
	LogLevels    = []string{"debug", "info", "warn", "error"}
)

type Config struct {
	// Only expected in a config file. If present it must equal
	// DeploybotConfigVersion.
	ConfigVersion string `mapstructure:"deploybotConfigVersion"`

	LogFormat string `mapstructure:"logFormat"`
	LogLevel  string `mapstructure:"logLevel"`
	Listen    string `mapstructure:"listen"`

	GitHubToken   string        `mapstructure:"githubToken"`
	GitHubURL     string        `mapstructure:"githubUrl"`
	GitHubRPS     float64       `mapstructure:"githubRps"`
	GitHubBurst   int           `mapstructure:"githubBurst"`
	GitHubTimeout time.Duration `mapstructure:"githubTimeout"`
	WebhookSecret string        `mapstructure:"webhookSecret"`
	APIToken      string        `mapstructure:"apiToken"`

	KVBackend  string `mapstructure:"kvBackend"`
	KVFile     string `mapstructure:"kvFile"`
	KVDSN      string `mapstructure:"kvDsn"`
	KVS3Bucket string `mapstructure:"kvS3Bucket"`
	KVS3Prefix string `mapstructure:"kvS3Prefix"`

	Gate              string        `mapstructure:"gate"`
	GateLease         time.Duration `mapstructure:"gateLease"`
	GateRetryDelay    time.Duration `mapstructure:"gateRetryDelay"`
	MemcachedHostname string        `mapstructure:"memcachedHostname"`
	MemcachedPort     int           `mapstructure:"memcachedPort"`
	MemcachedService  string        `mapstructure:"memcachedService"`
	MemcachedAddrs    []string      `mapstructure:"memcachedAddrs"`
	MemcachedTimeout  time.Duration `mapstructure:"memcachedTimeout"`

	Bus            string        `mapstructure:"bus"`
	BusWorkers     int           `mapstructure:"busWorkers"`
	BusMaxAttempts int           `mapstructure:"busMaxAttempts"`
	BusRetryWait   time.Duration `mapstructure:"busRetryWait"`
	NATSURL        string        `mapstructure:"natsUrl"`
	NATSSubject    string        `mapstructure:"natsSubject"`
}

func (c Config) IsValid() error {
	if c.ConfigVersion != "" && c.ConfigVersion != DeploybotConfigVersion {
		return fmt.Errorf("config file is expected to include `deploybotConfigVersion: %s` to mark it as a deploybot config", DeploybotConfigVersion)
	}
	for _, choice := range []struct {
		flag, value string
		allowed     []string
	}{
		{"log-level", c.LogLevel, LogLevels},
		{"kv-backend", c.KVBackend, KVBackends},
		{"gate", c.Gate, GateBackends},
		{"bus", c.Bus, BusBackends},
	} {
		if !contains(choice.allowed, choice.value) {
			return fmt.Errorf("--%s must be one of {%s}, got %q", choice.flag, strings.Join(choice.allowed, ","), choice.value)
		}
	}
	switch {
	case c.KVBackend == KVFile && c.KVFile == "":
		return fmt.Errorf("--kv-file is required with --kv-backend=%s", KVFile)
	case c.KVBackend == KVPostgres && c.KVDSN == "":
		return fmt.Errorf("--kv-dsn is required with --kv-backend=%s", KVPostgres)
	case c.KVBackend == KVS3 && c.KVS3Bucket == "":
		return fmt.Errorf("--kv-s3-bucket is required with --kv-backend=%s", KVS3)
	case c.Bus == BusNATS && c.NATSURL == "":
		return fmt.Errorf("--nats-url is required with --bus=%s", BusNATS)
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
