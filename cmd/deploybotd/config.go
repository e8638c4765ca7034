package main

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/deliverybot/deploybot/pkg/bus"
	"github.com/deliverybot/deploybot/pkg/config"
	"github.com/deliverybot/deploybot/pkg/gate"
)

const configFileFlag = "config-file"

// defineConfigFlags defines the flags that can also be set in a config
// file or the environment. Each flag is bound to the config.Config
// field of the same mapstructure name, and to DEPLOYBOT_<FLAG_NAME>.
func defineConfigFlags(fs *pflag.FlagSet, v *viper.Viper, bail func(error)) {

	bind := func(fieldName, flagName string) error {
		configStruct := reflect.TypeOf(config.Config{})
		field, ok := configStruct.FieldByName(fieldName)
		if !ok {
			return fmt.Errorf("attempt to bind a flag to a field not present in config.Config, %q", fieldName)
		}
		// this parallels the logic in github.com/mitchellh/mapstructure,
		// except that we bail on fields marked `mapstructure:"-"`
		mappedName := field.Name
		if namePart := strings.Split(field.Tag.Get("mapstructure"), ",")[0]; namePart != "" {
			if namePart == "-" {
				return fmt.Errorf(`attempt to bind a flag to a config field tagged as ignored, %q`, field.Name)
			}
			mappedName = namePart
		}
		if err := v.BindPFlag(mappedName, fs.Lookup(flagName)); err != nil {
			return err
		}
		return v.BindEnv(mappedName, envName(flagName))
	}

	bindOrBail := func(fieldName, flagName string) {
		if err := bind(fieldName, flagName); err != nil {
			bail(err)
		}
	}

	defineString := func(fieldName, flagName, def, desc string) {
		fs.String(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineStringP := func(fieldName, flagName, short, def, desc string) {
		fs.StringP(flagName, short, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineStringSlice := func(fieldName, flagName string, def []string, desc string) {
		fs.StringSlice(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineDuration := func(fieldName, flagName string, def time.Duration, desc string) {
		fs.Duration(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineInt := func(fieldName, flagName string, def int, desc string) {
		fs.Int(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineFloat64 := func(fieldName, flagName string, def float64, desc string) {
		fs.Float64(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineString("LogFormat", "log-format", "fmt", "change the log format (fmt or json)")
	defineString("LogLevel", "log-level", "info", fmt.Sprintf("lowest level logged (one of {%s})", strings.Join(config.LogLevels, ",")))
	defineStringP("Listen", "listen", "l", ":3030", "listen address where webhooks, the API and /metrics are served")

	// GitHub
	defineString("GitHubToken", "github-token", "", "token used for GitHub API calls")
	defineString("GitHubURL", "github-url", "", "base URL of the GitHub API, for GitHub Enterprise; e.g., https://github.example.com/api/v3/")
	defineFloat64("GitHubRPS", "github-rps", 10, "maximum GitHub API requests per second")
	defineInt("GitHubBurst", "github-burst", 10, "maximum burst of GitHub API requests")
	defineDuration("GitHubTimeout", "github-timeout", 30*time.Second, "duration after which handling a single event times out")
	defineString("WebhookSecret", "webhook-secret", "", "secret used to verify webhook signatures; when empty signatures are not checked")

	defineString("APIToken", "api-token", "", "bearer token required by the lock and deployment API; when empty the API is open")

	// storage
	defineString("KVBackend", "kv-backend", config.KVMemory, fmt.Sprintf("where watches and locks are kept (one of {%s})", strings.Join(config.KVBackends, ",")))
	defineString("KVFile", "kv-file", "", fmt.Sprintf("path of the JSON file used with --kv-backend=%s", config.KVFile))
	defineString("KVDSN", "kv-dsn", "", fmt.Sprintf("connection string used with --kv-backend=%s", config.KVPostgres))
	defineString("KVS3Bucket", "kv-s3-bucket", "", fmt.Sprintf("bucket used with --kv-backend=%s", config.KVS3))
	defineString("KVS3Prefix", "kv-s3-prefix", "deploybot/", "key prefix inside --kv-s3-bucket")

	// gate
	defineString("Gate", "gate", config.GateLocal, fmt.Sprintf("how watch processing is serialised (one of {%s})", strings.Join(config.GateBackends, ",")))
	defineDuration("GateLease", "gate-lease", gate.DefaultLease, "how long a memcached lease is held before it expires")
	defineDuration("GateRetryDelay", "gate-retry-delay", gate.DefaultRetryDelay, "wait between attempts to take a busy memcached lease")
	defineString("MemcachedHostname", "memcached-hostname", "memcached", "hostname for memcached service.")
	defineInt("MemcachedPort", "memcached-port", 11211, "memcached service port.")
	defineString("MemcachedService", "memcached-service", "memcached", "SRV service used to discover memcache servers.")
	defineStringSlice("MemcachedAddrs", "memcached-addrs", nil, "static list of memcached host:port; when set, SRV discovery is not used")
	defineDuration("MemcachedTimeout", "memcached-timeout", time.Second, "maximum time to wait before giving up on memcached requests.")

	// bus
	defineString("Bus", "bus", config.BusDirect, fmt.Sprintf("how events reach their handlers (one of {%s})", strings.Join(config.BusBackends, ",")))
	defineInt("BusWorkers", "bus-workers", 4, fmt.Sprintf("handler goroutines used with --bus=%s", config.BusLocal))
	defineInt("BusMaxAttempts", "bus-max-attempts", bus.DefaultMaxAttempts, "deliveries of an event before it is dropped")
	defineDuration("BusRetryWait", "bus-retry-wait", bus.DefaultRetryWait, "wait before a failed event is delivered again")
	defineString("NATSURL", "nats-url", "", fmt.Sprintf("NATS server used with --bus=%s", config.BusNATS))
	defineString("NATSSubject", "nats-subject", bus.DefaultSubject, "NATS subject events are published on")
}

// envName gives the environment variable for a flag, e.g.
// DEPLOYBOT_GITHUB_TOKEN for github-token.
func envName(flagName string) string {
	return config.EnvPrefix + "_" + strings.ToUpper(strings.Replace(flagName, "-", "_", -1))
}

// loadConfig reads the config file named by --config-file, if any, and
// resolves every setting with flags taking precedence over the
// environment, then the file, then flag defaults.
func loadConfig(fs *pflag.FlagSet, v *viper.Viper) (config.Config, error) {
	var cfg config.Config
	if path, _ := fs.GetString(configFileFlag); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(config.ConfigType)
		if err := v.ReadInConfig(); err != nil {
			return cfg, errors.Wrapf(err, "reading config file %s", path)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decoding config")
	}
	if err := cfg.IsValid(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
