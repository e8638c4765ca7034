package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliverybot/deploybot/pkg/config"
)

func newFlags(t *testing.T) (*pflag.FlagSet, *viper.Viper) {
	flags := pflag.NewFlagSet("testflags", pflag.ContinueOnError)
	flags.String(configFileFlag, "", "")
	v := viper.New()
	defineConfigFlags(flags, v, func(err error) {
		t.Error(err)
	})
	return flags, v
}

func TestDefineEverything(t *testing.T) {
	newFlags(t)
}

func TestLoadConfig_Defaults(t *testing.T) {
	flags, v := newFlags(t)
	require.NoError(t, flags.Parse(nil))

	cfg, err := loadConfig(flags, v)
	require.NoError(t, err)
	assert.Equal(t, ":3030", cfg.Listen)
	assert.Equal(t, config.KVMemory, cfg.KVBackend)
	assert.Equal(t, config.GateLocal, cfg.Gate)
	assert.Equal(t, config.BusDirect, cfg.Bus)
	assert.Equal(t, 5, cfg.BusMaxAttempts)
	assert.Equal(t, 12*time.Second, cfg.BusRetryWait)
	assert.Equal(t, 3*time.Minute, cfg.GateLease)
}

func TestLoadConfig_Flags(t *testing.T) {
	flags, v := newFlags(t)
	require.NoError(t, flags.Parse([]string{
		"-l", ":8080",
		"--kv-backend=file", "--kv-file=/tmp/kv.json",
		"--memcached-addrs=a:11211,b:11211",
	}))

	cfg, err := loadConfig(flags, v)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/tmp/kv.json", cfg.KVFile)
	assert.Equal(t, []string{"a:11211", "b:11211"}, cfg.MemcachedAddrs)
}

func TestLoadConfig_Environment(t *testing.T) {
	os.Setenv("DEPLOYBOT_GITHUB_TOKEN", "s3cret")
	os.Setenv("DEPLOYBOT_BUS_RETRY_WAIT", "1s")
	defer os.Unsetenv("DEPLOYBOT_GITHUB_TOKEN")
	defer os.Unsetenv("DEPLOYBOT_BUS_RETRY_WAIT")

	flags, v := newFlags(t)
	require.NoError(t, flags.Parse(nil))

	cfg, err := loadConfig(flags, v)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.GitHubToken)
	assert.Equal(t, time.Second, cfg.BusRetryWait)
}

func TestLoadConfig_File(t *testing.T) {
	dir, err := ioutil.TempDir("", "deploybotd")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`deploybotConfigVersion: v1
gate: memcached
memcachedAddrs:
- localhost:11211
bus: local
busWorkers: 2
`), 0600))

	flags, v := newFlags(t)
	require.NoError(t, flags.Parse([]string{"--config-file", path, "--bus-workers=8"}))

	cfg, err := loadConfig(flags, v)
	require.NoError(t, err)
	assert.Equal(t, config.GateMemcached, cfg.Gate)
	assert.Equal(t, []string{"localhost:11211"}, cfg.MemcachedAddrs)
	assert.Equal(t, config.BusLocal, cfg.Bus)
	// flags win over the file
	assert.Equal(t, 8, cfg.BusWorkers)
}

func TestLoadConfig_Invalid(t *testing.T) {
	flags, v := newFlags(t)
	require.NoError(t, flags.Parse([]string{"--bus=kafka"}))

	_, err := loadConfig(flags, v)
	assert.Error(t, err)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "DEPLOYBOT_KV_S3_BUCKET", envName("kv-s3-bucket"))
}
