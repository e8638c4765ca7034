package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/deliverybot/deploybot/pkg/auto"
	"github.com/deliverybot/deploybot/pkg/bus"
	"github.com/deliverybot/deploybot/pkg/config"
	"github.com/deliverybot/deploybot/pkg/deploy"
	"github.com/deliverybot/deploybot/pkg/event"
	"github.com/deliverybot/deploybot/pkg/gate"
	"github.com/deliverybot/deploybot/pkg/github"
	"github.com/deliverybot/deploybot/pkg/http/server"
	"github.com/deliverybot/deploybot/pkg/kv"
	"github.com/deliverybot/deploybot/pkg/kv/file"
	"github.com/deliverybot/deploybot/pkg/kv/memory"
	"github.com/deliverybot/deploybot/pkg/kv/s3"
	"github.com/deliverybot/deploybot/pkg/kv/sql"
	"github.com/deliverybot/deploybot/pkg/pulls"
	"github.com/deliverybot/deploybot/pkg/store"
)

const memcacheConnections = 16

var version = "unversioned"

func main() {
	fs := pflag.NewFlagSet("default", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  deploybotd creates GitHub deployments for the branches and pull\n")
		fmt.Fprintf(os.Stderr, "  requests named in a repository's .github/deploy.yml, once their\n")
		fmt.Fprintf(os.Stderr, "  checks pass.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}

	versionFlag := fs.Bool("version", false, "get version number")
	fs.String(configFileFlag, "", "path to a YAML config file; flags and DEPLOYBOT_* environment variables take precedence over it")

	v := viper.New()
	defineConfigFlags(fs, v, func(err error) {
		fmt.Fprintf(os.Stderr, "error defining flags: %s\n", err)
		os.Exit(1)
	})
	fs.Parse(os.Args[1:])

	if *versionFlag {
		fmt.Println(version)
		os.Exit(0)
	}

	cfg, err := loadConfig(fs, v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}

	// Logger component.
	var logger log.Logger
	{
		switch cfg.LogFormat {
		case "json":
			logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
		case "fmt":
			logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
		default:
			logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
			logger.Log("err", "unsupported log format, falling back to fmt", "format", cfg.LogFormat)
		}
		logger = level.NewFilter(logger, logLevel(cfg.LogLevel))
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}
	logger.Log("version", version)

	if cfg.GitHubToken == "" {
		logger.Log("err", "--github-token is required")
		os.Exit(1)
	}

	// Shutdown
	errc := make(chan error)
	shutdown := make(chan struct{})
	shutdownWg := &sync.WaitGroup{}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	// GitHub
	var installations github.Installations
	{
		transport := github.NewTransport(nil, github.TransportConfig{
			RPS:    cfg.GitHubRPS,
			Burst:  cfg.GitHubBurst,
			Logger: log.With(logger, "component", "github"),
		})
		client, err := github.NewClient(cfg.GitHubToken, transport, cfg.GitHubURL)
		if err != nil {
			logger.Log("err", err)
			os.Exit(1)
		}
		installations = github.Static(client)
	}

	// Storage
	kvStore, closeKV, err := openKV(cfg)
	if err != nil {
		logger.Log("component", "kv", "backend", cfg.KVBackend, "err", err)
		os.Exit(1)
	}
	defer closeKV()
	logger.Log("component", "kv", "backend", cfg.KVBackend)

	watches := store.NewWatchStore(kvStore)
	locks := store.NewEnvLockStore(kvStore, nil)

	// Gate
	var watchGate gate.Gate
	{
		switch cfg.Gate {
		case config.GateMemcached:
			memcacheLogger := log.With(logger, "component", "memcached")
			clientConfig := gate.MemcacheClientConfig{
				Host:           cfg.MemcachedHostname,
				Service:        cfg.MemcachedService,
				Timeout:        cfg.MemcachedTimeout,
				UpdateInterval: time.Minute,
				Logger:         memcacheLogger,
				MaxIdleConns:   memcacheConnections,
			}
			var client *gate.MemcacheClient
			if len(cfg.MemcachedAddrs) > 0 {
				client, err = gate.NewFixedServerMemcacheClient(clientConfig, cfg.MemcachedAddrs...)
				if err != nil {
					logger.Log("component", "memcached", "err", err)
					os.Exit(1)
				}
			} else if cfg.MemcachedService == "" {
				addr := net.JoinHostPort(cfg.MemcachedHostname, strconv.Itoa(cfg.MemcachedPort))
				client, err = gate.NewFixedServerMemcacheClient(clientConfig, addr)
				if err != nil {
					logger.Log("component", "memcached", "err", err)
					os.Exit(1)
				}
			} else {
				client = gate.NewMemcacheClient(clientConfig)
			}
			defer client.Stop()
			watchGate = gate.NewMemcache(client, gate.MemcacheConfig{
				Lease:      cfg.GateLease,
				RetryDelay: cfg.GateRetryDelay,
				Logger:     memcacheLogger,
			})
		default:
			watchGate = gate.NewLocal()
		}
		logger.Log("component", "gate", "backend", cfg.Gate)
	}

	deployer := &deploy.Deployer{
		Locks:  locks,
		Logger: log.With(logger, "component", "deploy"),
	}
	dispatcher := event.NewDispatcher(log.With(logger, "component", "dispatcher"))

	// Bus. Handlers publish follow-up events (push_watch) on the same
	// bus they receive from, so the bus is created first and subscribed
	// to once every handler is registered.
	var publisher bus.Publisher
	var subscribe func() error
	busLogger := log.With(logger, "component", "bus", "backend", cfg.Bus)
	receiver := &bus.Receiver{
		Handler:     dispatcher,
		MaxAttempts: cfg.BusMaxAttempts,
		RetryWait:   cfg.BusRetryWait,
		Logger:      busLogger,
		Stop:        shutdown,
	}
	{
		switch cfg.Bus {
		case config.BusNATS:
			n, err := bus.NewNATS(cfg.NATSURL, cfg.NATSSubject, busLogger)
			if err != nil {
				busLogger.Log("err", err)
				os.Exit(1)
			}
			defer n.Close()
			publisher = n
			receiver.Publisher = n
			subscribe = func() error { return n.Subscribe(receiver) }
		case config.BusLocal:
			l := bus.NewLocal(cfg.BusWorkers, busLogger, shutdown, shutdownWg)
			publisher = l
			receiver.Publisher = l
			subscribe = func() error { l.Subscribe(receiver); return nil }
		default:
			// Direct delivery runs in the webhook request; a failed
			// event is reported to GitHub as a failed delivery instead
			// of being redelivered.
			d := bus.NewDirect()
			publisher = d
			subscribe = func() error { d.Subscribe(dispatcher); return nil }
		}
	}

	orchestrator := &auto.Orchestrator{
		Installations: installations,
		Watches:       watches,
		Deployer:      deployer,
		Gate:          watchGate,
		Publisher:     publisher,
		Logger:        log.With(logger, "component", "auto"),
		Timeout:       cfg.GitHubTimeout,
	}
	orchestrator.Register(dispatcher)

	pullHandler := &pulls.Handler{
		Installations: installations,
		Deployer:      deployer,
		Logger:        log.With(logger, "component", "pulls"),
		Timeout:       cfg.GitHubTimeout,
	}
	pullHandler.Register(dispatcher)

	if err := subscribe(); err != nil {
		busLogger.Log("err", err)
		os.Exit(1)
	}
	busLogger.Log("subscribed", true)

	// HTTP
	go func() {
		s := &server.Server{
			Publisher:     publisher,
			WebhookSecret: []byte(cfg.WebhookSecret),
			APIToken:      cfg.APIToken,
			Locks:         locks,
			Installations: installations,
			Deployer:      deployer,
			Logger:        log.With(logger, "component", "http"),
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/", server.NewHandler(s, server.NewRouter()))
		logger.Log("addr", cfg.Listen)
		errc <- http.ListenAndServe(cfg.Listen, mux)
	}()

	// Go!
	logger.Log("exiting", <-errc)
	close(shutdown)
	receiver.Wait()
	shutdownWg.Wait()
}

// openKV opens the configured store. The returned func releases it.
func openKV(cfg config.Config) (kv.Store, func(), error) {
	noop := func() {}
	switch cfg.KVBackend {
	case config.KVFile:
		s, err := file.Open(cfg.KVFile)
		return s, noop, err
	case config.KVPostgres:
		s, err := sql.Open(cfg.KVDSN)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { s.Close() }, nil
	case config.KVS3:
		s, err := s3.Open(context.Background(), cfg.KVS3Bucket, cfg.KVS3Prefix)
		return s, noop, err
	case config.KVMemory:
		return memory.New(), noop, nil
	}
	return nil, noop, errors.Errorf("unknown kv backend %q", cfg.KVBackend)
}

func logLevel(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	}
	return level.AllowInfo()
}
