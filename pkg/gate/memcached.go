package gate

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

const (
	// A key is leased for this long. If the holder dies the lease
	// expires and someone else may take the key.
	DefaultLease = 3 * time.Minute
	// A busy key is retried between MinRetries and MaxRetries times,
	// picked at random so that waiters spread out.
	MinRetries        = 2
	MaxRetries        = 8
	DefaultRetryDelay = 15 * time.Second

	keyPrefix = "deploybot/gate/"
)

// LeaseClient is the part of a memcache client the lease gate needs.
type LeaseClient interface {
	Add(item *memcache.Item) error
	Delete(key string) error
}

// MemcacheConfig defines how a Memcache gate is constructed.
type MemcacheConfig struct {
	Lease      time.Duration
	RetryDelay time.Duration
	Clock      clockwork.Clock
	Logger     log.Logger
	// Rand picks an int in [0, n); defaults to math/rand.
	Rand func(n int) int
}

// Memcache is a Gate shared between processes: holding a key means
// having added it to memcached, which fails if it is already there.
type Memcache struct {
	client     LeaseClient
	lease      time.Duration
	retryDelay time.Duration
	clock      clockwork.Clock
	logger     log.Logger
	rand       func(n int) int
}

var _ Gate = &Memcache{}

func NewMemcache(client LeaseClient, config MemcacheConfig) *Memcache {
	m := &Memcache{
		client:     client,
		lease:      config.Lease,
		retryDelay: config.RetryDelay,
		clock:      config.Clock,
		logger:     config.Logger,
		rand:       config.Rand,
	}
	if m.lease <= 0 {
		m.lease = DefaultLease
	}
	if m.retryDelay <= 0 {
		m.retryDelay = DefaultRetryDelay
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.logger == nil {
		m.logger = log.NewNopLogger()
	}
	if m.rand == nil {
		m.rand = rand.Intn
	}
	return m
}

// Lock runs fn once the key is leased. fn's context is cancelled when
// the lease runs out, since from then on another process may hold it.
func (m *Memcache) Lock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	retries := MinRetries + m.rand(MaxRetries-MinRetries+1)
	item := keyPrefix + key

	start := m.clock.Now()
	for tries := 1; ; tries++ {
		err := m.client.Add(&memcache.Item{
			Key:        item,
			Value:      []byte(strconv.FormatInt(m.clock.Now().Unix(), 10)),
			Expiration: int32(m.lease.Seconds()),
		})
		if err == nil {
			break
		}
		if err != memcache.ErrNotStored {
			return errors.Wrapf(err, "leasing %s", key)
		}
		if tries > retries {
			return &RetryLimitError{Key: key, Tries: tries}
		}
		level.Warn(m.logger).Log("msg", "retrying lock", "key", key, "tries", tries)
		select {
		case <-m.clock.After(m.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	waitDuration.With(labelBackend, "memcached").Observe(m.clock.Now().Sub(start).Seconds())

	level.Debug(m.logger).Log("msg", "locked key", "key", key)
	defer func() {
		if err := m.client.Delete(item); err != nil && err != memcache.ErrCacheMiss {
			level.Warn(m.logger).Log("msg", "unlock failed", "key", key, "err", err)
		}
	}()

	leaseCtx, cancel := context.WithTimeout(ctx, m.lease)
	defer cancel()
	return fn(leaseCtx)
}

// MemcacheClient is a memcache client that gets its server list from SRV
// records, and periodically updates that ServerList.
type MemcacheClient struct {
	*memcache.Client
	serverList *memcache.ServerList
	hostname   string
	service    string
	logger     log.Logger

	quit chan struct{}
	wait sync.WaitGroup
}

// MemcacheClientConfig defines how a MemcacheClient should be constructed.
type MemcacheClientConfig struct {
	Host           string
	Service        string
	Timeout        time.Duration
	UpdateInterval time.Duration
	Logger         log.Logger
	MaxIdleConns   int
}

func NewMemcacheClient(config MemcacheClientConfig) *MemcacheClient {
	var servers memcache.ServerList
	client := memcache.NewFromSelector(&servers)
	client.Timeout = config.Timeout
	client.MaxIdleConns = config.MaxIdleConns

	newClient := &MemcacheClient{
		Client:     client,
		serverList: &servers,
		hostname:   config.Host,
		service:    config.Service,
		logger:     config.Logger,
		quit:       make(chan struct{}),
	}

	err := newClient.updateFromSRVRecords()
	if err != nil {
		config.Logger.Log("err", errors.Wrapf(err, "Error setting memcache servers to '%v'", config.Host))
	}

	newClient.wait.Add(1)
	go newClient.updateLoop(config.UpdateInterval, newClient.updateFromSRVRecords)
	return newClient
}

// Does not use DNS, accepts static list of servers.
func NewFixedServerMemcacheClient(config MemcacheClientConfig, addresses ...string) (*MemcacheClient, error) {
	var servers memcache.ServerList
	if err := servers.SetServers(addresses...); err != nil {
		return nil, errors.Wrap(err, "setting memcache servers")
	}
	client := memcache.NewFromSelector(&servers)
	client.Timeout = config.Timeout
	client.MaxIdleConns = config.MaxIdleConns

	return &MemcacheClient{
		Client:     client,
		serverList: &servers,
		logger:     config.Logger,
		quit:       make(chan struct{}),
	}, nil
}

// Stop the memcache client.
func (c *MemcacheClient) Stop() {
	close(c.quit)
	c.wait.Wait()
}

func (c *MemcacheClient) updateLoop(updateInterval time.Duration, update func() error) {
	defer c.wait.Done()
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := update(); err != nil {
				c.logger.Log("err", errors.Wrap(err, "error updating memcache servers"))
			}
		case <-c.quit:
			return
		}
	}
}

// updateFromSRVRecords sets a memcache server list from SRV records. SRV
// priority & weight are ignored.
func (c *MemcacheClient) updateFromSRVRecords() error {
	_, addrs, err := net.LookupSRV(c.service, "tcp", c.hostname)
	if err != nil {
		return err
	}
	var servers []string
	for _, srv := range addrs {
		servers = append(servers, fmt.Sprintf("%s:%d", srv.Target, srv.Port))
	}
	// ServerList deterministically maps keys to _index_ of the server list.
	// Since DNS returns records in different order each time, we sort to
	// guarantee best possible match between nodes.
	sort.Strings(servers)
	return c.serverList.SetServers(servers...)
}
