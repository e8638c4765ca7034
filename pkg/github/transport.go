package github

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	minLimit  = 0.1
	backOffBy = 2.0
	recoverBy = 1.5

	InitialBackoff = 500 * time.Millisecond
	MaxBackoff     = 10 * time.Second
	maxAttempts    = 5
)

// TransportConfig describes the HTTP transport used for GitHub calls.
type TransportConfig struct {
	// RPS and Burst bound the request rate to the API. An RPS of 0
	// disables rate limiting.
	RPS   float64
	Burst int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Clock          clockwork.Clock
	Logger         log.Logger
}

// NewTransport wraps base (nil means http.DefaultTransport) with a
// client side rate limit that backs off when GitHub answers 429, and
// retries throttled or failing requests with an exponential backoff.
func NewTransport(base http.RoundTripper, cfg TransportConfig) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = InitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = MaxBackoff
	}
	rt := base
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		rt = &rateLimiter{
			rps:    cfg.RPS,
			rl:     rate.NewLimiter(rate.Limit(cfg.RPS), burst),
			tx:     base,
			logger: cfg.Logger,
		}
	}
	return &backoffRoundTripper{
		roundTripper:   rt,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		clock:          cfg.Clock,
	}
}

type rateLimiter struct {
	rps    float64
	rl     *rate.Limiter
	tx     http.RoundTripper
	logger log.Logger
	mu     sync.Mutex
}

func (t *rateLimiter) clip(limit float64) float64 {
	if limit < minLimit {
		return minLimit
	}
	if limit > t.rps {
		return t.rps
	}
	return limit
}

func (t *rateLimiter) adjust(by float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	oldLimit := float64(t.rl.Limit())
	newLimit := t.clip(oldLimit * by)
	if oldLimit != newLimit {
		level.Info(t.logger).Log("msg", "adjusting github rate limit", "limit", strconv.FormatFloat(newLimit, 'f', 2, 64))
	}
	t.rl.SetLimit(rate.Limit(newLimit))
}

func (t *rateLimiter) RoundTrip(r *http.Request) (*http.Response, error) {
	// Wait errors out if the request cannot be processed within
	// the deadline. This is pre-emptive, instead of waiting the
	// entire duration.
	if err := t.rl.Wait(r.Context()); err != nil {
		return nil, errors.Wrap(err, "rate limited")
	}
	resp, err := t.tx.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		t.adjust(1 / backOffBy)
	case resp.StatusCode < 300:
		t.adjust(recoverBy)
	}
	return resp, nil
}

type backoffRoundTripper struct {
	roundTripper               http.RoundTripper
	initialBackoff, maxBackoff time.Duration
	clock                      clockwork.Clock
}

// RoundTrip retries 429s for any method, and 5xx only for requests
// that are safe to repeat. Creating a deployment twice is not.
func (c *backoffRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	b := &backoff{
		initial: c.initialBackoff,
		max:     c.maxBackoff,
	}
	for attempt := 1; ; attempt++ {
		resp, err := c.roundTripper.RoundTrip(r)
		if attempt >= maxAttempts || !retryable(r, resp) {
			return resp, err
		}
		next, rerr := rewind(r)
		if rerr != nil {
			return resp, err
		}
		resp.Body.Close()
		b.Failure()
		select {
		case <-c.clock.After(b.Wait()):
		case <-r.Context().Done():
			return nil, r.Context().Err()
		}
		r = next
	}
}

func retryable(r *http.Request, resp *http.Response) bool {
	if resp == nil {
		return false
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return true
	case resp.StatusCode >= 500:
		return r.Method == http.MethodGet || r.Method == http.MethodHead
	}
	return false
}

// rewind returns a copy of r whose body can be sent again.
func rewind(r *http.Request) (*http.Request, error) {
	next := r.Clone(r.Context())
	if r.Body == nil || r.Body == http.NoBody {
		return next, nil
	}
	if r.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := r.GetBody()
	if err != nil {
		return nil, err
	}
	next.Body = body
	return next, nil
}

// backoff calculates an exponential backoff. This is used to
// calculate wait times for future requests.
type backoff struct {
	initial time.Duration
	max     time.Duration

	current time.Duration
}

// Failure should be called each time a request fails.
func (b *backoff) Failure() {
	b.current *= 2
	if b.current == 0 {
		b.current = b.initial
	} else if b.current > b.max {
		b.current = b.max
	}
}

// Wait how long to sleep before *actually* starting the request.
func (b *backoff) Wait() time.Duration {
	return b.current
}
