// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jwks caches issuer signing keys fetched from published JSON Web Key Sets.
//
// Reads of fresh entries never lock. Concurrent misses for the same
// (issuer, key id) share one upstream fetch, and upstream calls are bounded
// per key set URL by a token bucket.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/stacklok/m2mgate/pkg/logger"
	"github.com/stacklok/m2mgate/pkg/networking"
)

const instrumentationName = "github.com/stacklok/m2mgate/pkg/auth/jwks"

const (
	// DefaultTTL is how long a fetched key is served before a refetch.
	DefaultTTL = 10 * time.Minute
	// DefaultRequestsPerMinute bounds upstream fetches per key set URL.
	DefaultRequestsPerMinute = 10
	// DefaultMaxWait is how long a lookup queues for a fetch token.
	DefaultMaxWait = 2 * time.Second
	// DefaultFetchTimeout bounds a single upstream fetch.
	DefaultFetchTimeout = 5 * time.Second
)

// Config holds the cache tuning knobs. Zero values take the defaults.
type Config struct {
	TTL               time.Duration `yaml:"ttl"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	MaxWait           time.Duration `yaml:"max_wait"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}

type cacheKey struct {
	issuer string
	keyID  string
}

func (k cacheKey) String() string {
	return k.issuer + "\x00" + k.keyID
}

// entry is immutable once stored; refreshes replace it.
type entry struct {
	key       *rsa.PublicKey
	fetchedAt time.Time
}

// Cache resolves RSA signing keys by issuer and key id.
type Cache struct {
	locator Locator
	client  networking.HTTPClient
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger

	entries sync.Map // cacheKey -> *entry
	group   singleflight.Group

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	fetchCounter metric.Int64Counter
}

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient sets the client used for key set requests.
func WithHTTPClient(client networking.HTTPClient) Option {
	return func(c *Cache) {
		c.client = client
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithMeterProvider sets the meter provider used for fetch counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Cache) {
		c.fetchCounter, _ = mp.Meter(instrumentationName).Int64Counter(
			"m2mgate_jwks_fetches",
			metric.WithDescription("Upstream key set fetches by result"),
		)
	}
}

// New creates a key cache. The HTTP client defaults to a hardened client
// from the networking package.
func New(locator Locator, cfg Config, opts ...Option) (*Cache, error) {
	if locator == nil {
		return nil, errors.New("jwks: locator is required")
	}

	c := &Cache{
		locator:  locator,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		logger:   logger.With("jwks"),
		limiters: make(map[string]*rate.Limiter),
	}
	WithMeterProvider(otel.GetMeterProvider())(c)

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := networking.NewHttpClientBuilder().WithTimeout(c.cfg.FetchTimeout).Build()
		if err != nil {
			return nil, fmt.Errorf("jwks: failed to build HTTP client: %w", err)
		}
		c.client = client
	}

	return c, nil
}

// GetKey returns the RSA public key with the given id published by issuer.
//
// Errors wrap ErrKeyFetch or ErrRateLimited. Failures are never cached.
func (c *Cache) GetKey(ctx context.Context, issuer, keyID string) (*rsa.PublicKey, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: empty key id", ErrKeyFetch)
	}

	k := cacheKey{issuer: issuer, keyID: keyID}
	if key, ok := c.lookup(k); ok {
		return key, nil
	}

	// The fetch outlives a cancelled first caller so its peers still get a result.
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(k.String(), func() (any, error) {
		// Another flight may have stored the key between our miss and now.
		if key, ok := c.lookup(k); ok {
			return key, nil
		}
		return c.fetch(detached, k)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrKeyFetch, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*rsa.PublicKey), nil
	}
}

// Invalidate drops a cached key so the next lookup refetches it.
func (c *Cache) Invalidate(issuer, keyID string) {
	c.entries.Delete(cacheKey{issuer: issuer, keyID: keyID})
}

// Len returns the number of cached keys, fresh or stale.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Cache) lookup(k cacheKey) (*rsa.PublicKey, bool) {
	v, ok := c.entries.Load(k)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if c.now().Sub(e.fetchedAt) >= c.cfg.TTL {
		return nil, false
	}
	return e.key, true
}

func (c *Cache) limiter(url string) *rate.Limiter {
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()

	l, ok := c.limiters[url]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.cfg.RequestsPerMinute)), c.cfg.RequestsPerMinute)
		c.limiters[url] = l
	}
	return l
}

func (c *Cache) fetch(ctx context.Context, k cacheKey) (*rsa.PublicKey, error) {
	url, err := c.locator.JWKSURL(k.issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFetch, err)
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, c.cfg.MaxWait)
	err = c.limiter(url).Wait(waitCtx)
	cancelWait()
	if err != nil {
		c.record(ctx, "rate_limited")
		c.logger.Warn("key set fetch rate limited", "issuer", k.issuer, "kid", k.keyID)
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, url)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	res, err := networking.FetchJSON[json.RawMessage](fetchCtx, c.client, url, networking.WithoutContentTypeValidation())
	if err != nil {
		c.record(ctx, "error")
		return nil, fmt.Errorf("%w: %w", ErrKeyFetch, err)
	}

	set, err := jwk.Parse(res.Data)
	if err != nil {
		c.record(ctx, "error")
		return nil, fmt.Errorf("%w: malformed key set from %s: %w", ErrKeyFetch, url, err)
	}
	c.record(ctx, "ok")

	fetchedAt := c.now()
	var found *rsa.PublicKey
	for i := range set.Len() {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid, ok := key.KeyID()
		if !ok || kid == "" {
			continue
		}
		pub, err := exportRSA(key)
		if err != nil {
			c.logger.Debug("skipping key set entry", "issuer", k.issuer, "kid", kid, "error", err)
			continue
		}
		c.entries.Store(cacheKey{issuer: k.issuer, keyID: kid}, &entry{key: pub, fetchedAt: fetchedAt})
		if kid == k.keyID {
			found = pub
		}
	}

	if found == nil {
		return nil, fmt.Errorf("%w: key id %q not found in key set for %s", ErrKeyFetch, k.keyID, k.issuer)
	}
	c.logger.Debug("refreshed key set", "issuer", k.issuer, "keys", set.Len())
	return found, nil
}

func exportRSA(key jwk.Key) (*rsa.PublicKey, error) {
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export key: %w", err)
	}
	switch pub := raw.(type) {
	case *rsa.PublicKey:
		return pub, nil
	case rsa.PublicKey:
		return &pub, nil
	case *rsa.PrivateKey:
		return &pub.PublicKey, nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", raw)
	}
}

func (c *Cache) record(ctx context.Context, result string) {
	if c.fetchCounter == nil {
		return
	}
	c.fetchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
