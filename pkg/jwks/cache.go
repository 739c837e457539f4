package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/omgate/pkg/observability"
)

var (
	// ErrKeySourceUnavailable is returned when the key set cannot be fetched
	// and no cached set young enough to trust exists.
	ErrKeySourceUnavailable = errors.New("signing key source unavailable")

	// ErrKeyNotFound is returned when a key ID is absent even after a refresh.
	ErrKeyNotFound = errors.New("signing key not found")

	errNoUsableKeys = errors.New("key set contains no usable signing keys")
)

// maxDocumentSize bounds the JWKS response body.
const maxDocumentSize = 1 << 20

// Options configures a Cache
type Options struct {
	// URL of the JWKS document
	URL    string
	Client *http.Client

	// Timeout bounds a single fetch. Defaults to the client timeout, or 10s.
	Timeout time.Duration

	RefreshInterval time.Duration
	MaxStaleness    time.Duration

	// MissRefreshInterval is the minimum gap between fetches triggered by
	// unknown key IDs while the cached set is fresh. Zero disables the limit.
	MissRefreshInterval time.Duration

	// Store optionally shares the last fetched document between replicas.
	Store SnapshotStore

	Logger  logrus.FieldLogger
	Metrics *observability.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// keySet is an immutable snapshot of the provider's signing keys.
type keySet struct {
	keys      map[string]jose.JSONWebKey
	fetchedAt time.Time
}

func (s *keySet) age(now time.Time) time.Duration {
	return now.Sub(s.fetchedAt)
}

// Cache fetches and holds the provider's public signing keys, keyed by key ID.
type Cache struct {
	url                 string
	client              *http.Client
	timeout             time.Duration
	refreshInterval     time.Duration
	maxStaleness        time.Duration
	missRefreshInterval time.Duration
	store               SnapshotStore
	logger              logrus.FieldLogger
	metrics             *observability.Metrics
	now                 func() time.Time

	current atomic.Pointer[keySet]
	group   singleflight.Group
	// lastFetch holds the start of the most recent fetch attempt in unix nanoseconds.
	lastFetch atomic.Int64
}

// New creates a key set cache. Nothing is fetched until the first lookup or Warm.
func New(opts Options) (*Cache, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("jwks URL is required")
	}
	if opts.RefreshInterval <= 0 {
		return nil, fmt.Errorf("refresh interval must be positive")
	}
	if opts.MissRefreshInterval < 0 {
		return nil, fmt.Errorf("miss refresh interval must not be negative")
	}
	if opts.MaxStaleness < opts.RefreshInterval {
		opts.MaxStaleness = opts.RefreshInterval
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = opts.Client.Timeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Cache{
		url:                 opts.URL,
		client:              opts.Client,
		timeout:             opts.Timeout,
		refreshInterval:     opts.RefreshInterval,
		maxStaleness:        opts.MaxStaleness,
		missRefreshInterval: opts.MissRefreshInterval,
		store:               opts.Store,
		logger:              opts.Logger.WithField("component", "jwks"),
		metrics:             opts.Metrics,
		now:                 opts.Now,
	}, nil
}

// GetKey returns the public key with the given key ID. A miss, or a cached set
// older than the refresh interval, triggers one coalesced refresh. Misses
// against a fresh set refresh at most once per miss refresh interval.
func (c *Cache) GetKey(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	now := c.now()
	cached := c.current.Load()
	if cached != nil && cached.age(now) < c.refreshInterval {
		if key, ok := cached.keys[kid]; ok {
			return &key, nil
		}
		if c.fetchedWithin(now, c.missRefreshInterval) {
			return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
		}
	}

	set, err := c.refresh(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// Availability over freshness, bounded by max staleness.
		if cached == nil || cached.age(c.now()) >= c.maxStaleness {
			return nil, err
		}
		key, ok := cached.keys[kid]
		if !ok {
			return nil, err
		}
		c.logger.WithError(err).WithField("age", cached.age(c.now()).String()).
			Warn("Using stale signing key set after failed refresh")
		return &key, nil
	}

	if key, ok := set.keys[kid]; ok {
		return &key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

func (c *Cache) fetchedWithin(now time.Time, d time.Duration) bool {
	last := c.lastFetch.Load()
	return d > 0 && last != 0 && now.Sub(time.Unix(0, last)) < d
}

// Refresh fetches the key set now, coalescing with any refresh already in flight.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx)
	return err
}

func (c *Cache) refresh(ctx context.Context) (*keySet, error) {
	ch := c.group.DoChan("jwks", func() (interface{}, error) {
		// The fetch outlives any single caller so that a cancelled request
		// does not fail the others waiting on it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.fetch(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*keySet), nil
	}
}

func (c *Cache) fetch(ctx context.Context) (*keySet, error) {
	start := time.Now()
	c.lastFetch.Store(c.now().UnixNano())

	set, doc, err := c.download(ctx)
	if err != nil {
		c.metrics.ObserveKeySetRefresh("error", time.Since(start), 0)
		c.logger.WithError(err).Warn("Signing key set refresh failed")
		return nil, fmt.Errorf("%w: %v", ErrKeySourceUnavailable, err)
	}

	c.current.Store(set)
	c.metrics.ObserveKeySetRefresh("success", time.Since(start), len(set.keys))
	c.logger.WithField("keys", len(set.keys)).Debug("Signing key set refreshed")

	if c.store != nil {
		if err := c.store.Save(ctx, Snapshot{Document: doc, FetchedAt: set.fetchedAt}); err != nil {
			c.logger.WithError(err).Warn("Failed to save signing key snapshot")
		}
	}

	return set, nil
}

func (c *Cache) download(ctx context.Context) (*keySet, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("key set endpoint returned status %d", resp.StatusCode)
	}

	doc, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key set: %w", err)
	}

	set, err := c.parse(doc, c.now())
	if err != nil {
		return nil, nil, err
	}
	return set, doc, nil
}

// parse builds a key set from a JWKS document. Keys that cannot be used to
// verify signatures are skipped one by one rather than failing the whole set.
func (c *Cache) parse(doc []byte, fetchedAt time.Time) (*keySet, error) {
	var raw struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("invalid key set document: %w", err)
	}

	keys := make(map[string]jose.JSONWebKey, len(raw.Keys))
	for i, data := range raw.Keys {
		var key jose.JSONWebKey
		if err := key.UnmarshalJSON(data); err != nil {
			c.logger.WithError(err).WithField("index", i).Debug("Skipping unparseable key")
			continue
		}
		if key.KeyID == "" || key.Use == "enc" || !key.Valid() || !key.IsPublic() {
			continue
		}
		keys[key.KeyID] = key
	}

	if len(keys) == 0 {
		return nil, errNoUsableKeys
	}
	return &keySet{keys: keys, fetchedAt: fetchedAt}, nil
}

// Warm installs a shared snapshot when one is available and fetches from the
// provider when the cache is still empty or older than the refresh interval.
// Failures are logged; lookups retry on demand.
func (c *Cache) Warm(ctx context.Context) {
	if c.store != nil {
		c.loadSnapshot(ctx)
	}

	if set := c.current.Load(); set != nil && set.age(c.now()) < c.refreshInterval {
		return
	}
	if err := c.Refresh(ctx); err != nil {
		c.logger.WithError(err).Warn("Initial signing key fetch failed")
	}
}

func (c *Cache) loadSnapshot(ctx context.Context) {
	snap, err := c.store.Load(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to load signing key snapshot")
		return
	}
	if snap == nil || c.now().Sub(snap.FetchedAt) >= c.maxStaleness {
		return
	}

	set, err := c.parse(snap.Document, snap.FetchedAt)
	if err != nil {
		c.logger.WithError(err).Warn("Ignoring invalid signing key snapshot")
		return
	}
	c.current.Store(set)
	c.logger.WithField("keys", len(set.keys)).Info("Loaded signing key snapshot")
}

// Schedule registers a background refresh on the cron scheduler.
func (c *Cache) Schedule(scheduler *cron.Cron) (cron.EntryID, error) {
	return scheduler.AddFunc("@every "+c.refreshInterval.String(), func() {
		defer observability.RecoverPanic(c.logger, "jwks background refresh")

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		// Errors are already logged by fetch.
		_ = c.Refresh(ctx)
	})
}

// HealthCheck reports an error when no key set young enough to trust is cached.
func (c *Cache) HealthCheck(ctx context.Context) error {
	set := c.current.Load()
	if set == nil {
		return fmt.Errorf("no signing keys cached")
	}
	if age := set.age(c.now()); age >= c.maxStaleness {
		return fmt.Errorf("signing keys are stale (age %s)", age.Truncate(time.Second))
	}
	return nil
}

// Len returns the number of keys in the cached set.
func (c *Cache) Len() int {
	if set := c.current.Load(); set != nil {
		return len(set.keys)
	}
	return 0
}
