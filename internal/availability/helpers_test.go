package availability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-availability/internal/auth"
	"github.com/hackgods/clinic-availability/internal/config"
	"github.com/hackgods/clinic-availability/internal/metrics"
)

var errCacheDown = errors.New("cache unreachable")

// fakeCache is a map-backed SlotCache with switchable failures.
type fakeCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	getErr  error
	setErr  error
	delErr  error
	deleted []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.data[key] = value
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delErr != nil {
		return c.delErr
	}
	delete(c.data, key)
	c.deleted = append(c.deleted, key)
	return nil
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

func (c *fakeCache) fail(get, set, del error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getErr, c.setErr, c.delErr = get, set, del
}

// countingRepo counts store searches so tests can tell hits from misses.
type countingRepo struct {
	Repository
	searches atomic.Int32
}

func (r *countingRepo) SearchAvailable(ctx context.Context, specialty string, from, to time.Time) ([]AvailabilitySlot, error) {
	r.searches.Add(1)
	return r.Repository.SearchAvailable(ctx, specialty, from, to)
}

func testConfig() config.Config {
	return config.Config{
		SlotDuration:    30 * time.Minute,
		CacheTTL:        300 * time.Second,
		ClaimTimeout:    2 * time.Second,
		LockTimeout:     time.Second,
		InvalidationTTL: time.Second,
	}
}

type fixture struct {
	svc     *Service
	repo    *MemoryRepository
	store   *countingRepo
	cache   *fakeCache
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, NewMemoryRepository(time.Second), nil)
}

func newFixtureWith(t *testing.T, repo *MemoryRepository, wrap func(Repository) Repository) *fixture {
	t.Helper()

	store := &countingRepo{Repository: repo}
	var r Repository = store
	if wrap != nil {
		r = wrap(store)
	}

	m := metrics.New(prometheus.NewRegistry())
	c := newFakeCache()
	svc := NewService(r, c, NewLocalLocker(time.Second), testConfig(), WithMetrics(m))
	return &fixture{svc: svc, repo: repo, store: store, cache: c, metrics: m}
}

func doctor() auth.Identity {
	return auth.Identity{UserID: uuid.New(), Role: auth.RoleDoctor}
}

// publish creates a profile for a new doctor and slots over [from, to) on 2026-03-02.
func (f *fixture) publish(t *testing.T, specialty, from, to string) (auth.Identity, []AvailabilitySlot) {
	t.Helper()
	ctx := context.Background()
	doc := doctor()

	_, err := f.svc.UpsertProfile(ctx, doc, ProfileInput{Specialty: specialty, Fee: decimal.NewFromInt(500)})
	require.NoError(t, err)

	slots, err := f.svc.PublishSlots(ctx, doc, at(from), at(to))
	require.NoError(t, err)
	return doc, slots
}

const testDate = "2026-03-02"
