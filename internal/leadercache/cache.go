// Package leadercache keeps at most one live leader actor per repository.
//
// Actors are built lazily on the first write that needs leadership and are
// kept until they are invalidated, their repository config changes, or the
// cache shuts down. Idle actors are not evicted.
package leadercache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"pkt.systems/gitd/internal/clock"
	"pkt.systems/gitd/internal/leader"
	"pkt.systems/gitd/internal/svcfields"
	"pkt.systems/pslog"
)

// ErrClosed is returned by Get after Shutdown.
var ErrClosed = errors.New("leader cache closed")

// DefaultCloseTimeout bounds closing one actor when none is configured.
const DefaultCloseTimeout = 10 * time.Second

// Constructor builds and starts the actor for a repository key. ctx is the
// cache's lifetime context, not the context of the request that triggered
// construction.
type Constructor func(ctx context.Context, key string) (leader.Actor, error)

// Config configures a Cache.
type Config struct {
	Build        Constructor
	Logger       pslog.Logger
	Clock        clock.Clock
	CloseTimeout time.Duration
	// WatchConfig invalidates an actor when its repository's config file
	// changes on disk.
	WatchConfig bool
}

// Record describes one cached actor.
type Record struct {
	Key        string
	State      leader.State
	CreatedAt  time.Time
	LastUsedAt time.Time
}

type record struct {
	key       string
	actor     leader.Actor
	createdAt time.Time
	lastUsed  atomic.Int64
}

func (r *record) touch(now time.Time) {
	r.lastUsed.Store(now.UnixNano())
}

// Cache maps repository keys to leader actors.
type Cache struct {
	build        Constructor
	logger       pslog.Logger
	clock        clock.Clock
	closeTimeout time.Duration
	metrics      *cacheMetrics
	watcher      *ConfigWatcher

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu      sync.RWMutex
	records map[string]*record
	closed  bool

	// building and closing are incremented only under mu while closed is
	// false.
	building sync.WaitGroup
	closing  sync.WaitGroup
}

// New returns an empty cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Build == nil {
		return nil, errors.New("leadercache: constructor required")
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "leadercache")
	timeout := cfg.CloseTimeout
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		build:        cfg.Build,
		logger:       logger,
		clock:        clock.Or(cfg.Clock),
		closeTimeout: timeout,
		ctx:          ctx,
		cancel:       cancel,
		records:      make(map[string]*record),
	}
	if cfg.WatchConfig {
		w, err := NewConfigWatcher(logger, c.configChanged)
		if err != nil {
			cancel()
			return nil, err
		}
		c.watcher = w
	}
	c.metrics = newCacheMetrics(logger, c)
	return c, nil
}

// Get returns the actor for key, building it if needed. Concurrent callers
// for one key share a single construction. A caller whose ctx ends stops
// waiting; the construction carries on for the others. Failed constructions
// are not cached.
func (c *Cache) Get(ctx context.Context, key string) (leader.Actor, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	rec := c.records[key]
	c.mu.RUnlock()
	if rec != nil {
		rec.touch(c.clock.Now())
		c.metrics.recordLookup(ctx, "hit")
		return rec.actor, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.construct(key)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		actor := res.Val.(leader.Actor)
		c.metrics.recordLookup(ctx, "miss")
		return actor, nil
	}
}

func (c *Cache) construct(key string) (leader.Actor, error) {
	// A flight that finished just before this one started may already
	// have stored the actor.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	rec := c.records[key]
	if rec == nil {
		c.building.Add(1)
	}
	c.mu.Unlock()
	if rec != nil {
		rec.touch(c.clock.Now())
		return rec.actor, nil
	}
	defer c.building.Done()

	logger := svcfields.WithRepository(c.logger, key)
	begin := c.clock.Now()
	actor, err := c.build(c.ctx, key)
	if err != nil {
		c.metrics.recordConstruction(c.ctx, "error")
		logger.Warn("leadercache.construct.failed", "error", err)
		if errors.Is(err, leader.ErrInvalidReplicationTopology) {
			return nil, err
		}
		return nil, fmt.Errorf("leadercache: build leader for %s: %w", key, err)
	}
	if actor == nil {
		c.metrics.recordConstruction(c.ctx, "error")
		return nil, fmt.Errorf("leadercache: constructor returned no actor for %s", key)
	}

	now := c.clock.Now()
	rec = &record{key: key, actor: actor, createdAt: now}
	rec.touch(now)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.closeActor(key, actor, "shutdown")
		return nil, ErrClosed
	}
	c.records[key] = rec
	c.mu.Unlock()
	c.metrics.recordConstruction(c.ctx, "ok")
	if c.watcher != nil {
		if err := c.watcher.Watch(key); err != nil {
			logger.Warn("leadercache.watch.failed", "error", err)
		}
	}
	logger.Info("leadercache.constructed",
		"state", actor.State().String(),
		"elapsed", now.Sub(begin))
	return actor, nil
}

// Invalidate drops the actor for key and closes it in the background. The
// next Get builds a fresh one.
func (c *Cache) Invalidate(key string) {
	c.invalidate(key, nil, "invalidated")
}

// InvalidateActor drops the actor for key only if it is still actor. It
// reports whether the record was dropped. A handle that was already
// replaced leaves its successor alone.
func (c *Cache) InvalidateActor(key string, actor leader.Actor) bool {
	return c.invalidate(key, actor, "invalidated")
}

func (c *Cache) invalidate(key string, actor leader.Actor, reason string) bool {
	c.mu.Lock()
	rec := c.records[key]
	if rec == nil || (actor != nil && rec.actor != actor) {
		c.mu.Unlock()
		return false
	}
	delete(c.records, key)
	c.closing.Add(1)
	c.mu.Unlock()
	if c.watcher != nil {
		c.watcher.Unwatch(key)
	}
	c.metrics.recordInvalidation(context.Background(), reason)
	svcfields.WithRepository(c.logger, key).Info("leadercache.invalidated", "reason", reason)
	go func() {
		defer c.closing.Done()
		c.closeActor(key, rec.actor, reason)
	}()
	return true
}

func (c *Cache) configChanged(key string) {
	c.invalidate(key, nil, "config_changed")
}

func (c *Cache) closeActor(key string, actor leader.Actor, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout)
	defer cancel()
	if err := actor.Close(ctx); err != nil {
		svcfields.WithRepository(c.logger, key).Warn("leadercache.close.failed", "reason", reason, "error", err)
	}
}

// Len reports the number of cached actors.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Snapshot lists the cached actors sorted by key.
func (c *Cache) Snapshot() []Record {
	c.mu.RLock()
	recs := make([]*record, 0, len(c.records))
	for _, rec := range c.records {
		recs = append(recs, rec)
	}
	c.mu.RUnlock()
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Record{
			Key:        rec.key,
			State:      rec.actor.State(),
			CreatedAt:  rec.createdAt,
			LastUsedAt: time.Unix(0, rec.lastUsed.Load()).UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Shutdown closes every actor and waits for background closes. Get fails
// with ErrClosed afterwards.
func (c *Cache) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	recs := c.records
	c.records = make(map[string]*record)
	c.mu.Unlock()
	c.cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for key, rec := range recs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rec.actor.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close leader %s: %w", key, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if c.watcher != nil {
		if err := c.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.building.Wait()
		c.closing.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	c.logger.Info("leadercache.shutdown", "actors", len(recs))
	return errors.Join(errs...)
}
