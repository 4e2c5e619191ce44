// ABOUTME: Bounded TTL cache of recently accepted keys, oldest evicted first
// ABOUTME: Guards /history/update against clients resubmitting the same assistant message

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key    string
	marked time.Time
}

// Cache remembers keys for a fixed TTL. When full, the least recently marked
// key is evicted. All methods are safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // front is the oldest mark
	ttl     time.Duration
	max     int
	now     func() time.Time
	stop    chan struct{}
	stopped bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the time source. The background sweep keeps running on
// wall-clock ticks; expiry decisions use the injected clock.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache holding at most maxEntries keys for ttl each and starts
// a sweeper that drops expired keys. Call Close to stop it.
func New(ttl time.Duration, maxEntries int, opts ...Option) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	c := &Cache{
		index: make(map[string]*list.Element),
		order: list.New(),
		ttl:   ttl,
		max:   maxEntries,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop(sweepInterval(ttl))
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	d := ttl / 2
	if d < time.Second {
		d = time.Second
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

// Check reports whether key was marked within the TTL.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark marks key and reports whether it was already live.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key, refreshing its TTL if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget drops key so the next Check misses.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.order.Remove(el)
		delete(c.index, key)
	}
}

// Len returns the number of keys held, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) liveLocked(key string) bool {
	el, ok := c.index[key]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry).marked) < c.ttl
}

func (c *Cache) markLocked(key string) {
	now := c.now()
	if el, ok := c.index[key]; ok {
		el.Value.(*entry).marked = now
		c.order.MoveToBack(el)
		return
	}
	for len(c.index) >= c.max {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*entry).key)
	}
	c.index[key] = c.order.PushBack(&entry{key: key, marked: now})
}

func (c *Cache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Sweep removes expired keys. Marks are ordered by time, so it stops at the
// first live entry.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		e := el.Value.(*entry)
		if now.Sub(e.marked) < c.ttl {
			return
		}
		c.order.Remove(el)
		delete(c.index, e.key)
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.stop)
	}
}
