package http

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxEntries     = 10000
	throttleCleanupPeriod = 5 * time.Minute
	throttleMaxIdle       = 30 * time.Minute
)

type throttleEntry struct {
	ip         string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IPThrottle is a coarse token bucket per client IP. It bounds request
// volume from clients that drop their identity cookie. Entries are evicted
// least recently used first once MaxEntries is reached.
type IPThrottle struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	rate       rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	// done is closed when the cleanup loop exits, nil when no loop runs
	done chan struct{}
}

// NewIPThrottle creates a throttle and starts its cleanup loop.
// A non-positive requestsPerSecond disables throttling and runs no loop.
func NewIPThrottle(requestsPerSecond float64, burst, maxEntries int, logger *slog.Logger) *IPThrottle {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}

	t := &IPThrottle{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		rate:       limit,
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	if limit != rate.Inf {
		t.done = make(chan struct{})
		go t.cleanupLoop()
	}
	return t
}

// Allow reports whether a request from ip may proceed
func (t *IPThrottle) Allow(ip string) bool {
	if t.rate == rate.Inf {
		return true
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.entries[ip]; ok {
		t.lru.MoveToFront(elem)
		entry := elem.Value.(*throttleEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if len(t.entries) >= t.maxEntries {
		t.evictOldest()
	}

	entry := &throttleEntry{
		ip:         ip,
		limiter:    rate.NewLimiter(t.rate, t.burst),
		lastAccess: now,
	}
	t.entries[ip] = t.lru.PushFront(entry)
	return entry.limiter.AllowN(now, 1)
}

// evictOldest must be called with the mutex held
func (t *IPThrottle) evictOldest() {
	elem := t.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*throttleEntry)
	delete(t.entries, entry.ip)
	t.lru.Remove(elem)
	t.logger.Debug("Throttle eviction", "ip", entry.ip, "entries", len(t.entries))
}

func (t *IPThrottle) cleanupLoop() {
	defer close(t.done)
	ticker := time.NewTicker(throttleCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Cleanup(throttleMaxIdle)
		case <-t.stop:
			return
		}
	}
}

// Cleanup drops entries idle for longer than maxIdle
func (t *IPThrottle) Cleanup(maxIdle time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for elem := t.lru.Back(); elem != nil; {
		entry := elem.Value.(*throttleEntry)
		if now.Sub(entry.lastAccess) <= maxIdle {
			// the rest of the list was used more recently
			break
		}
		prev := elem.Prev()
		delete(t.entries, entry.ip)
		t.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		t.logger.Debug("Throttle cleanup completed", "removed", removed, "remaining", len(t.entries))
	}
}

// Len returns the number of tracked IPs
func (t *IPThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stop ends the cleanup loop and waits for it to exit
func (t *IPThrottle) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	if t.done != nil {
		<-t.done
	}
}
