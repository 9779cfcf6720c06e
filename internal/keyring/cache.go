package keyring

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/vaultd/internal/crypto"
)

// sessionKey identifies one cached DEK. A DEK is cached per tenant per
// session so one tenant's sessions never see each other's cache slots.
type sessionKey struct {
	tenantID  string
	sessionID string
}

type sessionEntry struct {
	dek          []byte
	expiresAt    time.Time
	lastAccessed time.Time
}

// SessionCache is a bounded in-memory cache of unwrapped DEKs. Entries
// expire after a TTL, are evicted when idle past the idle timeout, and the
// least recently used entry is evicted when the cache is full. Evicted or
// replaced DEK bytes are wiped. Nothing is ever persisted.
type SessionCache struct {
	mu          sync.Mutex
	entries     map[sessionKey]*sessionEntry
	maxEntries  int
	ttl         time.Duration
	idleTimeout time.Duration

	// timeNow is replaceable in tests.
	timeNow func() time.Time
}

// NewSessionCache creates a cache holding at most maxEntries DEKs.
func NewSessionCache(maxEntries int, ttl, idleTimeout time.Duration) *SessionCache {
	return &SessionCache{
		entries:     make(map[sessionKey]*sessionEntry),
		maxEntries:  maxEntries,
		ttl:         ttl,
		idleTimeout: idleTimeout,
		timeNow:     time.Now,
	}
}

// Put caches a copy of dek for the tenant+session. The caller keeps
// ownership of its own slice.
func (c *SessionCache) Put(tenantID, sessionID string, dek []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeNow()
	key := sessionKey{tenantID: tenantID, sessionID: sessionID}

	if old, exists := c.entries[key]; exists {
		crypto.Wipe(old.dek)
	} else if len(c.entries) >= c.maxEntries {
		c.evictLRULocked()
	}

	stored := make([]byte, len(dek))
	copy(stored, dek)
	c.entries[key] = &sessionEntry{
		dek:          stored,
		expiresAt:    now.Add(c.ttl),
		lastAccessed: now,
	}
}

// Get returns a copy of the cached DEK for the tenant+session, evicting it
// first if expired or idle too long.
func (c *SessionCache) Get(tenantID, sessionID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := sessionKey{tenantID: tenantID, sessionID: sessionID}
	entry, exists := c.entries[key]
	if !exists {
		return nil, false
	}

	now := c.timeNow()
	if now.After(entry.expiresAt) || now.Sub(entry.lastAccessed) > c.idleTimeout {
		c.removeLocked(key)
		return nil, false
	}

	entry.lastAccessed = now
	out := make([]byte, len(entry.dek))
	copy(out, entry.dek)
	return out, true
}

// InvalidateTenant wipes every cached DEK for a tenant. Called on mode
// switch and tenant purge.
func (c *SessionCache) InvalidateTenant(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.tenantID == tenantID {
			c.removeLocked(key)
		}
	}
}

// Sweep evicts all expired and idle entries. Run periodically.
func (c *SessionCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeNow()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) || now.Sub(entry.lastAccessed) > c.idleTimeout {
			c.removeLocked(key)
		}
	}
}

// Clear wipes and removes every entry.
func (c *SessionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		c.removeLocked(key)
	}
}

// Len returns the number of live entries.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *SessionCache) removeLocked(key sessionKey) {
	if entry, exists := c.entries[key]; exists {
		crypto.Wipe(entry.dek)
		delete(c.entries, key)
	}
}

func (c *SessionCache) evictLRULocked() {
	var oldestKey sessionKey
	var oldestTime time.Time

	first := true
	for key, entry := range c.entries {
		if first || entry.lastAccessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastAccessed
			first = false
		}
	}

	if !first {
		c.removeLocked(oldestKey)
	}
}
