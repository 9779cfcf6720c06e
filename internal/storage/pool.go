package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
)

// tenantIDPattern also guards the filesystem: the tenant id becomes a
// file name under dataDir, so nothing resembling a path may pass.
var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// Handle is one tenant's open database. Handles are owned by the Pool;
// callers pin them with Acquire and unpin with Release, and never close
// them directly.
type Handle struct {
	tenantID string
	db       *sql.DB

	// guarded by the pool mutex
	refs     int
	lastUsed time.Time
}

// DB returns the tenant database. Valid only while the handle is pinned.
func (h *Handle) DB() *sql.DB {
	return h.db
}

// TenantID returns the tenant this handle belongs to.
func (h *Handle) TenantID() string {
	return h.tenantID
}

// Pool manages per-tenant database handles: at most one live handle per
// tenant, reference counting, LRU eviction over max_open, and idle
// eviction via a janitor goroutine. Only unpinned handles are evicted.
type Pool struct {
	mu      sync.Mutex
	handles map[string]*Handle

	dataDir     string
	maxOpen     int
	idleTimeout time.Duration
	busyTimeout time.Duration

	sf     singleflight.Group
	logger *logging.Logger

	janitorStop chan struct{}
	janitorDone chan struct{}
	closed      bool
}

// NewPool creates the pool and starts its idle janitor.
func NewPool(cfg config.StorageConfig, logger *logging.Logger) (*Pool, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required")
	}
	if cfg.MaxOpen <= 0 {
		return nil, fmt.Errorf("max_open must be positive, got %d", cfg.MaxOpen)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "tenants"), 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating tenants dir: %v", ErrStorage, err)
	}

	p := &Pool{
		handles:     make(map[string]*Handle),
		dataDir:     cfg.DataDir,
		maxOpen:     cfg.MaxOpen,
		idleTimeout: cfg.IdleTimeout.Duration(),
		busyTimeout: cfg.BusyTimeout.Duration(),
		logger:      logger.Named("pool"),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go p.janitor()

	return p, nil
}

// Acquire returns a pinned handle for the tenant, opening and migrating
// the database on first use. Concurrent first opens for one tenant
// collapse into a single open via singleflight.
func (p *Pool) Acquire(ctx context.Context, tenantID string) (*Handle, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return nil, fmt.Errorf("%w: invalid tenant id", ErrStorage)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: pool is closed", ErrStorage)
	}
	if h, ok := p.handles[tenantID]; ok {
		h.refs++
		h.lastUsed = time.Now()
		p.mu.Unlock()
		poolAcquires.WithLabelValues("hit").Inc()
		return h, nil
	}
	p.mu.Unlock()

	ch := p.sf.DoChan(tenantID, func() (interface{}, error) {
		return p.open(ctx, tenantID)
	})

	select {
	case <-ctx.Done():
		// The open may still complete; hand the orphaned handle to the
		// pool so it is owned and eventually closed, not leaked.
		go func() {
			if res := <-ch; res.Err == nil {
				p.adopt(res.Val.(*Handle))
			}
		}()
		return nil, fmt.Errorf("%w: acquire cancelled: %v", ErrStorage, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			poolAcquires.WithLabelValues("error").Inc()
			return nil, res.Err
		}
		h := res.Val.(*Handle)

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			// CloseAll already ran; this handle is not in the map, so it
			// must be closed here. sql.DB.Close is idempotent across the
			// flight's waiters.
			_ = h.db.Close()
			return nil, fmt.Errorf("%w: pool is closed", ErrStorage)
		}
		// Another singleflight winner may already have installed the
		// handle; every sharer pins the same one.
		if existing, ok := p.handles[tenantID]; ok && existing != h {
			h = existing
		} else {
			p.handles[tenantID] = h
		}
		h.refs++
		h.lastUsed = time.Now()
		p.evictOverCapLocked()
		openHandles.Set(float64(len(p.handles)))
		poolAcquires.WithLabelValues("miss").Inc()
		return h, nil
	}
}

// Release unpins a handle. The handle stays open for reuse until evicted.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.refs > 0 {
		h.refs--
	}
	h.lastUsed = time.Now()
}

// Drop closes the tenant's handle (if open) and deletes the database
// files. The tenant purge path.
func (p *Pool) Drop(ctx context.Context, tenantID string) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%w: invalid tenant id", ErrStorage)
	}

	p.mu.Lock()
	if h, ok := p.handles[tenantID]; ok {
		if h.refs > 0 {
			p.mu.Unlock()
			return fmt.Errorf("%w: tenant %s has in-flight operations", ErrStorage, tenantID)
		}
		delete(p.handles, tenantID)
		openHandles.Set(float64(len(p.handles)))
		p.mu.Unlock()
		if err := h.db.Close(); err != nil {
			p.logger.Warn(ctx, "closing dropped handle", zap.Error(err))
		}
	} else {
		p.mu.Unlock()
	}

	base := p.tenantPath(tenantID)
	for _, path := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: removing %s: %v", ErrStorage, path, err)
		}
	}
	return nil
}

// CloseAll checkpoints and closes every open handle, then stops the
// janitor. The pool is unusable afterwards. Called on graceful shutdown.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.handles = make(map[string]*Handle)
	openHandles.Set(0)
	p.mu.Unlock()

	close(p.janitorStop)
	<-p.janitorDone

	var firstErr error
	for _, h := range handles {
		if _, err := h.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			p.logger.Warn(ctx, "checkpoint on close failed",
				zap.String("tenant", h.tenantID), zap.Error(err))
		}
		if err := h.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: closing %s: %v", ErrStorage, h.tenantID, err)
		}
	}
	return firstErr
}

// adopt installs a handle whose waiters all gave up before pinning it.
// If another handle won the slot in the meantime, or the pool closed,
// the orphan is closed instead. Sharers of the same flight only ever pin
// the installed handle, so closing the loser here cannot race a pin.
func (p *Pool) adopt(h *Handle) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = h.db.Close()
		return
	}
	if existing, ok := p.handles[h.tenantID]; ok {
		p.mu.Unlock()
		if existing != h {
			_ = h.db.Close()
		}
		return
	}
	p.handles[h.tenantID] = h
	h.lastUsed = time.Now()
	p.evictOverCapLocked()
	openHandles.Set(float64(len(p.handles)))
	p.mu.Unlock()
}

func (p *Pool) open(ctx context.Context, tenantID string) (*Handle, error) {
	db, err := openSQLite(p.tenantPath(tenantID), p.busyTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if err := applyMigrations(ctx, db, tenantMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrating tenant %s: %v", ErrStorage, tenantID, err)
	}

	p.logger.Debug(ctx, "tenant database opened", zap.String("tenant", tenantID))
	return &Handle{tenantID: tenantID, db: db}, nil
}

func (p *Pool) tenantPath(tenantID string) string {
	return filepath.Join(p.dataDir, "tenants", tenantID+".db")
}

// evictOverCapLocked closes the least recently used unpinned handles
// until the pool is at or under maxOpen. Caller holds the mutex.
func (p *Pool) evictOverCapLocked() {
	for len(p.handles) > p.maxOpen {
		var victim *Handle
		for _, h := range p.handles {
			if h.refs > 0 {
				continue
			}
			if victim == nil || h.lastUsed.Before(victim.lastUsed) {
				victim = h
			}
		}
		if victim == nil {
			return // every handle is pinned; nothing to evict
		}
		delete(p.handles, victim.tenantID)
		poolEvictions.WithLabelValues("capacity").Inc()
		go p.closeEvicted(victim)
	}
}

// janitor periodically evicts handles idle beyond idleTimeout.
func (p *Pool) janitor() {
	defer close(p.janitorDone)

	interval := p.idleTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.janitorStop:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	if p.idleTimeout <= 0 {
		return
	}

	cutoff := time.Now().Add(-p.idleTimeout)
	var victims []*Handle

	p.mu.Lock()
	for id, h := range p.handles {
		if h.refs == 0 && h.lastUsed.Before(cutoff) {
			delete(p.handles, id)
			victims = append(victims, h)
		}
	}
	openHandles.Set(float64(len(p.handles)))
	p.mu.Unlock()

	for _, h := range victims {
		poolEvictions.WithLabelValues("idle").Inc()
		p.closeEvicted(h)
	}
}

func (p *Pool) closeEvicted(h *Handle) {
	if _, err := h.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		p.logger.Warn(context.Background(), "checkpoint on evict failed",
			zap.String("tenant", h.tenantID), zap.Error(err))
	}
	if err := h.db.Close(); err != nil {
		p.logger.Warn(context.Background(), "closing evicted handle",
			zap.String("tenant", h.tenantID), zap.Error(err))
	}
}
