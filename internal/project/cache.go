package project

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Loader rebuilds mapping tables from the registered datasets.
type Loader interface {
	LoadAccounts(ctx context.Context) (AccountTable, error)
	LoadVideos(ctx context.Context, accounts AccountTable) (VideoTable, error)
}

// State is the lifecycle position of a cached table.
type State int

const (
	Unbuilt State = iota
	Built
	Stale
)

func (s State) String() string {
	switch s {
	case Built:
		return "built"
	case Stale:
		return "stale"
	}
	return "unbuilt"
}

type snapshot[T any] struct {
	table T
	gen   uint64
}

// Cache holds the account and video tables for the process. Readers get
// the last complete snapshot; rebuilds are serialized and happen lazily on
// the first access after an invalidation.
type Cache struct {
	loader Loader
	log    logrus.FieldLogger

	mu sync.Mutex

	accounts    atomic.Pointer[snapshot[AccountTable]]
	videos      atomic.Pointer[snapshot[VideoTable]]
	accountsGen atomic.Uint64
	videosGen   atomic.Uint64
}

// NewCache creates an unbuilt cache.
func NewCache(loader Loader, log logrus.FieldLogger) *Cache {
	return &Cache{loader: loader, log: log}
}

// Accounts returns the current account table, rebuilding it if needed.
func (c *Cache) Accounts(ctx context.Context) (AccountTable, error) {
	if s := c.accounts.Load(); s != nil && s.gen == c.accountsGen.Load() {
		return s.table, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountsLocked(ctx)
}

// Videos returns the current video table, rebuilding it (and the account
// table underneath it) if needed.
func (c *Cache) Videos(ctx context.Context) (VideoTable, error) {
	if s := c.videos.Load(); s != nil && s.gen == c.videosGen.Load() {
		return s.table, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.videos.Load(); s != nil && s.gen == c.videosGen.Load() {
		return s.table, nil
	}

	gen := c.videosGen.Load()
	accounts, err := c.accountsLocked(ctx)
	if err != nil {
		return VideoTable{}, err
	}

	start := time.Now()
	videos, err := c.loader.LoadVideos(ctx, accounts)
	if err != nil {
		return VideoTable{}, fmt.Errorf("load video mapping: %w", err)
	}
	c.videos.Store(&snapshot[VideoTable]{table: videos, gen: gen})
	c.log.WithFields(logrus.Fields{
		"videos":   videos.Len(),
		"duration": time.Since(start),
	}).Info("Video project mapping built")
	return videos, nil
}

func (c *Cache) accountsLocked(ctx context.Context) (AccountTable, error) {
	if s := c.accounts.Load(); s != nil && s.gen == c.accountsGen.Load() {
		return s.table, nil
	}

	gen := c.accountsGen.Load()
	accounts, err := c.loader.LoadAccounts(ctx)
	if err != nil {
		return AccountTable{}, fmt.Errorf("load account mapping: %w", err)
	}
	c.accounts.Store(&snapshot[AccountTable]{table: accounts, gen: gen})
	c.log.WithField("accounts", accounts.Len()).Info("Account project mapping built")
	return accounts, nil
}

// InvalidateAccounts marks the account table stale. The video table is
// derived from it and goes stale too.
func (c *Cache) InvalidateAccounts() {
	c.accountsGen.Add(1)
	c.videosGen.Add(1)
}

// InvalidateVideos marks the video table stale.
func (c *Cache) InvalidateVideos() {
	c.videosGen.Add(1)
}

// State reports the lifecycle state of both tables.
func (c *Cache) State() (accounts, videos State) {
	return stateOf(c.accounts.Load(), c.accountsGen.Load()),
		stateOf(c.videos.Load(), c.videosGen.Load())
}

func stateOf[T any](s *snapshot[T], gen uint64) State {
	switch {
	case s == nil:
		return Unbuilt
	case s.gen != gen:
		return Stale
	}
	return Built
}
