package stats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kgengine/backend/internal/kg/graph"
	"github.com/kgengine/backend/pkg/logger"
)

// Source supplies snapshots and the store's mutation counter.
type Source interface {
	Version() int64
	Snapshot(ctx context.Context) (*graph.Snapshot, error)
}

type Config struct {
	// StalenessThreshold is the number of mutations after which cached
	// statistics are recomputed on read.
	StalenessThreshold int64
	MaxAge             time.Duration
}

// Aggregator caches the last computed statistics. A refresh computes a new
// value and swaps it in atomically; readers never see a partial update.
type Aggregator struct {
	src     Source
	cfg     Config
	current atomic.Pointer[Statistics]
	group   singleflight.Group

	mu          sync.Mutex
	subscribers map[int]chan *Statistics
	nextSub     int
}

func NewAggregator(src Source, cfg Config) *Aggregator {
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = 50
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 15 * time.Minute
	}
	return &Aggregator{
		src:         src,
		cfg:         cfg,
		subscribers: make(map[int]chan *Statistics),
	}
}

// Get returns cached statistics, recomputing them first when they are
// missing or stale.
func (a *Aggregator) Get(ctx context.Context) (*Statistics, error) {
	if cur := a.current.Load(); cur != nil && !a.Stale(cur) {
		return cur, nil
	}
	return a.Refresh(ctx)
}

// Cached returns the last computed statistics without recomputing.
func (a *Aggregator) Cached() *Statistics {
	return a.current.Load()
}

func (a *Aggregator) Stale(s *Statistics) bool {
	if a.src.Version()-s.Version > a.cfg.StalenessThreshold {
		return true
	}
	return time.Since(s.ComputedAt) > a.cfg.MaxAge
}

const refreshTimeout = time.Minute

// Refresh recomputes statistics. Concurrent callers share one computation,
// which is detached from any single caller's cancellation; a cancelled caller
// stops waiting while the others still receive the result.
func (a *Aggregator) Refresh(ctx context.Context) (*Statistics, error) {
	ch := a.group.DoChan("refresh", func() (interface{}, error) {
		start := time.Now()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		snap, err := a.src.Snapshot(fctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
		s := Compute(snap)
		a.current.Store(s)
		a.publish(s)

		logger.Debug("Statistics refreshed",
			zap.Int64("version", s.Version),
			zap.Int("entities", s.TotalEntities),
			zap.Int("relationships", s.TotalRelationships),
			zap.Duration("duration", time.Since(start)),
		)
		return s, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Statistics), nil
	}
}

// Run refreshes on every tick until ctx is done. Stats that are still fresh
// by version and age are left alone.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := a.current.Load()
			if cur != nil && cur.Version == a.src.Version() && time.Since(cur.ComputedAt) < a.cfg.MaxAge {
				continue
			}
			if _, err := a.Refresh(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Statistics refresh failed", zap.Error(err))
			}
		}
	}
}

// Subscribe returns a channel that receives every new statistics value.
// Slow subscribers miss updates rather than block refreshes.
func (a *Aggregator) Subscribe(buffer int) (<-chan *Statistics, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Statistics, buffer)

	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subscribers[id] = ch
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subscribers, id)
			a.mu.Unlock()
			close(ch)
		})
	}
}

func (a *Aggregator) publish(s *Statistics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
}
