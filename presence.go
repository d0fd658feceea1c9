package rocketchat

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPresenceInterval    = 5 * time.Second
	DefaultPresenceConcurrency = 4

	StatusOffline = "offline"
)

// PresenceFetcher looks up one user's status.
type PresenceFetcher interface {
	Presence(ctx context.Context, username string) (string, error)
}

// PresenceConfig configures a PresencePoller.
type PresenceConfig struct {
	Interval    time.Duration
	Concurrency int
	Logger      *zap.Logger
	// OnChange receives a copy of the status map after a batch changed it.
	OnChange func(map[string]string)
}

// PresencePoller periodically fetches the status of a working set of
// usernames. Overlapping ticks are skipped while a batch is outstanding.
type PresencePoller struct {
	api        PresenceFetcher
	workingSet func() []string
	config     PresenceConfig
	log        *zap.Logger

	inFlight atomic.Bool

	mu       sync.RWMutex
	statuses map[string]string
}

// NewPresencePoller creates a poller. workingSet is called on every tick.
func NewPresencePoller(api PresenceFetcher, workingSet func() []string, config PresenceConfig) *PresencePoller {
	if config.Interval == 0 {
		config.Interval = DefaultPresenceInterval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultPresenceConcurrency
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &PresencePoller{
		api:        api,
		workingSet: workingSet,
		config:     config,
		log:        config.Logger.With(zap.String("component", "presence")),
		statuses:   make(map[string]string),
	}
}

// Run ticks until ctx is done, starting with an immediate tick. Ticks run on
// the calling goroutine, so no batch outlives Run.
func (p *PresencePoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick fetches one batch. It returns false without fetching if another
// batch is still in flight.
func (p *PresencePoller) Tick(ctx context.Context) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.log.Debug("presence batch still in flight, skipping tick")
		return false
	}
	defer p.inFlight.Store(false)

	names := uniqueNames(p.workingSet())
	if len(names) == 0 {
		return true
	}

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(names))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)
	for _, name := range names {
		name := name
		g.Go(func() error {
			status, err := p.api.Presence(gctx, name)
			if err != nil {
				p.log.Debug("presence lookup failed", zap.String("username", name), zap.Error(err))
				status = StatusOffline
			}
			if status == "" {
				status = StatusOffline
			}
			mu.Lock()
			results[name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return true
	}

	p.mu.Lock()
	changed := false
	for name, status := range results {
		if p.statuses[name] != status {
			p.statuses[name] = status
			changed = true
		}
	}
	var snapshot map[string]string
	if changed {
		snapshot = copyStatuses(p.statuses)
	}
	p.mu.Unlock()

	if changed && p.config.OnChange != nil {
		p.config.OnChange(snapshot)
	}
	return true
}

// Status returns the last known status of username, "offline" if unknown.
func (p *PresencePoller) Status(username string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.statuses[username]; ok {
		return s
	}
	return StatusOffline
}

// Statuses returns a copy of the username to status map.
func (p *PresencePoller) Statuses() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyStatuses(p.statuses)
}

func copyStatuses(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
