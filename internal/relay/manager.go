package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slbailey/Retrovue-sub002/internal/observability"
	"github.com/slbailey/Retrovue-sub002/internal/schedule"
)

// preloadConcurrency bounds parallel schedule reads at startup.
const preloadConcurrency = 8

// Registry maps channel ids to their controllers. Its lock only guards
// insertion; per-channel work uses each controller's own lock.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]*Controller
	closed   bool
}

// NewRegistry creates an empty registry. Controllers are created lazily.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:     opts,
		logger:   observability.WithComponent(logger, "registry"),
		channels: make(map[string]*Controller),
	}
}

// Get returns the controller for channelID, creating it if absent.
func (r *Registry) Get(channelID string) (*Controller, error) {
	if !schedule.ValidChannelID(channelID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannelID, channelID)
	}

	r.mu.RLock()
	c, ok := r.channels[channelID]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return c, nil
	}
	if closed {
		return nil, ErrShuttingDown
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrShuttingDown
	}
	if c, ok := r.channels[channelID]; ok {
		return c, nil
	}
	c = NewController(channelID, r.opts)
	r.channels[channelID] = c
	r.logger.Debug("channel registered", slog.String("channel_id", channelID))
	return c, nil
}

// Lookup returns an existing controller without creating one.
func (r *Registry) Lookup(channelID string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[channelID]
	return c, ok
}

// Discover registers every channel with a schedule file and loads the
// schedules concurrently.
func (r *Registry) Discover(ctx context.Context) error {
	ids, err := r.opts.Store.Discover()
	if err != nil {
		return fmt.Errorf("discovering channels: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadConcurrency)
	for _, id := range ids {
		c, err := r.Get(id)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.Load()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	valid := 0
	for _, c := range r.Channels() {
		if c.Schedule().Valid() {
			valid++
		}
	}
	r.logger.Info("channels discovered",
		slog.Int("channels", len(ids)),
		slog.Int("valid", valid),
		slog.String("schedule_dir", r.opts.Store.Dir()),
	)
	return nil
}

// Channels returns every registered controller sorted by id.
func (r *Registry) Channels() []*Controller {
	r.mu.RLock()
	out := make([]*Controller, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ListedIDs returns the sorted ids of channels backed by a schedule file.
func (r *Registry) ListedIDs() []string {
	var ids []string
	for _, c := range r.Channels() {
		if c.FileBacked() {
			ids = append(ids, c.ID())
		}
	}
	return ids
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Shutdown refuses new channels and stops every live source. Each stop
// is bounded by the source's terminate timeout.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	start := time.Now()
	g, _ := errgroup.WithContext(ctx)
	for _, c := range r.Channels() {
		c := c
		g.Go(func() error {
			c.Shutdown()
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		r.logger.Info("all channels stopped", slog.Duration("duration", time.Since(start)))
		return err
	case <-ctx.Done():
		return fmt.Errorf("stopping channels: %w", ctx.Err())
	}
}
