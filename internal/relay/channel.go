package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/asticode/go-astits"

	"github.com/slbailey/Retrovue-sub002/internal/metrics"
	"github.com/slbailey/Retrovue-sub002/internal/observability"
	"github.com/slbailey/Retrovue-sub002/internal/schedule"
	"github.com/slbailey/Retrovue-sub002/internal/stationclock"
)

var (
	// ErrScheduleInvalid means the channel has no usable schedule.
	ErrScheduleInvalid = errors.New("channel schedule missing or invalid")
	// ErrNoActiveItem means nothing is scheduled at station now.
	ErrNoActiveItem = errors.New("no item is active")
	// ErrProcessLaunch means the channel's source could not be started.
	ErrProcessLaunch = errors.New("channel source launch failed")
	// ErrInvalidChannelID means the id is not a valid schedule file stem.
	ErrInvalidChannelID = errors.New("invalid channel id")
	// ErrShuttingDown is returned for attaches after Shutdown.
	ErrShuttingDown = errors.New("channel is shutting down")
)

// Options are the dependencies shared by every controller.
type Options struct {
	Store    *schedule.Store
	Clock    *stationclock.Clock
	Launcher Launcher
	// Fallback serves clients when Launcher fails and Strict is false.
	Fallback Launcher
	// Strict makes a launch failure fail the attach.
	Strict    bool
	ChunkSize int
	Buffer    CyclicBufferConfig
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// ClientInfo identifies an attaching viewer.
type ClientInfo struct {
	UserAgent  string
	RemoteAddr string
}

// liveSource is one launched source and the buffer fanning it out.
type liveSource struct {
	src      Source
	buf      *CyclicBuffer
	item     schedule.Item
	fallback bool
	pumpDone chan struct{}
}

// Controller owns one channel: its schedule, its attached client count and
// at most one live source. All three change only under mu.
type Controller struct {
	id     string
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	sched      *schedule.ChannelSchedule
	fileBacked bool
	clients    int
	active     *liveSource
	shutdown   bool
}

// NewController creates an idle, not-yet-loaded controller.
func NewController(channelID string, opts Options) *Controller {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = ChunkSize(64)
	}
	if opts.Clock == nil {
		opts.Clock = stationclock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		id:     channelID,
		opts:   opts,
		logger: observability.WithChannel(observability.WithComponent(logger, "relay"), channelID),
		sched:  schedule.NotLoaded(channelID),
	}
}

// ID returns the channel id.
func (c *Controller) ID() string { return c.id }

// Load reads the schedule if it has not been read yet.
func (c *Controller) Load() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked()
}

// must hold c.mu
func (c *Controller) ensureLoadedLocked() {
	if c.sched.Status.State != schedule.StateNotLoaded {
		return
	}
	sched, err := c.opts.Store.Load(c.id, c.opts.Clock.NowUTC())
	if err != nil {
		c.fileBacked = !errors.Is(err, schedule.ErrNotFound)
		c.sched = schedule.Invalid(c.id, err.Error())
		c.logger.Warn("schedule unavailable, channel marked invalid", slog.Any("error", err))
		return
	}
	c.fileBacked = true
	c.sched = sched
	c.logger.Info("schedule loaded", slog.Int("items", len(sched.Items)))
}

// Reload re-reads the schedule file and replaces the schedule wholesale.
// On failure a previously valid schedule stays in place; otherwise the
// channel is marked invalid. A live source is not affected.
func (c *Controller) Reload() (schedule.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sched, err := c.opts.Store.Load(c.id, c.opts.Clock.NowUTC())
	if err != nil {
		if c.sched.Valid() {
			c.logger.Warn("schedule reload failed, keeping previous schedule", slog.Any("error", err))
			return c.sched.Status, err
		}
		c.fileBacked = !errors.Is(err, schedule.ErrNotFound)
		c.sched = schedule.Invalid(c.id, err.Error())
		c.logger.Warn("schedule reload failed, channel marked invalid", slog.Any("error", err))
		return c.sched.Status, err
	}

	c.fileBacked = true
	c.sched = sched
	c.logger.Info("schedule reloaded", slog.Int("items", len(sched.Items)))
	return sched.Status, nil
}

// Schedule returns the current schedule. It must not be modified.
func (c *Controller) Schedule() *schedule.ChannelSchedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sched
}

// FileBacked reports whether a schedule file was found for the channel.
func (c *Controller) FileBacked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileBacked
}

// ClientCount returns the number of attached clients.
func (c *Controller) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients
}

// Attach registers a client. The first client puts the active item on air;
// later clients share the running source. On error the client count is
// unchanged.
func (c *Controller) Attach(ctx context.Context, info ClientInfo) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return nil, ErrShuttingDown
	}

	c.ensureLoadedLocked()
	if !c.sched.Valid() {
		c.opts.Metrics.IncLaunchFailures(c.id, metrics.ReasonSchedule)
		return nil, fmt.Errorf("%w: %s", ErrScheduleInvalid, c.sched.Status.Reason)
	}

	c.clients++
	for attempt := 0; ; attempt++ {
		if c.active != nil && c.active.buf.IsClosed() {
			c.logger.Warn("source ended, relaunching",
				slog.String("source_id", c.active.src.ID()),
				slog.Any("error", c.active.src.Err()),
			)
			c.retireLocked()
		}
		if c.active == nil {
			if err := c.startLocked(ctx); err != nil {
				c.clients--
				return nil, err
			}
		}

		client, err := c.active.buf.AddClient(info.UserAgent, info.RemoteAddr)
		if err == nil {
			c.opts.Metrics.SetChannelClients(c.id, c.clients)
			c.logger.Debug("client attached",
				slog.Int("clients", c.clients),
				slog.String("remote_addr", info.RemoteAddr),
			)
			return &Subscription{c: c, ls: c.active, client: client}, nil
		}
		if attempt > 0 {
			c.clients--
			if c.clients == 0 && c.active != nil {
				c.retireLocked()
			}
			return nil, fmt.Errorf("%w: %w", ErrProcessLaunch, err)
		}
	}
}

// must hold c.mu
func (c *Controller) startLocked(ctx context.Context) error {
	now := c.opts.Clock.NowUTC()
	item, ok := c.sched.ActiveItem(now)
	if !ok {
		c.opts.Metrics.IncLaunchFailures(c.id, metrics.ReasonNoItem)
		c.logger.Info("attach refused, nothing on air", slog.String("station_time", stationclock.Format(now)))
		return fmt.Errorf("%w: channel %s at %s", ErrNoActiveItem, c.id, stationclock.Format(now))
	}

	req := LaunchRequest{ChannelID: c.id, Item: item, Offset: item.Offset(now)}
	src, err := c.opts.Launcher.Launch(ctx, req)
	fallback := false
	if err != nil {
		c.opts.Metrics.IncLaunchFailures(c.id, metrics.ReasonLaunch)
		c.logger.Error("source launch failed",
			slog.String("asset_path", item.AssetPath),
			slog.Bool("strict", c.opts.Strict),
			slog.Any("error", err),
		)
		if c.opts.Strict || c.opts.Fallback == nil {
			return fmt.Errorf("%w: %w", ErrProcessLaunch, err)
		}
		src, err = c.opts.Fallback.Launch(ctx, req)
		if err != nil {
			return fmt.Errorf("%w: fallback: %w", ErrProcessLaunch, err)
		}
		fallback = true
	}

	ls := &liveSource{
		src:      src,
		buf:      NewCyclicBuffer(c.opts.Buffer),
		item:     item,
		fallback: fallback,
		pumpDone: make(chan struct{}),
	}
	c.active = ls
	go c.pump(ls)

	c.opts.Metrics.SourceStarted(c.id, src.Kind())
	c.logger.Info("channel on air",
		slog.String("source_id", src.ID()),
		slog.String("kind", src.Kind()),
		slog.Int("pid", src.PID()),
		slog.String("asset_path", item.AssetPath),
		slog.Duration("offset", req.Offset),
	)
	return nil
}

// pump copies the source's output into the buffer in whole transport
// stream packets. A trailing partial packet at end of stream is dropped.
func (c *Controller) pump(ls *liveSource) {
	defer close(ls.pumpDone)
	defer ls.buf.Close()

	r := ls.src.Output()
	scratch := make([]byte, c.opts.ChunkSize)
	carry := 0
	for {
		n, err := r.Read(scratch[carry:])
		total := carry + n
		aligned := total - total%astits.MpegTsPacketSize
		if aligned > 0 {
			chunk := make([]byte, aligned)
			copy(chunk, scratch[:aligned])
			if werr := ls.buf.WriteChunk(chunk); werr != nil {
				return
			}
			c.opts.Metrics.AddRelayBytes(c.id, aligned)
			carry = copy(scratch, scratch[aligned:total])
		} else {
			carry = total
		}

		if err != nil {
			attrs := []any{slog.String("source_id", ls.src.ID())}
			if carry > 0 {
				attrs = append(attrs, slog.Int("dropped_bytes", carry))
			}
			if !errors.Is(err, io.EOF) {
				attrs = append(attrs, slog.Any("error", err))
			}
			c.logger.Debug("source output ended", attrs...)
			return
		}
	}
}

// detach drops one client and stops the source when none are left.
func (c *Controller) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clients > 0 {
		c.clients--
	}
	c.opts.Metrics.SetChannelClients(c.id, c.clients)
	c.logger.Debug("client detached", slog.Int("clients", c.clients))

	if c.clients == 0 && c.active != nil {
		c.retireLocked()
	}
}

// retireLocked stops the active source and closes its buffer.
//
// must hold c.mu
func (c *Controller) retireLocked() {
	ls := c.active
	c.active = nil

	start := time.Now()
	err := ls.src.Stop()
	ls.buf.Close()
	c.opts.Metrics.SourceStopped()

	attrs := []any{
		slog.String("source_id", ls.src.ID()),
		slog.String("kind", ls.src.Kind()),
		slog.Duration("stop_duration", time.Since(start)),
	}
	if err != nil {
		c.logger.Warn("source stop failed", append(attrs, slog.Any("error", err))...)
		return
	}
	c.logger.Info("channel off air", attrs...)
}

// Shutdown stops the live source and refuses further attaches.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	if c.active != nil {
		c.retireLocked()
	}
}

// Subscription is one attached client. Close must be called exactly when
// the client goes away; extra calls are no-ops.
type Subscription struct {
	c      *Controller
	ls     *liveSource
	client *BufferClient
	once   sync.Once
}

// Next blocks until the source has produced more data, the source ends
// (ErrBufferClosed) or ctx is done.
func (s *Subscription) Next(ctx context.Context) ([]BufferChunk, error) {
	return s.ls.buf.ReadWithWait(ctx, s.client)
}

// ClientID returns the subscription's buffer client id.
func (s *Subscription) ClientID() string { return s.client.ID.String() }

// SourceKind returns the kind of source the client is attached to.
func (s *Subscription) SourceKind() string { return s.ls.src.Kind() }

// Item returns the schedule item on air when the source launched.
func (s *Subscription) Item() schedule.Item { return s.ls.item }

// Close detaches the client.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.ls.buf.RemoveClient(s.client.ID)
		s.c.detach()
	})
}

// SourceStatus describes a channel's live source.
type SourceStatus struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	PID       int               `json:"pid,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	AssetPath string            `json:"asset_path"`
	ItemStart time.Time         `json:"item_start"`
	Fallback  bool              `json:"fallback"`
	Alive     bool              `json:"alive"`
	Buffer    CyclicBufferStats `json:"buffer"`
}

// ChannelStatus is a point-in-time view of a controller.
type ChannelStatus struct {
	ID       string                    `json:"id"`
	State    string                    `json:"state"`
	Reason   string                    `json:"reason,omitempty"`
	Items    int                       `json:"items"`
	LoadedAt time.Time                 `json:"loaded_at,omitzero"`
	Clients  int                       `json:"clients"`
	Source   *SourceStatus             `json:"source,omitempty"`
	Schedule *schedule.ChannelSchedule `json:"-"`
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := ChannelStatus{
		ID:       c.id,
		State:    c.sched.Status.State.String(),
		Reason:   c.sched.Status.Reason,
		Items:    len(c.sched.Items),
		LoadedAt: c.sched.LoadedAt,
		Clients:  c.clients,
		Schedule: c.sched,
	}
	if ls := c.active; ls != nil {
		st.Source = &SourceStatus{
			ID:        ls.src.ID(),
			Kind:      ls.src.Kind(),
			PID:       ls.src.PID(),
			StartedAt: ls.src.StartedAt(),
			AssetPath: ls.item.AssetPath,
			ItemStart: ls.item.StartTimeUTC,
			Fallback:  ls.fallback,
			Alive:     !ls.buf.IsClosed(),
			Buffer:    ls.buf.Stats(),
		}
	}
	return st
}
