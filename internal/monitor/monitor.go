// Package monitor periodically checks that every valid channel has
// enough upcoming content scheduled.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/slbailey/Retrovue-sub002/internal/metrics"
	"github.com/slbailey/Retrovue-sub002/internal/relay"
	"github.com/slbailey/Retrovue-sub002/internal/stationclock"
)

// Finding reasons.
const (
	ReasonNothingOnAir = "nothing_on_air"
	ReasonHorizonShort = "horizon_short"
)

// Finding is one channel whose schedule needs attention.
type Finding struct {
	ChannelID   string
	Reason      string
	ScheduleEnd time.Time
}

// Channels is the registry view the monitor needs.
type Channels interface {
	Channels() []*relay.Controller
}

// Monitor runs horizon checks on a cron schedule. It only reads channel
// state; it never loads, launches or stops anything.
type Monitor struct {
	mu sync.Mutex

	channels Channels
	clock    *stationclock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger

	expr     string
	schedule cron.Schedule
	horizon  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor for a standard 5-field cron expression.
func New(channels Channels, clock *stationclock.Clock, expr string, horizon time.Duration) (*Monitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing horizon check schedule %q: %w", expr, err)
	}
	return &Monitor{
		channels: channels,
		clock:    clock,
		logger:   slog.Default(),
		expr:     expr,
		schedule: sched,
		horizon:  horizon,
	}, nil
}

// WithLogger sets a custom logger.
func (m *Monitor) WithLogger(logger *slog.Logger) *Monitor {
	m.logger = logger
	return m
}

// WithMetrics counts warnings.
func (m *Monitor) WithMetrics(met *metrics.Metrics) *Monitor {
	m.metrics = met
	return m
}

// Start begins the check loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		return fmt.Errorf("monitor already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.loop(m.ctx)

	m.logger.Info("horizon monitor started",
		slog.String("schedule", m.expr),
		slog.Duration("horizon", m.horizon))
	return nil
}

// Stop stops the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()

	m.logger.Info("horizon monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	for {
		now := time.Now()
		timer := time.NewTimer(m.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.Check()
		}
	}
}

// Check inspects every valid channel at station now and logs a warning
// for each one that runs out of content within the horizon.
func (m *Monitor) Check() []Finding {
	now := m.clock.NowUTC()
	deadline := now.Add(m.horizon)

	var findings []Finding
	for _, c := range m.channels.Channels() {
		sched := c.Schedule()
		if !sched.Valid() {
			continue
		}

		end := sched.End()
		_, active := sched.ActiveItem(now)
		next, hasNext := sched.NextItem(now)

		var reason string
		switch {
		case !active && (!hasNext || next.StartTimeUTC.After(deadline)):
			reason = ReasonNothingOnAir
		case end.Before(deadline):
			reason = ReasonHorizonShort
		default:
			continue
		}

		findings = append(findings, Finding{ChannelID: c.ID(), Reason: reason, ScheduleEnd: end})
		m.metrics.IncHorizonWarnings(c.ID())
		m.logger.Warn("channel schedule horizon too short",
			slog.String("channel_id", c.ID()),
			slog.String("reason", reason),
			slog.String("schedule_end", stationclock.Format(end)),
			slog.Duration("horizon", m.horizon),
		)
	}

	m.logger.Debug("horizon check complete", slog.Int("warnings", len(findings)))
	return findings
}
