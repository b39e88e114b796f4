// Package playout launches the external playout engine for a channel and
// provides a placeholder transport stream for degraded operation.
package playout

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slbailey/Retrovue-sub002/internal/observability"
	"github.com/slbailey/Retrovue-sub002/internal/util"
)

// EnvBinary overrides engine discovery.
const EnvBinary = "RETROVUE_AIR_BINARY"

// ModeLive is the only mode the daemon requests.
const ModeLive = "live"

// DefaultTerminateTimeout is the grace period between SIGTERM and SIGKILL.
const DefaultTerminateTimeout = 5 * time.Second

// ptsClock is the MPEG-TS presentation clock rate.
const ptsClock = 90000

var (
	// ErrBinaryNotFound means the engine executable is missing or unusable.
	ErrBinaryNotFound = errors.New("playout engine binary not found")
	// ErrLaunchFailed means the engine could not be spawned.
	ErrLaunchFailed = errors.New("playout engine launch failed")
	// ErrRequestWrite means the request could not be delivered; the
	// process has been terminated.
	ErrRequestWrite = errors.New("writing playout request failed")
)

// Request is the single message handed to a freshly spawned engine.
type Request struct {
	AssetPath string         `json:"asset_path"`
	StartPTS  int64          `json:"start_pts"`
	Mode      string         `json:"mode"`
	ChannelID string         `json:"channel_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PTSFromOffset converts an offset into the item to 90 kHz ticks.
func PTSFromOffset(offset time.Duration) int64 {
	if offset <= 0 {
		return 0
	}
	secs := int64(offset / time.Second)
	frac := int64(offset % time.Second)
	return secs*ptsClock + frac*ptsClock/int64(time.Second)
}

// Adapter launches playout engine processes.
type Adapter struct {
	binary           string
	terminateTimeout time.Duration
	logger           *slog.Logger
}

// NewAdapter creates an adapter for the named engine binary (or path).
func NewAdapter(binary string, terminateTimeout time.Duration, logger *slog.Logger) *Adapter {
	if terminateTimeout <= 0 {
		terminateTimeout = DefaultTerminateTimeout
	}
	return &Adapter{
		binary:           binary,
		terminateTimeout: terminateTimeout,
		logger:           observability.WithComponent(logger, "playout"),
	}
}

// Args returns the engine's fixed command line arguments for a channel.
func Args(channelID string) []string {
	return []string{"--channel-id", channelID, "--mode", ModeLive, "--request-stdin"}
}

// Launch spawns the engine, writes req to its stdin and closes stdin. The
// write is bounded by the terminate timeout; an engine that does not take
// the request in time is terminated.
func (a *Adapter) Launch(req Request) (*Handle, error) {
	path, err := util.FindBinary(a.binary, EnvBinary)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBinaryNotFound, err)
	}
	if req.Mode == "" {
		req.Mode = ModeLive
	}

	logger := a.logger.With(slog.String("channel_id", req.ChannelID))

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: creating stdout pipe: %w", ErrLaunchFailed, err)
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("%w: creating stdin pipe: %w", ErrLaunchFailed, err)
	}

	cmd := exec.Command(path, Args(req.ChannelID)...)
	cmd.Stdin = inR
	cmd.Stdout = pw
	stderr := util.NewLineLogger(logger, "engine stderr", 100)
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		_ = inR.Close()
		_ = inW.Close()
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	_ = pw.Close()
	_ = inR.Close()

	h := &Handle{
		id:        ulid.Make().String(),
		channelID: req.ChannelID,
		cmd:       cmd,
		stdout:    pr,
		stderr:    stderr,
		startedAt: time.Now(),
		timeout:   a.terminateTimeout,
		logger:    logger,
		exited:    make(chan struct{}),
	}
	go h.reap()

	logger.Info("playout engine started",
		slog.String("handle_id", h.id),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("asset_path", req.AssetPath),
		slog.Int64("start_pts", req.StartPTS),
	)
	logger.Debug("playout request", slog.Any("metadata", req.Metadata))

	_ = inW.SetWriteDeadline(time.Now().Add(a.terminateTimeout))
	if err := writeRequest(inW, req); err != nil {
		_ = h.Stop()
		return nil, fmt.Errorf("%w: %w", ErrRequestWrite, err)
	}
	return h, nil
}

// writeRequest sends exactly one request and closes the stream as the
// end-of-request sentinel.
func writeRequest(w io.WriteCloser, req Request) error {
	encErr := json.NewEncoder(w).Encode(req)
	closeErr := w.Close()
	if encErr != nil {
		return encErr
	}
	return closeErr
}

// Handle is a running engine process. It is owned by one controller.
type Handle struct {
	id        string
	channelID string
	cmd       *exec.Cmd
	stdout    *os.File
	stderr    *util.LineLogger
	startedAt time.Time
	timeout   time.Duration
	logger    *slog.Logger

	exited  chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.waitErr = err
	close(h.exited)

	if err != nil {
		h.logger.Warn("playout engine exited",
			slog.String("handle_id", h.id),
			slog.Any("error", err),
			slog.String("last_stderr", h.stderr.Tail()),
		)
		return
	}
	h.logger.Debug("playout engine exited", slog.String("handle_id", h.id))
}

// ID returns the handle's unique id.
func (h *Handle) ID() string { return h.id }

// Kind identifies the source type.
func (h *Handle) Kind() string { return "engine" }

// PID returns the engine's process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// StartedAt returns when the engine was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Output is the engine's stdout.
func (h *Handle) Output() io.Reader { return h.stdout }

// Done is closed once the engine has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.exited }

// Err returns the exit error once the engine has exited.
func (h *Handle) Err() error {
	select {
	case <-h.exited:
		return h.waitErr
	default:
		return nil
	}
}

// StderrLines returns the most recent stderr lines.
func (h *Handle) StderrLines() []string { return h.stderr.Lines() }

// Stop terminates the engine: SIGTERM, bounded wait, SIGKILL, reap.
// Stopping an already stopped handle is a no-op.
func (h *Handle) Stop() error {
	h.stopOnce.Do(func() {
		forced, err := util.Terminate(h.cmd.Process, h.exited, h.timeout)
		_ = h.stdout.Close()
		h.stopErr = err
		h.logger.Info("playout engine terminated",
			slog.String("handle_id", h.id),
			slog.Bool("forced", forced),
		)
	})
	return h.stopErr
}
