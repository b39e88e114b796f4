package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotReaped is returned when a process did not exit even after SIGKILL.
var ErrNotReaped = errors.New("process did not exit after kill")

// killGrace bounds the wait for a killed process to be reaped.
const killGrace = 5 * time.Second

// Terminate asks proc to exit with SIGTERM and escalates to SIGKILL when
// exited is not closed within timeout. exited must be closed by whoever
// calls Wait on the process. forced reports whether SIGKILL was needed.
func Terminate(proc *os.Process, exited <-chan struct{}, timeout time.Duration) (forced bool, err error) {
	select {
	case <-exited:
		return false, nil
	default:
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		// Signal delivery failed; fall through to kill.
		timeout = 0
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-exited:
		return false, nil
	case <-timer.C:
	}

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return true, err
	}

	select {
	case <-exited:
		return true, nil
	case <-time.After(killGrace):
		return true, ErrNotReaped
	}
}

// ProcessStats is a point-in-time resource sample for a child process.
type ProcessStats struct {
	PID           int     `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSSMB   float64 `json:"memory_rss_mb"`
	MemoryPercent float32 `json:"memory_percent"`
	NumThreads    int32   `json:"num_threads"`
}

// SampleProcess reads CPU and memory usage for pid.
func SampleProcess(ctx context.Context, pid int) (ProcessStats, error) {
	stats := ProcessStats{PID: pid}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return stats, err
	}

	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.MemoryRSSMB = float64(mem.RSS) / 1024 / 1024
	}
	if pct, err := proc.MemoryPercentWithContext(ctx); err == nil {
		stats.MemoryPercent = pct
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		stats.NumThreads = n
	}
	return stats, nil
}

// LineLogger is an io.Writer that relays complete lines from a child
// process into slog at debug level and keeps the most recent lines for
// failure reports.
type LineLogger struct {
	logger *slog.Logger
	msg    string
	keep   int

	mu    sync.Mutex
	buf   []byte
	lines []string
}

// NewLineLogger creates a LineLogger that keeps the last keep lines.
func NewLineLogger(logger *slog.Logger, msg string, keep int) *LineLogger {
	if keep <= 0 {
		keep = 100
	}
	return &LineLogger{
		logger: logger,
		msg:    msg,
		keep:   keep,
		lines:  make([]string, 0, keep),
	}
}

func (w *LineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf[:idx], "\r"))
		w.buf = w.buf[idx+1:]
		if line == "" {
			continue
		}
		w.record(line)
	}
	return len(p), nil
}

// must hold w.mu
func (w *LineLogger) record(line string) {
	if len(w.lines) >= w.keep {
		w.lines = w.lines[1:]
	}
	w.lines = append(w.lines, line)
	w.logger.Debug(w.msg, slog.String("line", line))
}

// Lines returns a copy of the retained lines, oldest first.
func (w *LineLogger) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.lines))
	copy(out, w.lines)
	return out
}

// Tail returns the last retained line, or "".
func (w *LineLogger) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.lines) == 0 {
		return ""
	}
	return w.lines[len(w.lines)-1]
}
