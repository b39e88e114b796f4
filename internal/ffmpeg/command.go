package ffmpeg

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slbailey/Retrovue-sub002/internal/util"
)

// stderrLines is how many stderr lines a command keeps for failure reports.
const stderrLines = 100

// waitDelay bounds how long Wait blocks on stderr after the child exits.
const waitDelay = 2 * time.Second

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	outputArgs []string
	output     string
	logLevel   string
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// NoStdin stops ffmpeg from reading its input stream.
func (b *CommandBuilder) NoStdin() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-nostdin")
	return b
}

// Realtime reads the input at its native frame rate.
func (b *CommandBuilder) Realtime() *CommandBuilder {
	b.inputArgs = append(b.inputArgs, "-re")
	return b
}

// Loop repeats the input indefinitely.
func (b *CommandBuilder) Loop() *CommandBuilder {
	b.inputArgs = append(b.inputArgs, "-stream_loop", "-1")
	return b
}

// Seek starts reading the input at offset. Zero is a no-op.
func (b *CommandBuilder) Seek(offset time.Duration) *CommandBuilder {
	if offset > 0 {
		b.inputArgs = append(b.inputArgs, "-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64))
	}
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arbitrary input arguments.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Map selects input streams for the output.
func (b *CommandBuilder) Map(specs ...string) *CommandBuilder {
	for _, spec := range specs {
		b.outputArgs = append(b.outputArgs, "-map", spec)
	}
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// VideoPreset sets the encoding preset and tune.
func (b *CommandBuilder) VideoPreset(preset, tune string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-preset", preset)
	if tune != "" {
		b.outputArgs = append(b.outputArgs, "-tune", tune)
	}
	return b
}

// GOP pins a constant keyframe interval.
func (b *CommandBuilder) GOP(frames int) *CommandBuilder {
	n := strconv.Itoa(frames)
	b.outputArgs = append(b.outputArgs, "-g", n, "-keyint_min", n, "-sc_threshold", "0")
	return b
}

// PixelFormat sets the output pixel format.
func (b *CommandBuilder) PixelFormat(format string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-pix_fmt", format)
	return b
}

// VideoBitrate sets the video bitrate.
func (b *CommandBuilder) VideoBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:v", bitrate)
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// AudioSampleRate sets the audio sample rate.
func (b *CommandBuilder) AudioSampleRate(rate int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ar", strconv.Itoa(rate))
	return b
}

// AudioChannels sets the number of audio channels.
func (b *CommandBuilder) AudioChannels(channels int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ac", strconv.Itoa(channels))
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// MpegtsArgs selects the MPEG-TS muxer and repeats PAT/PMT so late joiners
// can start decoding.
func (b *CommandBuilder) MpegtsArgs() *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "mpegts",
		"-mpegts_flags", "+resend_headers",
	)
	return b
}

// MuxDelay sets the muxer delay for live streaming.
func (b *CommandBuilder) MuxDelay(delay string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-muxdelay", delay)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, b.globalArgs...)
	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary: b.binary,
		Args:   args,
		Input:  b.input,
		Output: b.output,
	}
}

// Command is a single ffmpeg invocation. A Command can be started once.
type Command struct {
	Binary string
	Args   []string
	Input  string
	Output string

	mu      sync.RWMutex
	cmd     *exec.Cmd
	started time.Time
	stderr  *util.LineLogger
	exited  chan struct{}
	waitErr error
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Start spawns the process and returns the read side of its stdout.
// Stderr is relayed to logger at debug level. The returned reader reaches
// EOF once the child and any of its descendants close stdout.
func (c *Command) Start(logger *slog.Logger) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil, errors.New("command already started")
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	cmd := exec.Command(c.Binary, c.Args...)
	cmd.Stdout = pw
	c.stderr = util.NewLineLogger(logger, "ffmpeg stderr", stderrLines)
	cmd.Stderr = c.stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	c.cmd = cmd
	c.started = time.Now()
	c.exited = make(chan struct{})

	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.waitErr = err
		c.mu.Unlock()
		close(c.exited)
	}()

	return pr, nil
}

// PID returns the child's process id, or 0 if not started.
func (c *Command) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (c *Command) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exited
}

// Wait blocks until the process has exited and returns its exit error.
func (c *Command) Wait() error {
	done := c.Done()
	if done == nil {
		return errors.New("command not started")
	}
	<-done
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.waitErr
}

// Terminate stops the process with SIGTERM, escalating to SIGKILL after
// timeout. Terminating an exited or never-started command is a no-op.
func (c *Command) Terminate(timeout time.Duration) error {
	c.mu.RLock()
	cmd, exited := c.cmd, c.exited
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_, err := util.Terminate(cmd.Process, exited, timeout)
	return err
}

// Duration returns how long the process has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// StderrLines returns the most recent stderr lines.
func (c *Command) StderrLines() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stderr == nil {
		return nil
	}
	return c.stderr.Lines()
}

// LastStderr returns the most recent stderr line, or "".
func (c *Command) LastStderr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stderr == nil {
		return ""
	}
	return c.stderr.Tail()
}
