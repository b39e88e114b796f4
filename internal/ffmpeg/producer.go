package ffmpeg

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/asticode/go-astits"
	"github.com/oklog/ulid/v2"

	"github.com/slbailey/Retrovue-sub002/internal/observability"
)

var (
	// ErrRespawnFailed is the producer's terminal error when a crashed
	// encoder could not be restarted.
	ErrRespawnFailed = errors.New("producer respawn failed")
	// ErrProducerStopped is returned by Start after Stop.
	ErrProducerStopped = errors.New("producer stopped")
)

// A run at least this long resets the consecutive restart count.
const stableRunTime = 10 * time.Second

// Reference profile constants.
const (
	referencePreset     = "veryfast"
	referenceTune       = "zerolatency"
	referencePixFmt     = "yuv420p"
	referenceSampleRate = 48000
	referenceChannels   = 2
)

// ProducerConfig describes one producer run.
type ProducerConfig struct {
	Binary           string
	AssetPath        string
	Offset           time.Duration
	GOPSize          int
	VideoBitrate     string
	AudioBitrate     string
	RestartDelay     time.Duration
	MaxRestarts      int // 0 means unlimited
	TerminateTimeout time.Duration
	// ChunkPackets is the number of transport stream packets per output write.
	ChunkPackets int
}

// chunkSize returns the output write size, a whole number of packets.
func (cfg ProducerConfig) chunkSize() int {
	packets := cfg.ChunkPackets
	if packets <= 0 {
		packets = 1
	}
	return astits.MpegTsPacketSize * packets
}

// ReferenceCommand builds the fixed encoding profile: looped real-time
// input, constant GOP, yuv420p, 48 kHz stereo AAC, MPEG-TS on stdout.
func ReferenceCommand(cfg ProducerConfig) *Command {
	return NewCommandBuilder(cfg.Binary).
		HideBanner().
		NoStdin().
		Realtime().
		Loop().
		Seek(cfg.Offset).
		Input(cfg.AssetPath).
		Map("0:v:0", "0:a:0?").
		VideoCodec("libx264").
		VideoPreset(referencePreset, referenceTune).
		GOP(cfg.GOPSize).
		PixelFormat(referencePixFmt).
		VideoBitrate(cfg.VideoBitrate).
		AudioCodec("aac").
		AudioSampleRate(referenceSampleRate).
		AudioChannels(referenceChannels).
		AudioBitrate(cfg.AudioBitrate).
		MpegtsArgs().
		MuxDelay("0").
		Output("pipe:1").
		Build()
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithCommandFactory replaces the reference profile command.
func WithCommandFactory(f func() *Command) ProducerOption {
	return func(p *Producer) {
		p.newCommand = f
	}
}

// WithRestartHook registers a callback invoked before every respawn.
func WithRestartHook(f func(attempt int, exitErr error)) ProducerOption {
	return func(p *Producer) {
		p.onRestart = f
	}
}

// Producer runs an encoder that renders one asset as an endless
// transport stream, respawning it when it exits unexpectedly.
type Producer struct {
	id         string
	cfg        ProducerConfig
	logger     *slog.Logger
	newCommand func() *Command
	onRestart  func(int, error)

	pr *io.PipeReader
	pw *io.PipeWriter

	mu        sync.Mutex
	started   bool
	running   bool
	stopped   bool
	current   *Command
	startedAt time.Time
	restarts  int
	err       error
	stopping  chan struct{}
	done      chan struct{}
}

// NewProducer creates a producer. Nothing is spawned until Start.
func NewProducer(cfg ProducerConfig, logger *slog.Logger, opts ...ProducerOption) *Producer {
	pr, pw := io.Pipe()
	p := &Producer{
		id:       ulid.Make().String(),
		cfg:      cfg,
		pr:       pr,
		pw:       pw,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.newCommand == nil {
		p.newCommand = func() *Command { return ReferenceCommand(cfg) }
	}
	p.logger = observability.WithComponent(logger, "ffmpeg").With(
		slog.String("producer_id", p.id),
		slog.String("asset_path", cfg.AssetPath),
	)
	return p
}

// Start spawns the first encoder. A spawn failure is returned directly.
func (p *Producer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrProducerStopped
	}
	if p.started {
		return errors.New("producer already started")
	}

	cmd := p.newCommand()
	stdout, err := cmd.Start(p.logger)
	if err != nil {
		p.stopped = true
		p.err = err
		_ = p.pw.CloseWithError(err)
		close(p.done)
		return fmt.Errorf("starting encoder: %w", err)
	}

	p.started = true
	p.running = true
	p.current = cmd
	p.startedAt = time.Now()

	p.logger.Info("encoder started",
		slog.Int("pid", cmd.PID()),
		slog.Duration("offset", p.cfg.Offset),
	)
	p.logger.Debug("encoder command", slog.String("command", cmd.String()))

	go p.run(cmd, stdout)
	return nil
}

func (p *Producer) run(cmd *Command, stdout io.ReadCloser) {
	defer close(p.done)
	defer p.pw.Close()

	consecutive := 0
	for {
		dropped, copyErr := copyPackets(p.pw, stdout, p.cfg.chunkSize())
		_ = stdout.Close()
		if dropped > 0 {
			p.logger.Debug("dropped partial packet from encoder run", slog.Int("bytes", dropped))
		}

		if errors.Is(copyErr, io.ErrClosedPipe) {
			// Consumer is gone; nothing will read another respawn.
			_ = cmd.Terminate(p.cfg.TerminateTimeout)
		}
		exitErr := cmd.Wait()

		p.mu.Lock()
		if !p.running || errors.Is(copyErr, io.ErrClosedPipe) {
			p.running = false
			p.mu.Unlock()
			return
		}
		if cmd.Duration() >= stableRunTime {
			consecutive = 0
		}
		consecutive++
		if p.cfg.MaxRestarts > 0 && consecutive > p.cfg.MaxRestarts {
			p.failLocked(fmt.Errorf("giving up after %d consecutive restarts: %v", p.cfg.MaxRestarts, exitErr))
			p.mu.Unlock()
			return
		}
		p.restarts++
		p.mu.Unlock()

		p.logger.Warn("encoder exited, respawning",
			slog.Int("attempt", consecutive),
			slog.Duration("ran_for", cmd.Duration()),
			slog.Any("error", exitErr),
			slog.String("last_stderr", cmd.LastStderr()),
		)
		if p.onRestart != nil {
			p.onRestart(consecutive, exitErr)
		}

		if p.cfg.RestartDelay > 0 {
			timer := time.NewTimer(p.cfg.RestartDelay)
			select {
			case <-p.stopping:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		p.mu.Lock()
		if !p.running {
			p.mu.Unlock()
			return
		}
		next := p.newCommand()
		out, err := next.Start(p.logger)
		if err != nil {
			p.failLocked(err)
			p.mu.Unlock()
			return
		}
		p.current = next
		p.mu.Unlock()

		p.logger.Info("encoder respawned", slog.Int("pid", next.PID()))
		cmd, stdout = next, out
	}
}

// copyPackets copies src to dst in writes of whole transport stream
// packets, at most chunkSize bytes each. Bytes of a trailing partial packet
// are never written; their count is returned so each encoder run starts the
// output on a packet boundary.
func copyPackets(dst io.Writer, src io.Reader, chunkSize int) (int, error) {
	buf := make([]byte, chunkSize)
	carry := 0
	for {
		n, err := src.Read(buf[carry:])
		total := carry + n
		aligned := total - total%astits.MpegTsPacketSize
		if aligned > 0 {
			if _, werr := dst.Write(buf[:aligned]); werr != nil {
				return 0, werr
			}
			carry = copy(buf, buf[aligned:total])
		} else {
			carry = total
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return carry, err
		}
	}
}

// must hold p.mu
func (p *Producer) failLocked(cause error) {
	p.running = false
	p.err = fmt.Errorf("%w: %v", ErrRespawnFailed, cause)
	_ = p.pw.CloseWithError(p.err)
	p.logger.Error("encoder respawn failed, producer stopped", slog.Any("error", p.err))
}

// Stop terminates the encoder and closes the output stream. Stopping a
// stopped producer is a no-op.
func (p *Producer) Stop() error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.running = false
	close(p.stopping)
	cmd := p.current
	p.mu.Unlock()

	err := cmd.Terminate(p.cfg.TerminateTimeout)
	_ = p.pw.Close()
	<-p.done

	p.logger.Info("encoder stopped", slog.Int("restarts", p.Restarts()))
	return err
}

// ID returns the producer's unique id.
func (p *Producer) ID() string { return p.id }

// Kind identifies the source type.
func (p *Producer) Kind() string { return "producer" }

// Output is the continuous transport stream across respawns.
func (p *Producer) Output() io.Reader { return p.pr }

// Done is closed once the producer has stopped for good.
func (p *Producer) Done() <-chan struct{} { return p.done }

// PID returns the current encoder's process id.
func (p *Producer) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return 0
	}
	return p.current.PID()
}

// StartedAt returns when the first encoder was spawned.
func (p *Producer) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Running reports whether the producer still intends to produce output.
func (p *Producer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Restarts returns the total number of respawns.
func (p *Producer) Restarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

// Err returns the terminal error, if the producer failed.
func (p *Producer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
