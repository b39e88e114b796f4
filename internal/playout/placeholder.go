package playout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/asticode/go-astits"
	"github.com/oklog/ulid/v2"

	"github.com/slbailey/Retrovue-sub002/internal/observability"
)

const (
	placeholderVideoPID = 256
	// PlaceholderInterval is the pacing of placeholder access units.
	PlaceholderInterval = 40 * time.Millisecond
	pesStreamIDVideo    = 0xe0
)

// accessUnitDelimiter is an H.264 AUD NAL unit: a valid, empty picture
// boundary that decoders skip.
var accessUnitDelimiter = []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xf0}

// Placeholder is a synthetic transport stream served when the real source
// cannot be launched. It carries PAT/PMT tables and empty video PES
// packets paced in real time.
type Placeholder struct {
	id        string
	channelID string
	startedAt time.Time
	interval  time.Duration
	logger    *slog.Logger

	pr     *io.PipeReader
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	err      error
}

// NewPlaceholder starts a placeholder stream for a channel.
func NewPlaceholder(channelID string, interval time.Duration, logger *slog.Logger) *Placeholder {
	if interval <= 0 {
		interval = PlaceholderInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	p := &Placeholder{
		id:        ulid.Make().String(),
		channelID: channelID,
		startedAt: time.Now(),
		interval:  interval,
		logger:    observability.WithComponent(logger, "placeholder").With(slog.String("channel_id", channelID)),
		pr:        pr,
		pw:        pw,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.run(ctx)
	p.logger.Warn("serving placeholder stream", slog.String("source_id", p.id))
	return p
}

func (p *Placeholder) run(ctx context.Context) {
	defer close(p.done)

	mx := astits.NewMuxer(ctx, p.pw)
	if err := mx.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: placeholderVideoPID,
		StreamType:    astits.StreamTypeH264Video,
	}); err != nil {
		p.finish(err)
		return
	}
	mx.SetPCRPID(placeholderVideoPID)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.writeFrame(mx); err != nil {
			p.finish(err)
			return
		}
		select {
		case <-ctx.Done():
			p.finish(nil)
			return
		case <-ticker.C:
		}
	}
}

func (p *Placeholder) writeFrame(mx *astits.Muxer) error {
	if _, err := mx.WriteTables(); err != nil {
		return err
	}
	base := PTSFromOffset(time.Since(p.startedAt))
	_, err := mx.WriteData(&astits.MuxerData{
		PID: placeholderVideoPID,
		AdaptationField: &astits.PacketAdaptationField{
			RandomAccessIndicator: true,
			HasPCR:                true,
			PCR:                   &astits.ClockReference{Base: base},
		},
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				StreamID: pesStreamIDVideo,
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             &astits.ClockReference{Base: base},
				},
			},
			Data: accessUnitDelimiter,
		},
	})
	return err
}

func (p *Placeholder) finish(err error) {
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, context.Canceled) {
		err = nil
	}
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	if err != nil {
		p.logger.Error("placeholder stream failed", slog.Any("error", err))
		_ = p.pw.CloseWithError(err)
		return
	}
	_ = p.pw.Close()
}

// ID returns the source's unique id.
func (p *Placeholder) ID() string { return p.id }

// Kind identifies the source type.
func (p *Placeholder) Kind() string { return "placeholder" }

// PID is always 0; the placeholder runs in-process.
func (p *Placeholder) PID() int { return 0 }

// StartedAt returns when the placeholder began.
func (p *Placeholder) StartedAt() time.Time { return p.startedAt }

// Output is the synthetic transport stream.
func (p *Placeholder) Output() io.Reader { return p.pr }

// Done is closed once the generator has stopped.
func (p *Placeholder) Done() <-chan struct{} { return p.done }

// Err returns the generator's terminal error, if any.
func (p *Placeholder) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop ends the stream. It is safe to call more than once.
func (p *Placeholder) Stop() error {
	p.stopOnce.Do(func() {
		p.cancel()
		_ = p.pw.Close()
		<-p.done
	})
	return nil
}
