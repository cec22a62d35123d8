package stream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/types"
)

// Producer computes frames for one mode. Frames are only emitted while
// sending is enabled; the orchestrator toggles it on mode changes.
type Producer interface {
	Initialize(ctx context.Context) error
	SetSending(on bool)
	Frames() <-chan *types.Frame
}

// SignalReporter is implemented by the video producer. The watchdog turns
// streaming off when no source signal is reported for too long.
type SignalReporter interface {
	SourceActive() bool
}

// AmbientProducer repeats one solid colour at a fixed cadence.
type AmbientProducer struct {
	color    atomic.Uint32
	pixels   int
	sectors  int
	interval time.Duration

	sending atomic.Bool
	frames  chan *types.Frame
}

func NewAmbientProducer(color types.RGB, pixels, sectors int, interval time.Duration) *AmbientProducer {
	p := &AmbientProducer{
		pixels:   pixels,
		sectors:  sectors,
		interval: interval,
		frames:   make(chan *types.Frame, 1),
	}
	p.SetColor(color)
	return p
}

func (p *AmbientProducer) SetColor(c types.RGB) {
	p.color.Store(uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B))
}

func (p *AmbientProducer) Color() types.RGB {
	v := p.color.Load()
	return types.RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}
}

// Initialize starts the frame ticker; it stops with ctx.
func (p *AmbientProducer) Initialize(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if p.sending.Load() {
					p.emit()
				}
			}
		}
	}()
	return nil
}

func (p *AmbientProducer) SetSending(on bool) {
	if on && !p.sending.Load() {
		p.sending.Store(true)
		// first frame right away instead of one interval later
		p.emit()
		return
	}
	p.sending.Store(on)
}

func (p *AmbientProducer) Frames() <-chan *types.Frame {
	return p.frames
}

func (p *AmbientProducer) emit() {
	f := types.NewSolidFrame(p.Color(), p.pixels, p.sectors)
	select {
	case p.frames <- &f:
	default:
	}
}
