// Package stream captures frames from a source at a fixed interval, shrinks
// them and hands them out as encoded FramePackets.
package stream

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/wailbentafat/device-relay/config"
	"github.com/wailbentafat/device-relay/logger"
	"github.com/wailbentafat/device-relay/protocol"
)

var log = logger.WithComponent("stream")

// FrameSource yields the most recent frame. ok is false when nothing new is
// available since the previous call.
type FrameSource interface {
	Frame() (img image.Image, ok bool, err error)
}

// EmitFunc receives every encoded frame.
type EmitFunc func(protocol.FramePacket) error

// Pipeline is a cancellable periodic capture task. Start and Stop are the
// only controls and both are idempotent.
type Pipeline struct {
	Interval time.Duration
	MaxEdge  int
	Quality  int

	deviceID string
	source   FrameSource
	emit     EmitFunc
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	seq    uint64
}

func NewPipeline(cfg config.StreamConfig, deviceID string, source FrameSource, emit EmitFunc) *Pipeline {
	return &Pipeline{
		Interval: cfg.Interval,
		MaxEdge:  cfg.MaxEdge,
		Quality:  cfg.Quality,
		deviceID: deviceID,
		source:   source,
		emit:     emit,
		now:      time.Now,
	}
}

// Start begins capturing. It reports false when the pipeline was already
// running.
func (p *Pipeline) Start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.cancel = cancel
	p.done = done
	p.seq = 0

	go p.run(ctx, done)

	log.Info().Str("device_id", p.deviceID).Dur("interval", p.Interval).Msg("Frame pipeline started")

	return true
}

// Stop cancels capturing and waits for the capture goroutine to exit. It
// reports false when the pipeline was not running.
func (p *Pipeline) Stop() bool {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return false
	}

	cancel()
	<-done

	log.Info().Str("device_id", p.deviceID).Msg("Frame pipeline stopped")

	return true
}

func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cancel != nil
}

func (p *Pipeline) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := p.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.captureOnce(ctx)
		}
	}
}

// captureOnce grabs one frame and emits it. Ticks without a new frame are
// skipped and do not consume a sequence number.
func (p *Pipeline) captureOnce(ctx context.Context) bool {
	img, ok, err := p.source.Frame()
	if err != nil {
		log.Debug().Err(err).Str("device_id", p.deviceID).Msg("Frame source error, skipping tick")
		return false
	}
	if !ok || img == nil {
		return false
	}

	data, w, h, err := Encode(img, p.MaxEdge, p.Quality)
	if err != nil {
		log.Warn().Err(err).Str("device_id", p.deviceID).Msg("Frame encode failed, skipping tick")
		return false
	}

	if ctx.Err() != nil {
		return false
	}

	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	packet := protocol.FramePacket{
		DeviceID:    p.deviceID,
		Image:       data,
		FrameNumber: seq,
		Width:       w,
		Height:      h,
		Timestamp:   protocol.Millis(p.now()),
	}

	if err := p.emit(packet); err != nil {
		log.Debug().Err(err).Uint64("frame", seq).Msg("Frame emit failed")
	}

	return true
}
