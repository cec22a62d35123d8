package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/config"
	"github.com/KevinKickass/OpenLightCore/internal/storage"
	"github.com/KevinKickass/OpenLightCore/internal/types"
	"go.uber.org/zap"
)

// flashHold is how long an identification colour stays on the fixture.
const flashHold = time.Second

type SessionConfig struct {
	SectorCount      int
	LEDCount         int
	ConnectTimeout   time.Duration
	SendTimeout      time.Duration
	StopGrace        time.Duration
	FailureThreshold int
}

func SessionConfigFrom(c config.StreamConfig) SessionConfig {
	return SessionConfig{
		SectorCount:      c.SectorCount,
		LEDCount:         c.LEDCount,
		ConnectTimeout:   c.ConnectTimeout,
		SendTimeout:      c.SendTimeout,
		StopGrace:        c.StopGrace,
		FailureThreshold: c.FailureThreshold,
	}
}

// FaultFunc receives the descriptor of a session that disabled itself after
// consecutive send failures. It runs on its own goroutine.
type FaultFunc func(d types.Descriptor)

// DescriptorSource is the slice of the store a session reloads from.
type DescriptorSource interface {
	GetDeviceByID(ctx context.Context, id string) (types.Descriptor, bool, error)
}

// Session binds one descriptor to its live transport. Frames are handed to a
// per-session send loop through a single-slot mailbox so SendFrame never blocks.
type Session struct {
	cfg     SessionConfig
	factory TransportFactory
	logger  *zap.Logger
	onFault FaultFunc

	flashFor time.Duration

	// serializes start, stop, reload and flash
	opMu sync.Mutex

	mu          sync.Mutex
	desc        types.Descriptor
	transport   Transport
	slot        *frameSlot
	cancel      context.CancelFunc
	done        chan struct{}
	failures    int
	flashing    bool
	unreachable bool
	opens       int
}

func NewSession(d types.Descriptor, cfg SessionConfig, factory TransportFactory, logger *zap.Logger) *Session {
	if factory == nil {
		factory = NewTransport
	}
	d = d.Clone()
	d.Streaming = false

	return &Session{
		cfg:      cfg,
		factory:  factory,
		desc:     d,
		flashFor: flashHold,
		logger: logger.With(
			zap.String("device_id", d.ID),
			zap.String("vendor", string(d.Vendor))),
	}
}

// OnFault registers the auto-disable callback. Call before the first start.
func (s *Session) OnFault(fn FaultFunc) {
	s.mu.Lock()
	s.onFault = fn
	s.mu.Unlock()
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc.ID
}

func (s *Session) Descriptor() types.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc.Clone()
}

func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc.Streaming
}

func (s *Session) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc.Enabled
}

// StartSession opens the transport and starts the send loop. It is a no-op
// when already streaming or when the device is disabled. An Open that does
// not finish within the connect timeout yields ErrUnreachable.
func (s *Session) StartSession(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(ctx)
}

// StopSession cancels the send loop, restores the device best-effort and
// closes the transport. Failures are logged, never returned.
func (s *Session) StopSession(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stop(ctx)
}

// SendFrame queues frame for this device. It never blocks on I/O.
func (s *Session) SendFrame(frame *types.Frame) {
	if frame == nil {
		return
	}

	s.mu.Lock()
	if !s.desc.Enabled || !s.desc.Streaming || s.slot == nil {
		s.mu.Unlock()
		return
	}

	pixelMode := s.desc.Vendor.PixelMode()
	if !pixelMode && !s.desc.SectorInRange(s.cfg.SectorCount) {
		s.mu.Unlock()
		return
	}

	p := &pending{
		frame:      frame,
		brightness: s.desc.BrightnessScale,
		sector:     s.desc.TargetSector,
		pixelMode:  pixelMode,
	}
	slot := s.slot
	s.mu.Unlock()

	slot.publish(p)
}

// ReloadConfiguration re-reads the persisted descriptor and applies it.
func (s *Session) ReloadConfiguration(ctx context.Context, src DescriptorSource) error {
	id := s.ID()

	fresh, ok, err := src.GetDeviceByID(ctx, id)
	if err != nil {
		return fmt.Errorf("reload %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("reload %s: %w", id, storage.ErrNotFound)
	}

	return s.Apply(ctx, fresh)
}

// Apply replaces the mutable descriptor fields. An active session is only
// restarted when address or credentials changed, and stopped when disabled.
func (s *Session) Apply(ctx context.Context, fresh types.Descriptor) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	old := s.desc
	fresh = fresh.Clone()
	fresh.ID = old.ID
	fresh.Streaming = old.Streaming
	if fresh.LastSeen.Before(old.LastSeen) {
		fresh.LastSeen = old.LastSeen
	}
	s.desc = fresh
	// Enabled and Streaming change together so status never shows a
	// disabled device streaming.
	var detached *running
	if !fresh.Enabled {
		detached = s.detachLocked()
	}
	s.mu.Unlock()

	if !old.Streaming {
		return nil
	}

	switch {
	case detached != nil:
		s.logger.Info("Device disabled, stopping session")
		s.teardown(ctx, detached)
	case old.SessionKey() != fresh.SessionKey():
		s.logger.Info("Session parameters changed, restarting",
			zap.String("address", fresh.NetworkAddress))
		s.stop(ctx)
		return s.start(ctx)
	}
	return nil
}

// Flash shows color briefly for identification, whether or not a session is active.
func (s *Session) Flash(ctx context.Context, color types.RGB) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	t := s.transport
	d := s.desc.Clone()
	s.flashing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.flashing = false
		s.mu.Unlock()
	}()

	colors := s.flashColors(d, color)
	if t != nil {
		if err := s.push(ctx, t, colors, 0); err != nil {
			return err
		}
		return hold(ctx, s.flashFor)
	}

	t, err := s.factory(d)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := s.open(ctx, t); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, d.ID, err)
	}
	if err := s.push(ctx, t, colors, 0); err != nil {
		return err
	}
	if err := hold(ctx, s.flashFor); err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGrace)
	defer cancel()
	return t.Restore(rctx)
}

// flashColors fills the whole strip for pixel-mode devices.
func (s *Session) flashColors(d types.Descriptor, color types.RGB) []types.RGB {
	if !d.Vendor.PixelMode() || s.cfg.LEDCount < 1 {
		return []types.RGB{color}
	}
	return types.NewSolidFrame(color, s.cfg.LEDCount, 0).PixelColors
}

// SessionStatus is a point-in-time view for status reporting.
type SessionStatus struct {
	types.Descriptor
	Failures    int    `json:"failures"`
	Dropped     uint64 `json:"dropped_frames"`
	Unreachable bool   `json:"unreachable"`
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SessionStatus{
		Descriptor:  s.desc.Clone(),
		Failures:    s.failures,
		Unreachable: s.unreachable,
	}
	if s.slot != nil {
		st.Dropped = s.slot.dropped()
	}
	return st
}

// Opens counts successful transport opens, for diagnostics.
func (s *Session) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	if s.desc.Streaming || !s.desc.Enabled {
		s.mu.Unlock()
		return nil
	}
	d := s.desc.Clone()
	s.mu.Unlock()

	t, err := s.factory(d)
	if err != nil {
		return err
	}

	if err := s.open(ctx, t); err != nil {
		s.mu.Lock()
		s.unreachable = true
		s.mu.Unlock()

		s.logger.Warn("Device unreachable",
			zap.String("address", d.NetworkAddress),
			zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, d.ID, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	slot := newFrameSlot()
	done := make(chan struct{})

	s.mu.Lock()
	s.desc.Streaming = true
	s.desc.LastSeen = time.Now().UTC()
	s.transport = t
	s.slot = slot
	s.cancel = cancel
	s.done = done
	s.failures = 0
	s.unreachable = false
	s.opens++
	s.mu.Unlock()

	go s.sendLoop(loopCtx, t, slot, done)

	s.logger.Info("Session started", zap.String("address", d.NetworkAddress))
	return nil
}

func (s *Session) stop(ctx context.Context) {
	s.mu.Lock()
	r := s.detachLocked()
	s.mu.Unlock()
	if r != nil {
		s.teardown(ctx, r)
	}
}

// running holds what a live session owns once detached from the descriptor.
type running struct {
	transport Transport
	slot      *frameSlot
	cancel    context.CancelFunc
	done      chan struct{}
}

// detachLocked clears Streaming and takes the live resources. Callers hold s.mu.
func (s *Session) detachLocked() *running {
	if !s.desc.Streaming {
		return nil
	}
	r := &running{transport: s.transport, slot: s.slot, cancel: s.cancel, done: s.done}
	s.desc.Streaming = false
	s.transport = nil
	s.slot = nil
	s.cancel = nil
	s.done = nil
	return r
}

func (s *Session) teardown(ctx context.Context, r *running) {
	t, slot, cancel, done := r.transport, r.slot, r.cancel, r.done
	slot.close()
	cancel()

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		s.logger.Warn("Send loop did not exit within grace period")
	case <-ctx.Done():
	}

	rctx, rcancel := context.WithTimeout(context.Background(), s.cfg.StopGrace)
	defer rcancel()

	if err := t.Restore(rctx); err != nil {
		s.logger.Warn("Failed to restore device state", zap.Error(err))
	}
	if err := t.Close(); err != nil {
		s.logger.Debug("Failed to close transport", zap.Error(err))
	}

	s.logger.Info("Session stopped")
}

// open bounds t.Open by the connect timeout even if the transport ignores ctx.
func (s *Session) open(ctx context.Context, t Transport) error {
	openCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- t.Open(openCtx) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Close()
		}
		return err
	case <-openCtx.Done():
		go func() {
			<-errCh
			t.Close()
		}()
		return openCtx.Err()
	}
}

func (s *Session) push(ctx context.Context, t Transport, colors []types.RGB, fade time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return t.Push(pctx, colors, fade)
}

func (s *Session) sendLoop(ctx context.Context, t Transport, slot *frameSlot, done chan struct{}) {
	defer close(done)

	for {
		p := slot.take()
		if p == nil {
			return
		}

		colors := render(p)
		if colors == nil || s.isFlashing() {
			continue
		}

		if err := s.push(ctx, t, colors, p.frame.Fade()); err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.recordFailure(err) {
				s.faultStop(t, slot)
				return
			}
			continue
		}

		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()
	}
}

// recordFailure reports whether the failure threshold was reached. On
// reaching it the session state is torn down under the lock.
func (s *Session) recordFailure(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	s.logger.Debug("Frame send failed",
		zap.Int("consecutive_failures", s.failures),
		zap.Error(err))

	if s.failures < s.cfg.FailureThreshold {
		return false
	}

	s.desc.Enabled = false
	s.desc.Streaming = false
	if s.cancel != nil {
		s.cancel()
	}
	s.transport = nil
	s.slot = nil
	s.cancel = nil
	s.done = nil
	return true
}

func (s *Session) faultStop(t Transport, slot *frameSlot) {
	slot.close()

	rctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGrace)
	defer cancel()
	_ = t.Restore(rctx)
	_ = t.Close()

	s.mu.Lock()
	snapshot := s.desc.Clone()
	failures := s.failures
	onFault := s.onFault
	s.mu.Unlock()

	s.logger.Warn("Device disabled after consecutive send failures",
		zap.Int("failures", failures))

	if onFault != nil {
		go onFault(snapshot)
	}
}

func (s *Session) isFlashing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flashing
}

func render(p *pending) []types.RGB {
	if p.pixelMode {
		out := make([]types.RGB, len(p.frame.PixelColors))
		for i, c := range p.frame.PixelColors {
			out[i] = c.Scale(p.brightness)
		}
		return out
	}
	if p.sector < 0 || p.sector >= len(p.frame.SectorColors) {
		return nil
	}
	return []types.RGB{p.frame.SectorColors[p.sector].Scale(p.brightness)}
}

func hold(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
