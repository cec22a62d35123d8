package stream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/discovery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// transition moves the state machine to target. Entering an active mode from
// Off starts every enabled session, entering Off stops every streaming one.
// Moving between active modes only switches the sending producer.
func (o *Orchestrator) transition(ctx context.Context, target Mode, origin Origin) {
	prev := o.Mode()
	if prev == target {
		return
	}

	entering := !prev.Active() && target.Active()
	leaving := prev.Active() && !target.Active()

	if entering {
		o.startAll(ctx)
		o.streamStarted.Store(true)
	}
	if leaving {
		o.streamStarted.Store(false)
	}

	o.stateMu.Lock()
	o.mode = target
	o.stateMu.Unlock()

	o.selectProducer(target)

	if leaving {
		o.stopAll(ctx)
	}

	o.logger.Info("Mode changed",
		zap.String("mode", string(target)),
		zap.String("previous", string(prev)),
		zap.String("origin", string(origin)))

	o.notifier.ModeChanged(target, prev, origin)
}

func (o *Orchestrator) selectProducer(mode Mode) {
	for m, p := range o.producers {
		p.SetSending(m == mode)
	}
}

// startAll opens every enabled session in parallel. Unreachable devices are
// logged by their session and do not hold up the others.
func (o *Orchestrator) startAll(ctx context.Context) {
	sessions := o.registry.Enabled()

	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.StartSession(ctx); err != nil {
				failed.Add(1)
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Warn("Some devices failed to start",
			zap.Int("failed", int(failed.Load())),
			zap.Int("enabled", len(sessions)),
			zap.Error(err))
		return
	}
	o.logger.Debug("Sessions started", zap.Int("count", len(sessions)))
}

func (o *Orchestrator) stopAll(ctx context.Context) {
	sessions := o.registry.Streaming()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			s.StopSession(ctx)
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Debug("Sessions stopped", zap.Int("count", len(sessions)))
}

// setMode handles an explicit request. It clears the auto-disabled flag so
// the watchdog never overrides what the user chose afterwards.
func (o *Orchestrator) setMode(ctx context.Context, mode Mode) error {
	o.stateMu.Lock()
	wasAuto := o.autoDisabled
	o.autoDisabled = false
	o.stateMu.Unlock()

	if wasAuto {
		o.persist(ctx, itemAutoDisabled, false)
	}
	o.signalLostAt = time.Time{}

	o.transition(ctx, mode, OriginUser)
	o.persist(ctx, itemDeviceMode, mode)
	return nil
}

// controlTick is the periodic control loop body.
func (o *Orchestrator) controlTick(ctx context.Context) {
	o.checkWatchdog(ctx)

	if o.announcer != nil {
		actx, cancel := context.WithTimeout(ctx, announceTimeout)
		if err := o.announcer.Announce(actx); err != nil {
			o.logger.Debug("Heartbeat broadcast failed", zap.Error(err))
		}
		cancel()
	}

	for _, addr := range o.roster.Tick() {
		o.logger.Info("Subscriber expired", zap.String("address", addr))
	}
}

// checkWatchdog turns Video off when the source signal is gone for longer
// than the threshold, and brings the prior mode back once it returns. It
// drives transition directly, never through setMode.
func (o *Orchestrator) checkWatchdog(ctx context.Context) {
	if o.signal == nil {
		return
	}

	o.stateMu.RLock()
	mode, auto, previous := o.mode, o.autoDisabled, o.previousMode
	o.stateMu.RUnlock()

	if o.signal.SourceActive() {
		o.signalLostAt = time.Time{}
		if !auto {
			return
		}

		restore := previous
		if !restore.Active() {
			restore = ModeVideo
		}
		o.logger.Info("Source signal back, restoring mode", zap.String("mode", string(restore)))

		o.stateMu.Lock()
		o.autoDisabled = false
		o.stateMu.Unlock()

		o.transition(ctx, restore, OriginWatchdog)
		o.persist(ctx, itemAutoDisabled, false)
		o.persist(ctx, itemDeviceMode, restore)
		return
	}

	if auto || mode != ModeVideo {
		o.signalLostAt = time.Time{}
		return
	}

	now := o.now()
	if o.signalLostAt.IsZero() {
		o.signalLostAt = now
		return
	}
	lost := now.Sub(o.signalLostAt)
	if lost < o.cfg.WatchdogThreshold {
		return
	}

	o.logger.Info("No source signal, auto-disabling stream", zap.Duration("lost_for", lost))

	o.stateMu.Lock()
	o.autoDisabled = true
	o.previousMode = mode
	o.stateMu.Unlock()
	o.signalLostAt = time.Time{}

	o.transition(ctx, ModeOff, OriginWatchdog)
	o.persist(ctx, itemAutoDisabled, true)
	o.persist(ctx, itemPreviousMode, mode)
	o.persist(ctx, itemDeviceMode, ModeOff)
}

func (o *Orchestrator) startRefresh(ctx context.Context) {
	known := o.registry.Descriptors()
	if len(known) == 0 {
		return
	}

	err := o.engine.RefreshAsync(ctx, known, func(res discovery.Result) {
		o.post(command{kind: cmdApplyDiscovery, result: res})
	})
	if err != nil {
		o.logger.Debug("Skipping device refresh", zap.Error(err))
	}
}
