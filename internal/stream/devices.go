package stream

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenLightCore/internal/devices"
	"github.com/KevinKickass/OpenLightCore/internal/discovery"
	"github.com/KevinKickass/OpenLightCore/internal/storage"
	"github.com/KevinKickass/OpenLightCore/internal/types"
	"go.uber.org/zap"
)

// applyDescriptor persists d and applies it to the registry, adding a
// session for an unknown id. A device that just became enabled, or whose
// session parameters changed while it was not streaming, is started if the
// stream is running.
func (o *Orchestrator) applyDescriptor(ctx context.Context, d types.Descriptor) {
	o.upsert(ctx, d)

	s, known := o.registry.Get(d.ID)
	if !known {
		s = o.newSession(d)
		if err := o.registry.Add(s); err != nil {
			o.logger.Warn("Failed to add device", zap.Error(err))
			return
		}
		o.logger.Info("Device added",
			zap.String("device_id", d.ID),
			zap.String("vendor", string(d.Vendor)))
		o.ensureStarted(ctx, s, true)
		o.notifier.DeviceChanged(s.Descriptor())
		return
	}

	old := s.Descriptor()
	if err := s.Apply(ctx, d); err != nil {
		o.logger.Warn("Failed to apply device settings",
			zap.String("device_id", d.ID),
			zap.Error(err))
	}
	if !old.Enabled || old.SessionKey() != d.SessionKey() {
		o.ensureStarted(ctx, s, false)
	}
	o.notifier.DeviceChanged(s.Descriptor())
}

// ensureStarted opens s when the stream is running and s should be part of it.
func (o *Orchestrator) ensureStarted(ctx context.Context, s *devices.Session, added bool) {
	if !o.streamStarted.Load() || !s.Enabled() || s.Streaming() {
		return
	}

	d := s.Descriptor()
	if added && !d.Vendor.SupportsHotStart() {
		o.logger.Debug("Vendor does not support hot start",
			zap.String("device_id", d.ID),
			zap.String("vendor", string(d.Vendor)))
		return
	}

	if err := s.StartSession(ctx); err != nil {
		o.logger.Warn("Device did not start", zap.String("device_id", d.ID), zap.Error(err))
	}
}

func (o *Orchestrator) refreshDevice(ctx context.Context, id string) error {
	if id == HubID {
		return o.reloadGroup(ctx)
	}

	d, stored, err := o.store.GetDeviceByID(ctx, id)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", id, err)
	}
	s, live := o.registry.Get(id)

	switch {
	case !stored && !live:
		return fmt.Errorf("device %s: %w", id, storage.ErrNotFound)

	case !stored:
		s.StopSession(ctx)
		o.registry.Remove(id)
		o.logger.Info("Device removed", zap.String("device_id", id))
		return nil

	case !live:
		s = o.newSession(d)
		if err := o.registry.Add(s); err != nil {
			return err
		}
		o.logger.Info("Device added", zap.String("device_id", id))
		o.ensureStarted(ctx, s, true)

	default:
		s.StopSession(ctx)
		if err := s.Apply(ctx, d); err != nil {
			return err
		}
		o.ensureStarted(ctx, s, false)
	}

	o.notifier.DeviceChanged(s.Descriptor())
	return nil
}

func (o *Orchestrator) reloadDevice(ctx context.Context, id string) error {
	s, ok := o.registry.Get(id)
	if !ok {
		return o.refreshDevice(ctx, id)
	}

	old := s.Descriptor()
	if err := s.ReloadConfiguration(ctx, o.store); err != nil {
		return err
	}
	if !old.Enabled {
		o.ensureStarted(ctx, s, false)
	}

	o.notifier.DeviceChanged(s.Descriptor())
	return nil
}

// updateDevice applies a user-supplied descriptor. Network metadata the
// document leaves out is kept from the live descriptor.
func (o *Orchestrator) updateDevice(ctx context.Context, d types.Descriptor) error {
	if s, ok := o.registry.Get(d.ID); ok {
		cur := s.Descriptor()
		if d.Capabilities == nil {
			d.Capabilities = cur.Capabilities
		}
		if d.LastSeen.IsZero() {
			d.LastSeen = cur.LastSeen
		}
		if d.Credentials == nil {
			d.Credentials = cur.Credentials
		}
	}
	d.Streaming = false

	o.applyDescriptor(ctx, d)
	return nil
}

// applyDiscovery merges raw results field by field and applies them.
func (o *Orchestrator) applyDiscovery(ctx context.Context, res discovery.Result) {
	added := 0
	for _, raw := range res.Descriptors {
		var old types.Descriptor
		s, known := o.registry.Get(raw.ID)
		if known {
			old = s.Descriptor()
		} else {
			stored, ok, err := o.store.GetDeviceByID(ctx, raw.ID)
			if err != nil {
				o.logger.Warn("Failed to look up discovered device",
					zap.String("device_id", raw.ID),
					zap.Error(err))
			} else if ok {
				old, known = stored, true
			}
		}
		if !known {
			added++
		}

		o.applyDescriptor(ctx, discovery.Reconcile(old, known, raw))
	}

	o.logger.Info("Discovery results applied",
		zap.String("scan_id", res.ScanID.String()),
		zap.Bool("refresh", res.Refresh),
		zap.Int("found", res.Total()),
		zap.Int("new", added))

	o.notifier.DiscoveryCompleted(res)
}

func (o *Orchestrator) persistFault(ctx context.Context, d types.Descriptor) {
	o.logger.Warn("Device auto-disabled after send failures", zap.String("device_id", d.ID))
	o.upsert(ctx, d)
	o.notifier.DeviceChanged(d)
}

// registerSubscriber renews address on the roster. A first registration
// enables the matching broadcast device.
func (o *Orchestrator) registerSubscriber(ctx context.Context, address string) {
	if !o.roster.Register(address) {
		return
	}
	o.logger.Info("Subscriber added", zap.String("address", address))

	for _, s := range o.registry.List() {
		d := s.Descriptor()
		if d.Vendor != types.VendorBroadcast || d.Enabled {
			continue
		}
		if d.ID != address && d.NetworkAddress != address {
			continue
		}
		d.Enabled = true
		o.applyDescriptor(ctx, d)
	}
}

func (o *Orchestrator) flash(ctx context.Context, cmd command) {
	s, ok := o.registry.Get(cmd.id)
	if !ok {
		cmd.reply <- fmt.Errorf("device %s: %w", cmd.id, storage.ErrNotFound)
		return
	}

	go func() {
		err := s.Flash(ctx, cmd.color)
		if err != nil {
			o.logger.Warn("Flash failed", zap.String("device_id", cmd.id), zap.Error(err))
		}
		cmd.reply <- err
	}()
}

func (o *Orchestrator) setGroup(ctx context.Context, group int) error {
	o.stateMu.Lock()
	o.deviceGroup = group
	o.stateMu.Unlock()

	o.persist(ctx, itemDeviceGroup, group)
	if o.announcer != nil {
		o.announcer.SetGroup(uint8(group))
	}
	o.logger.Info("Device group changed", zap.Int("group", group))
	return nil
}

func (o *Orchestrator) reloadGroup(ctx context.Context) error {
	var group int
	ok, err := o.store.GetItem(ctx, itemDeviceGroup, &group)
	if err != nil {
		return fmt.Errorf("reload device group: %w", err)
	}
	if !ok {
		return nil
	}

	o.stateMu.Lock()
	o.deviceGroup = group
	o.stateMu.Unlock()

	if o.announcer != nil {
		o.announcer.SetGroup(uint8(group))
	}
	return nil
}
