package stream

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenLightCore/internal/devices"
	"github.com/KevinKickass/OpenLightCore/internal/storage"
	"go.uber.org/zap"
)

// loadState reads the persisted mode items and returns the mode to restore.
func (o *Orchestrator) loadState(ctx context.Context) (Mode, error) {
	restore := ModeOff

	var stored string
	ok, err := o.store.GetItem(ctx, itemDeviceMode, &stored)
	if err != nil {
		return ModeOff, err
	}
	if ok {
		if m, perr := ParseMode(stored); perr == nil {
			restore = m
		} else {
			o.logger.Warn("Ignoring stored mode", zap.String("mode", stored))
		}
	}

	var autoDisabled bool
	if _, err := o.store.GetItem(ctx, itemAutoDisabled, &autoDisabled); err != nil {
		return ModeOff, err
	}

	var previous string
	if _, err := o.store.GetItem(ctx, itemPreviousMode, &previous); err != nil {
		return ModeOff, err
	}
	prevMode, perr := ParseMode(previous)
	if perr != nil {
		prevMode = ModeOff
	}

	group := o.deviceGroup
	if _, err := o.store.GetItem(ctx, itemDeviceGroup, &group); err != nil {
		return ModeOff, err
	}

	o.stateMu.Lock()
	o.autoDisabled = autoDisabled
	o.previousMode = prevMode
	o.deviceGroup = group
	o.stateMu.Unlock()

	return restore, nil
}

// importSeed inserts seed descriptors whose ids are not stored yet.
func (o *Orchestrator) importSeed(ctx context.Context) error {
	if o.seedFile == "" {
		return nil
	}

	if o.validator == nil {
		v, err := devices.NewValidator()
		if err != nil {
			return err
		}
		o.validator = v
	}

	descs, errs, err := devices.LoadSeedFile(o.seedFile, o.validator)
	if err != nil {
		return err
	}
	for _, e := range errs {
		o.logger.Warn("Skipping invalid seed entry", zap.Error(e))
	}

	imported := 0
	for _, d := range descs {
		_, exists, err := o.store.GetDeviceByID(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("failed to check seed device %s: %w", d.ID, err)
		}
		if exists {
			continue
		}
		if err := o.store.Upsert(ctx, d.Vendor.Collection(), d); err != nil {
			return fmt.Errorf("failed to import seed device %s: %w", d.ID, err)
		}
		imported++
	}

	o.logger.Info("Seed file imported",
		zap.String("path", o.seedFile),
		zap.Int("entries", len(descs)),
		zap.Int("imported", imported))
	return nil
}

// loadRegistry builds one session per stored descriptor.
func (o *Orchestrator) loadRegistry(ctx context.Context) (int, error) {
	descs, err := storage.LoadAll(ctx, o.store)
	if err != nil {
		return 0, fmt.Errorf("failed to load devices: %w", err)
	}

	for _, d := range descs {
		if err := d.Validate(); err != nil {
			o.logger.Warn("Skipping invalid stored device",
				zap.String("device_id", d.ID),
				zap.Error(err))
			continue
		}
		if err := o.registry.Add(o.newSession(d)); err != nil {
			o.logger.Warn("Skipping stored device", zap.Error(err))
		}
	}

	return o.registry.Len(), nil
}
