package stream

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownMode = errors.New("unknown mode")

type Mode string

const (
	ModeOff     Mode = "off"
	ModeVideo   Mode = "video"
	ModeAudio   Mode = "audio"
	ModeAmbient Mode = "ambient"
)

// ParseMode accepts the mode names case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case ModeOff, ModeVideo, ModeAudio, ModeAmbient:
		return m, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownMode, s)
}

// Active reports whether the mode streams to devices.
func (m Mode) Active() bool {
	return m != ModeOff && m != ""
}

// Origin tells listeners who caused a mode change.
type Origin string

const (
	OriginUser     Origin = "user"
	OriginWatchdog Origin = "watchdog"
	OriginRestore  Origin = "restore"
)

// Keys of the persisted orchestrator items.
const (
	itemDeviceMode   = "deviceMode"
	itemAutoDisabled = "autoDisabled"
	itemPreviousMode = "previousMode"
	itemDeviceGroup  = "deviceGroup"
)

// HubID addresses the hub itself in device refresh requests.
const HubID = "hub"
