package stream

import (
	"github.com/KevinKickass/OpenLightCore/internal/devices"
	"github.com/KevinKickass/OpenLightCore/internal/discovery"
	"github.com/KevinKickass/OpenLightCore/internal/heartbeat"
	"github.com/KevinKickass/OpenLightCore/internal/types"
)

// Notifier receives orchestrator events. Calls come from the loop goroutine
// and must not block.
type Notifier interface {
	ModeChanged(mode, previous Mode, origin Origin)
	DeviceChanged(d types.Descriptor)
	DiscoveryCompleted(res discovery.Result)
}

type nopNotifier struct{}

func (nopNotifier) ModeChanged(Mode, Mode, Origin) {}
func (nopNotifier) DeviceChanged(types.Descriptor) {}
func (nopNotifier) DiscoveryCompleted(discovery.Result) {}

// Status is a point-in-time snapshot of the orchestrator.
type Status struct {
	Mode             Mode                    `json:"mode"`
	PreviousMode     Mode                    `json:"previous_mode,omitempty"`
	StreamStarted    bool                    `json:"stream_started"`
	AutoDisabled     bool                    `json:"auto_disabled"`
	DeviceGroup      int                     `json:"device_group"`
	Scanning         bool                    `json:"scanning"`
	FramesDispatched uint64                  `json:"frames_dispatched"`
	Devices          []devices.SessionStatus `json:"devices"`
	Subscribers      []heartbeat.Entry       `json:"subscribers"`
}

func (o *Orchestrator) Status() Status {
	o.stateMu.RLock()
	st := Status{
		Mode:         o.mode,
		PreviousMode: o.previousMode,
		AutoDisabled: o.autoDisabled,
		DeviceGroup:  o.deviceGroup,
	}
	o.stateMu.RUnlock()

	st.StreamStarted = o.streamStarted.Load()
	st.Scanning = o.Scanning()
	st.FramesDispatched = o.dispatched.Load()
	st.Subscribers = o.roster.Snapshot()

	sessions := o.registry.List()
	st.Devices = make([]devices.SessionStatus, len(sessions))
	for i, s := range sessions {
		st.Devices[i] = s.Status()
	}
	return st
}
