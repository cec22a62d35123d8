package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenLightCore/internal/stream"
	"github.com/KevinKickass/OpenLightCore/internal/types"
)

// StreamController is the slice of the orchestrator the control surface uses.
type StreamController interface {
	Status() stream.Status
	Mode() stream.Mode
	SetMode(ctx context.Context, mode stream.Mode) error
	Device(id string) (types.Descriptor, bool)
	UpdateDevice(ctx context.Context, d types.Descriptor) error
	RefreshDevice(ctx context.Context, id string) error
	Flash(ctx context.Context, id string, color types.RGB) error
	RequestScan() error
	Group() int
	SetGroup(ctx context.Context, group int) error
}

// SystemStatus represents the current system state
type SystemStatus struct {
	State        string `json:"state"`
	Mode         string `json:"mode"`
	DeviceCount  int    `json:"device_count"`
	Streaming    int    `json:"streaming_devices"`
	Subscribers  int    `json:"subscribers"`
	StorageReady bool   `json:"storage_ready"`
}

type LifecycleManager interface {
	Stream() StreamController
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
