package system

import (
	"github.com/KevinKickass/OpenLightCore/internal/discovery"
	"github.com/KevinKickass/OpenLightCore/internal/stream"
	"github.com/KevinKickass/OpenLightCore/internal/types"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// StreamHealthService is the gRPC health service name tracking streamStarted.
const StreamHealthService = "openlightcore.stream"

// notifiers fans orchestrator events out to several listeners.
type notifiers []stream.Notifier

func (ns notifiers) ModeChanged(mode, previous stream.Mode, origin stream.Origin) {
	for _, n := range ns {
		n.ModeChanged(mode, previous, origin)
	}
}

func (ns notifiers) DeviceChanged(d types.Descriptor) {
	for _, n := range ns {
		n.DeviceChanged(d)
	}
}

func (ns notifiers) DiscoveryCompleted(res discovery.Result) {
	for _, n := range ns {
		n.DiscoveryCompleted(res)
	}
}

// healthNotifier mirrors the stream state into the gRPC health server.
type healthNotifier struct {
	server *health.Server
}

func streamServingStatus(active bool) healthpb.HealthCheckResponse_ServingStatus {
	if active {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func (h healthNotifier) ModeChanged(mode, _ stream.Mode, _ stream.Origin) {
	h.server.SetServingStatus(StreamHealthService, streamServingStatus(mode.Active()))
}

func (healthNotifier) DeviceChanged(types.Descriptor)      {}
func (healthNotifier) DiscoveryCompleted(discovery.Result) {}
