package devices

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/types"
)

var (
	ErrDuplicateID       = errors.New("device id already registered")
	ErrUnreachable       = errors.New("device unreachable")
	ErrUnsupportedVendor = errors.New("unsupported vendor")
)

// Transport is the vendor wire layer one Session drives. Implementations
// must be safe for Push and Restore to be called from different goroutines.
type Transport interface {
	// Open connects and captures whatever is needed to restore the device later.
	Open(ctx context.Context) error
	// Push writes one colour payload. A single colour addresses the whole fixture.
	Push(ctx context.Context, colors []types.RGB, fade time.Duration) error
	// Restore puts the device back into its pre-session state.
	Restore(ctx context.Context) error
	Close() error
}

// TransportFactory builds the transport for a descriptor.
type TransportFactory func(d types.Descriptor) (Transport, error)

// NewTransport dispatches on the closed vendor set.
func NewTransport(d types.Descriptor) (Transport, error) {
	addr := hostPort(d)

	switch d.Vendor {
	case types.VendorUDPBulb:
		return newUDPTransport(addr, udpBulbCodec{}), nil
	case types.VendorBroadcast:
		return newUDPTransport(addr, broadcastCodec{group: groupOf(d)}), nil
	case types.VendorStrip:
		return newUDPTransport(addr, stripCodec{}), nil
	case types.VendorBridge:
		return NewHTTPTransport(bridgeBaseURL(addr, d.Credentials), d.Credentials), nil
	case types.VendorPanel:
		return NewHTTPTransport(panelBaseURL(addr, d.Credentials), d.Credentials), nil
	case types.VendorGenericHTTP:
		return NewHTTPTransport("http://"+addr, d.Credentials), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVendor, d.Vendor)
	}
}

// DefaultPort is used when a descriptor carries no port.
func DefaultPort(v types.Vendor) int {
	switch v {
	case types.VendorUDPBulb:
		return 56700
	case types.VendorBroadcast:
		return 8888
	case types.VendorStrip:
		return 21324
	case types.VendorPanel:
		return 16021
	case types.VendorBridge, types.VendorGenericHTTP:
		return 80
	default:
		return 0
	}
}

func hostPort(d types.Descriptor) string {
	port := d.Port
	if port == 0 {
		port = DefaultPort(d.Vendor)
	}
	return net.JoinHostPort(d.NetworkAddress, strconv.Itoa(port))
}

// groupOf reads the device group a broadcast-style device reported.
func groupOf(d types.Descriptor) uint8 {
	g, err := strconv.Atoi(d.Capabilities["group"])
	if err != nil || g < 0 || g > 255 {
		return 0
	}
	return uint8(g)
}

func bridgeBaseURL(addr string, creds map[string]string) string {
	return fmt.Sprintf("http://%s/api/%s", addr, creds["username"])
}

func panelBaseURL(addr string, creds map[string]string) string {
	return fmt.Sprintf("http://%s/api/v1/%s", addr, creds["token"])
}
