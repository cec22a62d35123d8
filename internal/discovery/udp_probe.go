package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/config"
	"github.com/KevinKickass/OpenLightCore/internal/devices"
	"github.com/KevinKickass/OpenLightCore/internal/heartbeat"
	"github.com/KevinKickass/OpenLightCore/internal/types"
)

// replyParser turns one datagram into a raw descriptor.
type replyParser func(payload []byte, from string) (types.Descriptor, bool)

// UDPProbe broadcasts a request and collects replies until its timeout.
// query is evaluated once per scan so request and parser agree.
type UDPProbe struct {
	vendor     types.Vendor
	listenAddr string
	target     string
	query      func() ([]byte, replyParser)
}

func (p *UDPProbe) Vendor() types.Vendor {
	return p.vendor
}

const (
	bulbQuery = 0x01
	bulbReply = 0x81
)

// NewBulbProbe finds UDP bulbs: they answer 'L' 0x01 with 'L' 0x81 <id>.
func NewBulbProbe(broadcastAddr string) *UDPProbe {
	port := devices.DefaultPort(types.VendorUDPBulb)
	return &UDPProbe{
		vendor:     types.VendorUDPBulb,
		listenAddr: ":0",
		target:     net.JoinHostPort(broadcastAddr, strconv.Itoa(port)),
		query: func() ([]byte, replyParser) {
			return []byte{'L', bulbQuery}, parseBulbReply
		},
	}
}

func parseBulbReply(b []byte, from string) (types.Descriptor, bool) {
	if len(b) < 3 || b[0] != 'L' || b[1] != bulbReply {
		return types.Descriptor{}, false
	}
	id := strings.TrimSpace(string(b[2:]))
	if id == "" {
		return types.Descriptor{}, false
	}
	return types.NewDescriptor(id, types.VendorUDPBulb, from), true
}

// NewBroadcastProbe finds broadcast-style devices of the current device
// group, read from group at the start of every scan. They answer the
// heartbeat discover message with a register message whose payload, if
// any, is the device name. Identity is the sender address.
func NewBroadcastProbe(cfg config.BroadcastConfig, group func() uint8) *UDPProbe {
	if group == nil {
		fixed := uint8(cfg.Group)
		group = func() uint8 { return fixed }
	}
	return &UDPProbe{
		vendor:     types.VendorBroadcast,
		listenAddr: ":0",
		target:     net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		query: func() ([]byte, replyParser) {
			g := group()
			request := heartbeat.Message{Type: heartbeat.MsgDiscover, Group: g}.Encode()
			return request, func(b []byte, from string) (types.Descriptor, bool) {
				msg, err := heartbeat.Decode(b)
				if err != nil || msg.Type != heartbeat.MsgRegister || msg.Group != g {
					return types.Descriptor{}, false
				}
				d := types.NewDescriptor(from, types.VendorBroadcast, from)
				d.Name = strings.TrimSpace(string(msg.Payload))
				d.Capabilities = map[string]string{"group": strconv.Itoa(int(g))}
				return d, true
			}
		},
	}
}

func (p *UDPProbe) Discover(ctx context.Context, timeout time.Duration) ([]types.Descriptor, error) {
	conn, err := net.ListenPacket("udp4", p.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()

	target, err := net.ResolveUDPAddr("udp4", p.target)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", p.target, err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	// unblock ReadFrom on cancellation
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	request, parse := p.query()
	if _, err := conn.WriteTo(request, target); err != nil {
		return nil, fmt.Errorf("send query: %w", err)
	}

	seen := make(map[string]bool)
	var found []types.Descriptor
	buf := make([]byte, 1500)

	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return found, nil
			}
			return found, fmt.Errorf("read: %w", err)
		}

		host, _, _ := net.SplitHostPort(from.String())
		d, ok := parse(buf[:n], host)
		if !ok || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		d.LastSeen = time.Now().UTC()
		found = append(found, d)
	}
}
