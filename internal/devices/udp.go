package devices

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/heartbeat"
	"github.com/KevinKickass/OpenLightCore/internal/types"
)

// udpCodec encodes one vendor's datagrams.
type udpCodec interface {
	Hello() []byte
	Colors(colors []types.RGB, fade time.Duration) []byte
	Restore() []byte
}

// UDPTransport is a connected datagram socket with per-write deadlines.
type UDPTransport struct {
	address   string
	codec     udpCodec
	conn      net.Conn
	mu        sync.Mutex
	connected bool
}

func newUDPTransport(address string, codec udpCodec) *UDPTransport {
	return &UDPTransport{
		address: address,
		codec:   codec,
	}
}

// Open dials the device and sends the codec's hello datagram.
func (t *UDPTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", t.address)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	t.conn = conn
	t.connected = true

	if hello := t.codec.Hello(); hello != nil {
		if err := t.writeLocked(ctx, hello); err != nil {
			t.conn.Close()
			t.conn = nil
			t.connected = false
			return err
		}
	}

	return nil
}

func (t *UDPTransport) Push(ctx context.Context, colors []types.RGB, fade time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return fmt.Errorf("not connected")
	}
	return t.writeLocked(ctx, t.codec.Colors(colors, fade))
}

func (t *UDPTransport) Restore(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}
	return t.writeLocked(ctx, t.codec.Restore())
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}

	err := t.conn.Close()
	t.connected = false
	t.conn = nil

	return err
}

func (t *UDPTransport) writeLocked(ctx context.Context, payload []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	t.conn.SetWriteDeadline(deadline)

	if _, err := t.conn.Write(payload); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// udpBulbCodec: 'L' | op | fade(2) | r g b
type udpBulbCodec struct{}

const (
	bulbOpHello   = 0x01
	bulbOpColor   = 0x02
	bulbOpRestore = 0x03
)

func (udpBulbCodec) Hello() []byte { return []byte{'L', bulbOpHello} }

func (udpBulbCodec) Colors(colors []types.RGB, fade time.Duration) []byte {
	c := types.Black
	if len(colors) > 0 {
		c = colors[0]
	}
	buf := []byte{'L', bulbOpColor, 0, 0, c.R, c.G, c.B}
	binary.BigEndian.PutUint16(buf[2:4], clampUint16(fade.Milliseconds()))
	return buf
}

func (udpBulbCodec) Restore() []byte { return []byte{'L', bulbOpRestore} }

// broadcastCodec frames colours in the subscriber heartbeat protocol.
type broadcastCodec struct {
	group uint8
}

func (broadcastCodec) Hello() []byte { return nil }

func (c broadcastCodec) Colors(colors []types.RGB, _ time.Duration) []byte {
	payload := make([]byte, 0, 3*len(colors))
	for _, rgb := range colors {
		payload = append(payload, rgb.R, rgb.G, rgb.B)
	}
	return heartbeat.Message{Type: heartbeat.MsgColors, Group: c.group, Payload: payload}.Encode()
}

func (c broadcastCodec) Restore() []byte {
	return heartbeat.Message{Type: heartbeat.MsgRelease, Group: c.group}.Encode()
}

// stripCodec speaks the DRGB realtime layout: protocol | timeout | rgb...
type stripCodec struct{}

const (
	stripProtoDRGB    = 0x02
	stripTimeoutSecs  = 2
	stripReleaseValue = 0x00
)

func (stripCodec) Hello() []byte { return nil }

func (stripCodec) Colors(colors []types.RGB, _ time.Duration) []byte {
	buf := make([]byte, 0, 2+3*len(colors))
	buf = append(buf, stripProtoDRGB, stripTimeoutSecs)
	for _, c := range colors {
		buf = append(buf, c.R, c.G, c.B)
	}
	return buf
}

// A zero timeout hands control back to the strip's own effect immediately.
func (stripCodec) Restore() []byte { return []byte{stripProtoDRGB, stripReleaseValue} }

func clampUint16(v int64) uint16 {
	switch {
	case v < 0:
		return 0
	case v > 0xFFFF:
		return 0xFFFF
	default:
		return uint16(v)
	}
}
