package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/config"
	"go.uber.org/zap"
)

// Announcer broadcasts discover messages and listens for registrations on one socket.
type Announcer struct {
	conn   net.PacketConn
	target net.Addr
	group  atomic.Uint32
	logger *zap.Logger

	closeOnce sync.Once
}

// NewAnnouncerFromConfig listens on the broadcast port and targets address:port.
func NewAnnouncerFromConfig(cfg config.BroadcastConfig, logger *zap.Logger) (*Announcer, error) {
	listen := net.JoinHostPort("", strconv.Itoa(cfg.Port))
	target := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	return NewAnnouncer(listen, target, uint8(cfg.Group), logger)
}

func NewAnnouncer(listenAddr, targetAddr string, group uint8, logger *zap.Logger) (*Announcer, error) {
	target, err := net.ResolveUDPAddr("udp4", targetAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast target: %w", err)
	}

	conn, err := net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen for subscribers: %w", err)
	}

	a := &Announcer{
		conn:   conn,
		target: target,
		logger: logger,
	}
	a.group.Store(uint32(group))
	return a, nil
}

// SetGroup changes the device group carried by subsequent messages.
func (a *Announcer) SetGroup(group uint8) {
	a.group.Store(uint32(group))
}

func (a *Announcer) Group() uint8 {
	return uint8(a.group.Load())
}

// Announce sends one "who's listening" message.
func (a *Announcer) Announce(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	_ = a.conn.SetWriteDeadline(deadline)

	msg := Message{Type: MsgDiscover, Group: a.Group()}
	if _, err := a.conn.WriteTo(msg.Encode(), a.target); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}

// Listen reads registrations until ctx is cancelled, calling onRegister with
// the sender's IP for every register message of this group.
func (a *Announcer) Listen(ctx context.Context, onRegister func(address string)) error {
	go func() {
		<-ctx.Done()
		a.Close()
	}()

	buf := make([]byte, 512)
	for {
		n, from, err := a.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.logger.Warn("Heartbeat read failed", zap.Error(err))
			continue
		}

		msg, err := Decode(buf[:n])
		if err != nil {
			a.logger.Debug("Ignoring datagram", zap.String("from", from.String()), zap.Error(err))
			continue
		}
		if msg.Type != MsgRegister || msg.Group != a.Group() {
			continue
		}

		onRegister(hostOf(from))
	}
}

func (a *Announcer) LocalAddr() net.Addr {
	return a.conn.LocalAddr()
}

func (a *Announcer) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.conn.Close()
	})
	return err
}

func hostOf(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
