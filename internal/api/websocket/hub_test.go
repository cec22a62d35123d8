package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/auth"
	"github.com/KevinKickass/OpenLightCore/internal/config"
	"github.com/KevinKickass/OpenLightCore/internal/discovery"
	"github.com/KevinKickass/OpenLightCore/internal/stream"
	"github.com/KevinKickass/OpenLightCore/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type wsPeer struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []Message
}

// next returns the next message, splitting frames the hub coalesced.
func (p *wsPeer) next() Message {
	p.t.Helper()
	for len(p.pending) == 0 {
		require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := p.conn.ReadMessage()
		require.NoError(p.t, err)
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			var msg Message
			require.NoError(p.t, json.Unmarshal(line, &msg))
			p.pending = append(p.pending, msg)
		}
	}
	msg := p.pending[0]
	p.pending = p.pending[1:]
	return msg
}

func newTestHub(t *testing.T, authEnabled bool) (*Hub, *auth.AuthService, string) {
	t.Helper()
	svc := auth.NewAuthService(config.AuthConfig{Enabled: authEnabled, TokenTTL: time.Hour})
	hub := NewHub(zaptest.NewLogger(t), svc)
	hub.SetStatusProvider(func() any { return map[string]string{"mode": "off"} })

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer waitCancel()
		require.NoError(t, hub.Wait(waitCtx), "hub and client pumps must exit before the test ends")
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)

	return hub, svc, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *wsPeer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func TestHubBroadcastsWithoutAuth(t *testing.T) {
	hub, _, url := newTestHub(t, false)
	peer := dial(t, url)

	assert.Equal(t, MessageTypeStatus, peer.next().Type)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.ModeChanged(stream.ModeVideo, stream.ModeOff, stream.OriginUser)
	msg := peer.next()
	assert.Equal(t, MessageTypeModeChanged, msg.Type)
	data := msg.Data.(map[string]any)
	assert.Equal(t, "video", data["mode"])
	assert.Equal(t, "off", data["previous_mode"])
	assert.Equal(t, "user", data["origin"])
}

func TestHubStripsCredentials(t *testing.T) {
	hub, _, url := newTestHub(t, false)
	peer := dial(t, url)
	peer.next()
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	d := types.NewDescriptor("bridge-1", types.VendorBridge, "10.0.0.5")
	d.Credentials = map[string]string{"username": "secret"}
	hub.DeviceChanged(d)

	msg := peer.next()
	assert.Equal(t, MessageTypeDeviceChanged, msg.Type)
	data := msg.Data.(map[string]any)
	assert.Equal(t, "bridge-1", data["id"])
	assert.NotContains(t, data, "credentials")
	assert.Equal(t, "secret", d.Credentials["username"])
}

func TestHubDiscoveryMessage(t *testing.T) {
	res := discovery.Result{
		ScanID:      uuid.New(),
		Descriptors: []types.Descriptor{types.NewDescriptor("a", types.VendorUDPBulb, "10.0.0.9")},
		Counts:      map[types.Vendor]int{types.VendorUDPBulb: 1},
		Failed:      []types.Vendor{types.VendorBridge},
	}
	msg := NewDiscoveryMessage(res)
	data := msg.Data.(DiscoveryData)
	assert.Equal(t, 1, data.Found)
	assert.Equal(t, []string{"bridge"}, data.Failed)
	assert.Nil(t, data.TimedOut)
	assert.Equal(t, 1, data.Counts["udp_bulb"])
}

func TestHubRequiresAuthMessage(t *testing.T) {
	hub, _, url := newTestHub(t, true)
	peer := dial(t, url)

	require.NoError(t, peer.conn.WriteJSON(map[string]string{"type": "status"}))
	assert.Equal(t, MessageTypeAuthFailed, peer.next().Type)

	_, _, err := peer.conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.GetClientCount())
}

func TestHubRejectsBadToken(t *testing.T) {
	_, _, url := newTestHub(t, true)
	peer := dial(t, url)

	require.NoError(t, peer.conn.WriteJSON(map[string]string{"type": "auth", "token": "bogus"}))
	assert.Equal(t, MessageTypeAuthFailed, peer.next().Type)
}

func TestHubAcceptsToken(t *testing.T) {
	hub, svc, url := newTestHub(t, true)
	token, err := svc.IssueToken("panel", "viewer")
	require.NoError(t, err)

	peer := dial(t, url)
	require.NoError(t, peer.conn.WriteJSON(map[string]string{"type": "auth", "token": token}))

	assert.Equal(t, MessageTypeAuthSuccess, peer.next().Type)
	assert.Equal(t, MessageTypeStatus, peer.next().Type)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, peer.conn.WriteJSON(map[string]string{"type": "status"}))
	assert.Equal(t, MessageTypeStatus, peer.next().Type)
}

func TestHubWaitCoversClientPumps(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer srv.Close()

	peer := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	assert.ErrorIs(t, hub.Wait(waitCtx), context.DeadlineExceeded, "hub still running")

	cancel()
	require.NoError(t, hub.Wait(context.Background()))
	assert.Equal(t, 0, hub.GetClientCount())

	require.NoError(t, peer.conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := peer.conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived), "hub closes the connection: %v", err)
}
