package devices

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransportDispatch(t *testing.T) {
	for _, v := range types.AllVendors {
		tr, err := NewTransport(types.NewDescriptor("X", v, "127.0.0.1"))
		require.NoError(t, err, v)
		assert.NotNil(t, tr)
	}

	_, err := NewTransport(types.NewDescriptor("X", types.Vendor("lava_lamp"), "127.0.0.1"))
	assert.ErrorIs(t, err, ErrUnsupportedVendor)
}

func TestUDPTransportStripPacket(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	port := pc.LocalAddr().(*net.UDPAddr).Port
	d := types.NewDescriptor("S1", types.VendorStrip, "127.0.0.1")
	d.Port = port

	tr, err := NewTransport(d)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, tr.Open(ctx))
	defer tr.Close()

	require.NoError(t, tr.Push(ctx, []types.RGB{{R: 1, G: 2, B: 3}, {R: 4, G: 5, B: 6}}, 0))

	buf := make([]byte, 64)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{stripProtoDRGB, stripTimeoutSecs, 1, 2, 3, 4, 5, 6}, buf[:n])

	require.NoError(t, tr.Restore(ctx))
	n, _, err = pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{stripProtoDRGB, stripReleaseValue}, buf[:n])
}

func TestUDPTransportPushBeforeOpen(t *testing.T) {
	tr := newUDPTransport("127.0.0.1:9", udpBulbCodec{})
	err := tr.Push(context.Background(), []types.RGB{{R: 1}}, 0)
	assert.Error(t, err)
	assert.NoError(t, tr.Close())
}

func TestUDPBulbCodec(t *testing.T) {
	pkt := udpBulbCodec{}.Colors([]types.RGB{{R: 9, G: 8, B: 7}}, 300*time.Millisecond)
	assert.Equal(t, []byte{'L', bulbOpColor, 0x01, 0x2C, 9, 8, 7}, pkt)
	assert.Equal(t, uint16(0xFFFF), clampUint16(1<<20))
	assert.Equal(t, uint16(0), clampUint16(-5))
}

func TestHTTPTransportCapturesAndRestoresState(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []string
		bodies   = map[string]string{}
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, r.Method+" "+r.URL.Path)
		bodies[r.Method+" "+r.URL.Path] = string(body)
		mu.Unlock()

		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/state") {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"on":false,"color":"#112233"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	d := types.NewDescriptor("G1", types.VendorGenericHTTP, host)
	d.Port = port
	d.Credentials = map[string]string{"key": "secret"}

	tr, err := NewTransport(d)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, tr.Open(ctx))
	require.NoError(t, tr.Push(ctx, []types.RGB{{R: 255}}, 200*time.Millisecond))
	require.NoError(t, tr.Restore(ctx))
	require.NoError(t, tr.Close())

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{"GET /state", "PUT /state", "PUT /colors", "PUT /state"}, requests)

	var colors colorsRequest
	require.NoError(t, json.Unmarshal([]byte(bodies["PUT /colors"]), &colors))
	assert.Equal(t, []string{"#ff0000"}, colors.Colors)
	assert.Equal(t, 200, colors.FadeMS)
	assert.JSONEq(t, `{"on":false,"color":"#112233"}`, bodies["PUT /state"])
}

func TestHTTPTransportErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized user", http.StatusForbidden)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, nil)
	err := tr.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
