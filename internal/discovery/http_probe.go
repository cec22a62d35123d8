package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/devices"
	"github.com/KevinKickass/OpenLightCore/internal/types"
)

// EndpointProbe asks a discovery endpoint for a JSON list of
// {"id", "internalipaddress", "port"} records.
type EndpointProbe struct {
	vendor types.Vendor
	url    string
	client devices.HTTPDoer
}

func NewEndpointProbe(vendor types.Vendor, url string, client devices.HTTPDoer) *EndpointProbe {
	if client == nil {
		client = http.DefaultClient
	}
	return &EndpointProbe{vendor: vendor, url: url, client: client}
}

func (p *EndpointProbe) Vendor() types.Vendor {
	return p.vendor
}

type endpointRecord struct {
	ID      string `json:"id"`
	Address string `json:"internalipaddress"`
	Port    int    `json:"port"`
}

func (p *EndpointProbe) Discover(ctx context.Context, timeout time.Duration) ([]types.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var records []endpointRecord
	if err := getJSON(ctx, p.client, p.url, &records); err != nil {
		return nil, err
	}

	out := make([]types.Descriptor, 0, len(records))
	for _, r := range records {
		if r.ID == "" || r.Address == "" {
			continue
		}
		d := types.NewDescriptor(strings.ToLower(r.ID), p.vendor, r.Address)
		d.Port = r.Port
		out = append(out, d)
	}
	return out, nil
}

// HTTPRefresher re-reads a known device's info document.
type HTTPRefresher struct {
	vendor types.Vendor
	path   string
	client devices.HTTPDoer
}

func NewHTTPRefresher(vendor types.Vendor, client devices.HTTPDoer) *HTTPRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRefresher{vendor: vendor, path: infoPath(vendor), client: client}
}

func (r *HTTPRefresher) Vendor() types.Vendor {
	return r.vendor
}

func (r *HTTPRefresher) Refresh(ctx context.Context, known types.Descriptor) (types.Descriptor, error) {
	url := "http://" + net.JoinHostPort(known.NetworkAddress, strconv.Itoa(infoPort(known))) + r.path

	var info map[string]any
	if err := getJSON(ctx, r.client, url, &info); err != nil {
		return types.Descriptor{}, err
	}

	fresh := types.NewDescriptor(known.ID, known.Vendor, known.NetworkAddress)
	fresh.Port = known.Port
	fresh.LastSeen = time.Now().UTC()
	fresh.Capabilities = make(map[string]string)
	for k, v := range info {
		switch val := v.(type) {
		case string:
			fresh.Capabilities[k] = val
		case float64, bool:
			fresh.Capabilities[k] = fmt.Sprint(val)
		}
	}
	if name, ok := info["name"].(string); ok {
		fresh.Name = name
	}
	return fresh, nil
}

// infoPort picks the HTTP port of the info document. A strip's descriptor
// port is its UDP realtime port, so its web server is always on 80.
func infoPort(d types.Descriptor) int {
	if d.Vendor == types.VendorStrip {
		return 80
	}
	if d.Port != 0 {
		return d.Port
	}
	return devices.DefaultPort(d.Vendor)
}

func infoPath(v types.Vendor) string {
	switch v {
	case types.VendorBridge:
		return "/api/config"
	case types.VendorPanel:
		return "/api/v1/"
	case types.VendorStrip:
		return "/json/info"
	default:
		return "/info"
	}
}

func getJSON(ctx context.Context, client devices.HTTPDoer, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
