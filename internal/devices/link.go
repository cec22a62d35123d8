package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/types"
)

// ErrLinkTimeout is returned when AwaitLink runs out of attempts.
var ErrLinkTimeout = errors.New("link not confirmed")

// LinkCheck asks the device whether pairing completed. It returns the
// credentials to persist once the user pressed the link button.
type LinkCheck func(ctx context.Context) (map[string]string, bool, error)

// AwaitLink polls check every interval until it succeeds, attempts run out
// or ctx is cancelled. progress, if set, receives the remaining attempt count.
func AwaitLink(ctx context.Context, check LinkCheck, interval time.Duration, attempts int, progress func(remaining int)) (map[string]string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for remaining := attempts; remaining > 0; remaining-- {
		creds, ok, err := check(ctx)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if ok {
			return creds, nil
		}
		if progress != nil {
			progress(remaining - 1)
		}
		if remaining == 1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrLinkTimeout, attempts)
}

const linkDeviceType = "openlightcore#hub"

// NewLinkCheck returns the pairing probe for d's vendor. Only bridge and
// panel fixtures pair; other vendors yield ErrUnsupportedVendor.
func NewLinkCheck(d types.Descriptor, client HTTPDoer) (LinkCheck, error) {
	if client == nil {
		client = http.DefaultClient
	}
	addr := hostPort(d)

	switch d.Vendor {
	case types.VendorBridge:
		return func(ctx context.Context) (map[string]string, bool, error) {
			return bridgeLink(ctx, client, "http://"+addr+"/api")
		}, nil
	case types.VendorPanel:
		return func(ctx context.Context) (map[string]string, bool, error) {
			return panelLink(ctx, client, "http://"+addr+"/api/v1/new")
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s cannot be linked", ErrUnsupportedVendor, d.Vendor)
	}
}

type bridgeLinkReply struct {
	Success *struct {
		Username  string `json:"username"`
		ClientKey string `json:"clientkey"`
	} `json:"success"`
	Error *struct {
		Type        int    `json:"type"`
		Description string `json:"description"`
	} `json:"error"`
}

// bridgeLinkButtonNotPressed is the bridge error type returned until the
// user presses the link button.
const bridgeLinkButtonNotPressed = 101

func bridgeLink(ctx context.Context, client HTTPDoer, url string) (map[string]string, bool, error) {
	body := map[string]any{"devicetype": linkDeviceType, "generateclientkey": true}
	var replies []bridgeLinkReply
	if _, err := postJSON(ctx, client, url, body, &replies); err != nil {
		return nil, false, err
	}

	for _, r := range replies {
		if r.Success != nil && r.Success.Username != "" {
			return map[string]string{"username": r.Success.Username, "key": r.Success.ClientKey}, true, nil
		}
		if r.Error != nil && r.Error.Type != bridgeLinkButtonNotPressed {
			return nil, false, fmt.Errorf("bridge link: %s", r.Error.Description)
		}
	}
	return nil, false, nil
}

func panelLink(ctx context.Context, client HTTPDoer, url string) (map[string]string, bool, error) {
	var reply struct {
		AuthToken string `json:"auth_token"`
	}
	status, err := postJSON(ctx, client, url, nil, &reply)
	if status == http.StatusForbidden {
		// not in pairing mode yet
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if reply.AuthToken == "" {
		return nil, false, nil
	}
	return map[string]string{"token": reply.AuthToken}, true, nil
}

func postJSON(ctx context.Context, client HTTPDoer, url string, body any, out any) (int, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode link reply: %w", err)
	}
	return resp.StatusCode, nil
}
