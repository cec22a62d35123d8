package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/types"
)

// HTTPDoer abstracts http.Client.Do for testing.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPTransport drives fixtures with a local JSON API: GET /state is captured
// on Open and written back on Restore, colours go to PUT /colors.
type HTTPTransport struct {
	baseURL string
	token   string
	client  HTTPDoer

	mu    sync.Mutex
	saved json.RawMessage
}

func NewHTTPTransport(baseURL string, creds map[string]string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   creds["key"],
		client:  http.DefaultClient,
	}
}

// WithClient swaps the HTTP backend.
func (t *HTTPTransport) WithClient(c HTTPDoer) *HTTPTransport {
	t.client = c
	return t
}

type colorsRequest struct {
	Colors []string `json:"colors"`
	FadeMS int      `json:"fade_ms"`
}

func (t *HTTPTransport) Open(ctx context.Context) error {
	var state json.RawMessage
	if err := t.do(ctx, http.MethodGet, "/state", nil, &state); err != nil {
		return err
	}

	t.mu.Lock()
	t.saved = state
	t.mu.Unlock()

	return t.do(ctx, http.MethodPut, "/state", map[string]bool{"on": true}, nil)
}

func (t *HTTPTransport) Push(ctx context.Context, colors []types.RGB, fade time.Duration) error {
	req := colorsRequest{Colors: make([]string, len(colors)), FadeMS: int(fade.Milliseconds())}
	for i, c := range colors {
		req.Colors[i] = c.Hex()
	}
	return t.do(ctx, http.MethodPut, "/colors", req, nil)
}

func (t *HTTPTransport) Restore(ctx context.Context) error {
	t.mu.Lock()
	saved := t.saved
	t.mu.Unlock()

	if saved == nil {
		return nil
	}
	return t.do(ctx, http.MethodPut, "/state", saved, nil)
}

func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	t.saved = nil
	t.mu.Unlock()
	return nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
