package websocket

import (
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/discovery"
	"github.com/KevinKickass/OpenLightCore/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Stream messages
	MessageTypeModeChanged MessageType = "mode_changed"
	MessageTypeStatus      MessageType = "status"

	// Device-related messages
	MessageTypeDeviceChanged MessageType = "device_changed"

	// Discovery messages
	MessageTypeDiscoveryCompleted MessageType = "discovery_completed"

	// Session messages
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ModeChangedData represents a mode transition
type ModeChangedData struct {
	Mode     string `json:"mode"`
	Previous string `json:"previous_mode"`
	Origin   string `json:"origin"`
}

// DiscoveryData summarises one scan or refresh
type DiscoveryData struct {
	ScanID   string         `json:"scan_id"`
	Refresh  bool           `json:"refresh"`
	Found    int            `json:"found"`
	Counts   map[string]int `json:"counts"`
	Failed   []string       `json:"failed,omitempty"`
	TimedOut []string       `json:"timed_out,omitempty"`
	Duration string         `json:"duration"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewModeChangedMessage(mode, previous, origin string) Message {
	return NewMessage(MessageTypeModeChanged, ModeChangedData{
		Mode:     mode,
		Previous: previous,
		Origin:   origin,
	})
}

func NewDeviceChangedMessage(d types.Descriptor) Message {
	d = d.Clone()
	// credentials never leave the hub
	d.Credentials = nil
	return NewMessage(MessageTypeDeviceChanged, d)
}

func NewDiscoveryMessage(res discovery.Result) Message {
	counts := make(map[string]int, len(res.Counts))
	for v, n := range res.Counts {
		counts[string(v)] = n
	}
	return NewMessage(MessageTypeDiscoveryCompleted, DiscoveryData{
		ScanID:   res.ScanID.String(),
		Refresh:  res.Refresh,
		Found:    res.Total(),
		Counts:   counts,
		Failed:   vendorNames(res.Failed),
		TimedOut: vendorNames(res.TimedOut),
		Duration: res.Duration.String(),
	})
}

func vendorNames(vs []types.Vendor) []string {
	if len(vs) == 0 {
		return nil
	}
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}
