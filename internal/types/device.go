package types

import (
	"fmt"
	"strings"
	"time"
)

// Vendor identifies the protocol family a fixture speaks.
type Vendor string

const (
	VendorBridge      Vendor = "bridge"
	VendorUDPBulb     Vendor = "udp_bulb"
	VendorPanel       Vendor = "panel"
	VendorBroadcast   Vendor = "broadcast"
	VendorStrip       Vendor = "strip"
	VendorGenericHTTP Vendor = "generic_http"
)

// AllVendors lists every supported protocol family in a stable order.
var AllVendors = []Vendor{
	VendorBridge,
	VendorUDPBulb,
	VendorPanel,
	VendorBroadcast,
	VendorStrip,
	VendorGenericHTTP,
}

// ParseVendor converts a tag into a Vendor.
func ParseVendor(tag string) (Vendor, error) {
	v := Vendor(strings.ToLower(strings.TrimSpace(tag)))
	if !v.Valid() {
		return "", fmt.Errorf("unknown vendor tag: %q", tag)
	}
	return v, nil
}

// Valid reports whether v is one of the known vendor families.
func (v Vendor) Valid() bool {
	switch v {
	case VendorBridge, VendorUDPBulb, VendorPanel, VendorBroadcast, VendorStrip, VendorGenericHTTP:
		return true
	default:
		return false
	}
}

// Collection is the persistence collection holding descriptors of this vendor.
func (v Vendor) Collection() string {
	return "dev_" + string(v)
}

// PixelMode reports whether the vendor consumes the full pixel array instead of one sector.
func (v Vendor) PixelMode() bool {
	return v == VendorStrip
}

// SupportsRefresh reports whether a known device of this vendor can be re-queried directly.
func (v Vendor) SupportsRefresh() bool {
	switch v {
	case VendorBridge, VendorPanel, VendorGenericHTTP, VendorStrip:
		return true
	case VendorUDPBulb, VendorBroadcast:
		return false
	default:
		return false
	}
}

// SupportsHotStart reports whether a freshly added device may be started while streaming.
func (v Vendor) SupportsHotStart() bool {
	switch v {
	case VendorBridge:
		// Bridges need an entertainment group selected before a session can open.
		return false
	case VendorUDPBulb, VendorPanel, VendorBroadcast, VendorStrip, VendorGenericHTTP:
		return true
	default:
		return false
	}
}

const (
	// UnassignedSector marks a descriptor without a sector mapping.
	UnassignedSector = -1

	// DefaultBrightness is applied to newly discovered devices.
	DefaultBrightness = 100
)

// Descriptor is the uniform record every fixture is reduced to.
type Descriptor struct {
	ID     string `json:"id" yaml:"id"`
	Vendor Vendor `json:"vendor" yaml:"vendor"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`

	// Network-derived
	NetworkAddress string            `json:"network_address" yaml:"network_address"`
	Port           int               `json:"port,omitempty" yaml:"port,omitempty"`
	LastSeen       time.Time         `json:"last_seen" yaml:"last_seen,omitempty"`
	Capabilities   map[string]string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// User-assigned
	Enabled         bool `json:"enabled" yaml:"enabled"`
	BrightnessScale int  `json:"brightness_scale" yaml:"brightness_scale"`
	TargetSector    int  `json:"target_sector" yaml:"target_sector"`

	// Protocol credentials (bridge username/key, panel token)
	Credentials map[string]string `json:"credentials,omitempty" yaml:"credentials,omitempty"`

	// Runtime only, never trusted from storage
	Streaming bool `json:"streaming" yaml:"-"`
}

// NewDescriptor returns a descriptor with discovery defaults applied.
func NewDescriptor(id string, vendor Vendor, address string) Descriptor {
	return Descriptor{
		ID:              id,
		Vendor:          vendor,
		NetworkAddress:  address,
		BrightnessScale: DefaultBrightness,
		TargetSector:    UnassignedSector,
	}
}

// Validate checks the fields every operation relies on.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("descriptor has empty id")
	}
	if !d.Vendor.Valid() {
		return fmt.Errorf("descriptor %s: unknown vendor %q", d.ID, d.Vendor)
	}
	if strings.TrimSpace(d.NetworkAddress) == "" {
		return fmt.Errorf("descriptor %s: empty network address", d.ID)
	}
	if d.BrightnessScale < 0 || d.BrightnessScale > 100 {
		return fmt.Errorf("descriptor %s: brightness %d out of range 0-100", d.ID, d.BrightnessScale)
	}
	if d.Streaming && !d.Enabled {
		return fmt.Errorf("descriptor %s: streaming while disabled", d.ID)
	}
	return nil
}

// SectorInRange reports whether TargetSector addresses one of sectorCount zones.
func (d Descriptor) SectorInRange(sectorCount int) bool {
	return d.TargetSector >= 0 && d.TargetSector < sectorCount
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Capabilities = cloneMap(d.Capabilities)
	out.Credentials = cloneMap(d.Credentials)
	return out
}

// SessionKey identifies the parameters that require a session restart when changed.
func (d Descriptor) SessionKey() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%d", d.Vendor, d.NetworkAddress, d.Port)
	for _, k := range sortedKeys(d.Credentials) {
		fmt.Fprintf(&b, "|%s=%s", k, d.Credentials[k])
	}
	return b.String()
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
