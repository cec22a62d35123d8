package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RGB is one 8-bit colour triple.
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Black is the all-off colour.
var Black = RGB{}

// Scale returns the colour with every channel multiplied by percent/100.
func (c RGB) Scale(percent int) RGB {
	if percent >= 100 {
		return c
	}
	if percent <= 0 {
		return Black
	}
	return RGB{
		R: uint8(int(c.R) * percent / 100),
		G: uint8(int(c.G) * percent / 100),
		B: uint8(int(c.B) * percent / 100),
	}
}

// Hex formats the colour as #rrggbb.
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// ParseHex parses #rrggbb or rrggbb.
func ParseHex(s string) (RGB, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return RGB{}, fmt.Errorf("invalid colour %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return RGB{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}

// Frame is one display tick worth of colours. Frames are shared read-only
// between all adapters of a tick and must not be mutated after dispatch.
type Frame struct {
	PixelColors      []RGB `json:"pixel_colors"`
	SectorColors     []RGB `json:"sector_colors"`
	FadeMilliseconds int   `json:"fade_ms"`
}

// Fade returns the transition time, clamping negative values to zero.
func (f Frame) Fade() time.Duration {
	if f.FadeMilliseconds <= 0 {
		return 0
	}
	return time.Duration(f.FadeMilliseconds) * time.Millisecond
}

// NewSolidFrame fills pixels and sectors with one colour.
func NewSolidFrame(c RGB, pixels, sectors int) Frame {
	f := Frame{
		PixelColors:  make([]RGB, pixels),
		SectorColors: make([]RGB, sectors),
	}
	for i := range f.PixelColors {
		f.PixelColors[i] = c
	}
	for i := range f.SectorColors {
		f.SectorColors[i] = c
	}
	return f
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
