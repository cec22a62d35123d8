package devices

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/KevinKickass/OpenLightCore/internal/types"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Devices []map[string]interface{} `yaml:"devices"`
}

// LoadSeedFile reads a YAML list of descriptors and validates each entry.
// Invalid entries are returned in errs and skipped.
func LoadSeedFile(path string, v *Validator) (descriptors []types.Descriptor, errs []error, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data, v)
}

// ParseSeed is LoadSeedFile on an in-memory document.
func ParseSeed(data []byte, v *Validator) ([]types.Descriptor, []error, error) {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	var (
		out  []types.Descriptor
		errs []error
		seen = make(map[string]bool)
	)

	for i, entry := range seed.Devices {
		raw, err := json.Marshal(entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}

		d, err := v.DecodeDescriptor(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("entry %d: %w: %s", i, ErrDuplicateID, d.ID))
			continue
		}
		seen[d.ID] = true
		d.Streaming = false
		out = append(out, d)
	}

	return out, errs, nil
}
