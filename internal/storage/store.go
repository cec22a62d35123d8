package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenLightCore/internal/types"
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = errors.New("storage: not found")

// Store is the key/collection persistence collaborator. Descriptors are keyed
// by id alone; the collection is an attribute of the row.
type Store interface {
	// GetItem decodes the JSON value stored under key into out.
	// It reports false when the key is absent.
	GetItem(ctx context.Context, key string, out any) (bool, error)
	SetItem(ctx context.Context, key string, value any) error

	// GetCollection returns descriptors in insertion order.
	GetCollection(ctx context.Context, collection string) ([]types.Descriptor, error)
	Upsert(ctx context.Context, collection string, d types.Descriptor) error
	GetDeviceByID(ctx context.Context, id string) (types.Descriptor, bool, error)

	Close()
}

// LoadAll reads every vendor collection.
func LoadAll(ctx context.Context, s Store) ([]types.Descriptor, error) {
	var out []types.Descriptor
	for _, v := range types.AllVendors {
		items, err := s.GetCollection(ctx, v.Collection())
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

// RequireDevice is GetDeviceByID with ErrNotFound for a missing id.
func RequireDevice(ctx context.Context, s Store, id string) (types.Descriptor, error) {
	d, ok, err := s.GetDeviceByID(ctx, id)
	if err != nil {
		return types.Descriptor{}, err
	}
	if !ok {
		return types.Descriptor{}, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return d, nil
}

// sanitize drops runtime-only state before a descriptor is persisted or returned.
func sanitize(d types.Descriptor) types.Descriptor {
	d = d.Clone()
	d.Streaming = false
	return d
}
