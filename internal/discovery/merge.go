package discovery

import (
	"github.com/KevinKickass/OpenLightCore/internal/types"
)

// fieldOwner says which side of a merge a descriptor field comes from.
type fieldOwner int

const (
	ownerUser fieldOwner = iota
	ownerNetwork
	ownerUserIfSet
)

// mergeField copies one field from src into dst.
type mergeField struct {
	name  string
	owner fieldOwner
	copy  func(dst *types.Descriptor, src types.Descriptor)
	isSet func(d types.Descriptor) bool
}

// mergeTable lists every descriptor field with its owner. Adding a field to
// types.Descriptor without adding it here fails TestMergeTableCoversDescriptor.
var mergeTable = []mergeField{
	{name: "ID", owner: ownerUser, copy: func(dst *types.Descriptor, src types.Descriptor) { dst.ID = src.ID }},
	{name: "Vendor", owner: ownerNetwork, copy: func(dst *types.Descriptor, src types.Descriptor) { dst.Vendor = src.Vendor }},
	{name: "Name", owner: ownerUserIfSet,
		copy:  func(dst *types.Descriptor, src types.Descriptor) { dst.Name = src.Name },
		isSet: func(d types.Descriptor) bool { return d.Name != "" }},
	{name: "NetworkAddress", owner: ownerNetwork, copy: func(dst *types.Descriptor, src types.Descriptor) { dst.NetworkAddress = src.NetworkAddress }},
	{name: "Port", owner: ownerNetwork, copy: func(dst *types.Descriptor, src types.Descriptor) { dst.Port = src.Port }},
	{name: "LastSeen", owner: ownerNetwork, copy: func(dst *types.Descriptor, src types.Descriptor) { dst.LastSeen = src.LastSeen }},
	{name: "Capabilities", owner: ownerNetwork, copy: func(dst *types.Descriptor, src types.Descriptor) { dst.Capabilities = src.Clone().Capabilities }},
	{name: "Enabled", owner: ownerUser, copy: func(dst *types.Descriptor, src types.Descriptor) { dst.Enabled = src.Enabled }},
	{name: "BrightnessScale", owner: ownerUser, copy: func(dst *types.Descriptor, src types.Descriptor) { dst.BrightnessScale = src.BrightnessScale }},
	{name: "TargetSector", owner: ownerUser, copy: func(dst *types.Descriptor, src types.Descriptor) { dst.TargetSector = src.TargetSector }},
	{name: "Credentials", owner: ownerUserIfSet,
		copy:  func(dst *types.Descriptor, src types.Descriptor) { dst.Credentials = src.Clone().Credentials },
		isSet: func(d types.Descriptor) bool { return len(d.Credentials) > 0 }},
	{name: "Streaming", owner: ownerUser, copy: func(dst *types.Descriptor, src types.Descriptor) { dst.Streaming = src.Streaming }},
}

// Merge combines a known descriptor with a fresh discovery result. User
// fields come from old, network fields from fresh. Name and credentials keep
// the old value when set, otherwise take whatever discovery reported.
func Merge(old, fresh types.Descriptor) types.Descriptor {
	var out types.Descriptor

	for _, f := range mergeTable {
		switch f.owner {
		case ownerUser:
			f.copy(&out, old)
		case ownerNetwork:
			f.copy(&out, fresh)
		case ownerUserIfSet:
			if f.isSet(old) {
				f.copy(&out, old)
			} else {
				f.copy(&out, fresh)
			}
		}
	}

	if out.LastSeen.Before(old.LastSeen) {
		out.LastSeen = old.LastSeen
	}
	return out
}

// Reconcile returns the descriptor to upsert for a raw discovery result.
// Raw results carry network fields only, so an unknown device gets the
// discovery defaults for every user field.
func Reconcile(old types.Descriptor, known bool, fresh types.Descriptor) types.Descriptor {
	if known {
		return Merge(old, fresh)
	}

	defaults := types.NewDescriptor(fresh.ID, fresh.Vendor, fresh.NetworkAddress)
	return Merge(defaults, fresh)
}
