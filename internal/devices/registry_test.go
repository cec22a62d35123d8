package devices

import (
	"context"
	"testing"

	"github.com/KevinKickass/OpenLightCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRegistryRejectsDuplicateID(t *testing.T) {
	logger := zaptest.NewLogger(t)
	r := NewRegistry()

	require.NoError(t, r.Add(NewSession(enabledBulb("B1", 0), testSessionConfig(), nil, logger)))
	err := r.Add(NewSession(types.NewDescriptor("B1", types.VendorPanel, "10.0.0.3"), testSessionConfig(), nil, logger))

	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryFiltersAndOrder(t *testing.T) {
	logger := zaptest.NewLogger(t)
	r := NewRegistry()
	ft := &fakeTransport{}
	factory := func(types.Descriptor) (Transport, error) { return ft, nil }

	disabled := types.NewDescriptor("H2", types.VendorBridge, "10.0.0.2")
	for _, d := range []types.Descriptor{enabledBulb("B1", 0), disabled, enabledBulb("B3", 1)} {
		require.NoError(t, r.Add(NewSession(d, testSessionConfig(), factory, logger)))
	}

	ids := func(sessions []*Session) []string {
		var out []string
		for _, s := range sessions {
			out = append(out, s.ID())
		}
		return out
	}

	assert.Equal(t, []string{"B1", "H2", "B3"}, ids(r.List()))
	assert.Equal(t, []string{"B1", "B3"}, ids(r.Enabled()))
	assert.Empty(t, r.Streaming())

	s, ok := r.Get("B3")
	require.True(t, ok)
	require.NoError(t, s.StartSession(context.Background()))
	defer s.StopSession(context.Background())
	assert.Equal(t, []string{"B3"}, ids(r.Streaming()))

	removed, ok := r.Remove("H2")
	require.True(t, ok)
	assert.Equal(t, "H2", removed.ID())
	assert.Equal(t, []string{"B1", "B3"}, ids(r.List()))

	_, ok = r.Remove("H2")
	assert.False(t, ok)

	assert.Len(t, r.Descriptors(), 2)
}

func TestFrameSlotOverwrites(t *testing.T) {
	slot := newFrameSlot()
	first := &pending{sector: 1}
	second := &pending{sector: 2}

	slot.publish(first)
	slot.publish(second)

	assert.Equal(t, uint64(1), slot.dropped())
	assert.Same(t, second, slot.take())

	slot.close()
	assert.Nil(t, slot.take())

	// publishing after close is ignored
	slot.publish(first)
	assert.Nil(t, slot.take())
}
