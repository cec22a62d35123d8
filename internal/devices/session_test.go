package devices

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/storage"
	"github.com/KevinKickass/OpenLightCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeTransport struct {
	mu       sync.Mutex
	opens    int
	restores int
	closes   int
	attempts int
	pushes   [][]types.RGB

	openErr   error
	openBlock chan struct{}
	pushErr   error
	pushBlock chan struct{}

	restoreEntered chan struct{}
	restoreBlock   chan struct{}
}

func (f *fakeTransport) Open(ctx context.Context) error {
	f.mu.Lock()
	block, err := f.openBlock, f.openErr
	f.mu.Unlock()

	if block != nil {
		// ignores ctx on purpose to prove the session bounds it
		<-block
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Push(ctx context.Context, colors []types.RGB, _ time.Duration) error {
	f.mu.Lock()
	block := f.pushBlock
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, append([]types.RGB(nil), colors...))
	return nil
}

func (f *fakeTransport) Restore(context.Context) error {
	f.mu.Lock()
	entered, block := f.restoreEntered, f.restoreBlock
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}

	f.mu.Lock()
	f.restores++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) counts() (opens, restores, attempts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.restores, f.attempts
}

func (f *fakeTransport) lastPush() []types.RGB {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pushes) == 0 {
		return nil
	}
	return f.pushes[len(f.pushes)-1]
}

func (f *fakeTransport) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		SectorCount:      12,
		LEDCount:         6,
		ConnectTimeout:   100 * time.Millisecond,
		SendTimeout:      100 * time.Millisecond,
		StopGrace:        100 * time.Millisecond,
		FailureThreshold: 3,
	}
}

func newTestSession(t *testing.T, d types.Descriptor, ft *fakeTransport) *Session {
	t.Helper()
	factory := func(types.Descriptor) (Transport, error) { return ft, nil }
	s := NewSession(d, testSessionConfig(), factory, zaptest.NewLogger(t))
	s.flashFor = 10 * time.Millisecond
	t.Cleanup(func() { s.StopSession(context.Background()) })
	return s
}

func enabledBulb(id string, sector int) types.Descriptor {
	d := types.NewDescriptor(id, types.VendorUDPBulb, "10.0.0.10")
	d.Enabled = true
	d.TargetSector = sector
	return d
}

func sectorFrame(n int) *types.Frame {
	f := &types.Frame{SectorColors: make([]types.RGB, n)}
	for i := range f.SectorColors {
		f.SectorColors[i] = types.RGB{R: uint8(10 * i), G: 200, B: 100}
	}
	return f
}

func TestStartSessionIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, enabledBulb("B1", 0), ft)

	require.NoError(t, s.StartSession(context.Background()))
	require.NoError(t, s.StartSession(context.Background()))

	opens, _, _ := ft.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, s.Opens())
	assert.True(t, s.Streaming())
}

func TestStartSessionDisabledIsNoop(t *testing.T) {
	ft := &fakeTransport{}
	d := enabledBulb("B1", 0)
	d.Enabled = false
	s := newTestSession(t, d, ft)

	require.NoError(t, s.StartSession(context.Background()))

	opens, _, _ := ft.counts()
	assert.Zero(t, opens)
	assert.False(t, s.Streaming())
}

func TestStartSessionBoundedByConnectTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	ft := &fakeTransport{openBlock: block}
	s := newTestSession(t, enabledBulb("B1", 0), ft)

	started := time.Now()
	err := s.StartSession(context.Background())

	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Less(t, time.Since(started), time.Second)
	assert.False(t, s.Streaming())
	assert.True(t, s.Status().Unreachable)
}

func TestStartSessionOpenError(t *testing.T) {
	ft := &fakeTransport{openErr: errors.New("connection refused")}
	s := newTestSession(t, enabledBulb("B1", 0), ft)

	err := s.StartSession(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.False(t, s.Streaming())
}

func TestSendFrameAppliesSectorAndBrightness(t *testing.T) {
	ft := &fakeTransport{}
	d := enabledBulb("B1", 2)
	d.BrightnessScale = 50
	s := newTestSession(t, d, ft)
	require.NoError(t, s.StartSession(context.Background()))

	s.SendFrame(sectorFrame(12))

	require.Eventually(t, func() bool { return ft.pushCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []types.RGB{{R: 10, G: 100, B: 50}}, ft.lastPush())
}

func TestSendFrameSkipsOutOfRangeSector(t *testing.T) {
	for _, sector := range []int{-1, 12, 40} {
		ft := &fakeTransport{}
		s := newTestSession(t, enabledBulb("B1", sector), ft)
		require.NoError(t, s.StartSession(context.Background()))

		assert.NotPanics(t, func() { s.SendFrame(sectorFrame(12)) })
		assert.Never(t, func() bool { return ft.pushCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
		assert.True(t, s.Streaming(), "skipping a frame must not fault the session")
	}
}

func TestSendFrameShortSectorArray(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, enabledBulb("B1", 8), ft)
	require.NoError(t, s.StartSession(context.Background()))

	s.SendFrame(sectorFrame(4))
	assert.Never(t, func() bool { return ft.pushCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSendFrameStripGetsAllPixels(t *testing.T) {
	ft := &fakeTransport{}
	d := types.NewDescriptor("S1", types.VendorStrip, "10.0.0.20")
	d.Enabled = true
	s := newTestSession(t, d, ft)
	require.NoError(t, s.StartSession(context.Background()))

	frame := types.NewSolidFrame(types.RGB{R: 255}, 150, 12)
	s.SendFrame(&frame)

	require.Eventually(t, func() bool { return ft.pushCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, ft.lastPush(), 150)
}

func TestSendFrameNotStreamingIsNoop(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, enabledBulb("B1", 0), ft)

	s.SendFrame(sectorFrame(12))
	assert.Never(t, func() bool { return ft.pushCount() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestSendFrameDoesNotBlockOnStalledDevice(t *testing.T) {
	block := make(chan struct{})
	ft := &fakeTransport{pushBlock: block}
	cfg := testSessionConfig()
	cfg.SendTimeout = 5 * time.Second
	s := NewSession(enabledBulb("B1", 0), cfg, func(types.Descriptor) (Transport, error) { return ft, nil }, zaptest.NewLogger(t))
	require.NoError(t, s.StartSession(context.Background()))
	defer func() {
		close(block)
		s.StopSession(context.Background())
	}()

	started := time.Now()
	for i := 0; i < 100; i++ {
		s.SendFrame(sectorFrame(12))
	}
	assert.Less(t, time.Since(started), 100*time.Millisecond)
	assert.Greater(t, s.Status().Dropped, uint64(0))
}

func TestConsecutiveFailuresDisableDevice(t *testing.T) {
	ft := &fakeTransport{pushErr: errors.New("host unreachable")}
	s := newTestSession(t, enabledBulb("B1", 0), ft)

	faulted := make(chan types.Descriptor, 1)
	s.OnFault(func(d types.Descriptor) { faulted <- d })
	require.NoError(t, s.StartSession(context.Background()))

	for i := 1; i <= 3; i++ {
		s.SendFrame(sectorFrame(12))
		want := i
		require.Eventually(t, func() bool {
			_, _, attempts := ft.counts()
			return attempts >= want
		}, time.Second, 5*time.Millisecond)
	}

	select {
	case d := <-faulted:
		assert.False(t, d.Enabled)
		assert.False(t, d.Streaming)
	case <-time.After(time.Second):
		t.Fatal("fault callback not invoked")
	}

	assert.False(t, s.Enabled())
	assert.False(t, s.Streaming())
	_, restores, _ := ft.counts()
	assert.Equal(t, 1, restores)
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	ft := &fakeTransport{pushErr: errors.New("timeout")}
	s := newTestSession(t, enabledBulb("B1", 0), ft)
	require.NoError(t, s.StartSession(context.Background()))

	for i := 1; i <= 2; i++ {
		s.SendFrame(sectorFrame(12))
		want := i
		require.Eventually(t, func() bool {
			_, _, attempts := ft.counts()
			return attempts >= want
		}, time.Second, 5*time.Millisecond)
	}
	require.Eventually(t, func() bool { return s.Status().Failures == 2 }, time.Second, 5*time.Millisecond)

	ft.mu.Lock()
	ft.pushErr = nil
	ft.mu.Unlock()

	s.SendFrame(sectorFrame(12))
	require.Eventually(t, func() bool { return s.Status().Failures == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Enabled())
}

func TestStopSessionRestoresAndCloses(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, enabledBulb("B1", 0), ft)
	require.NoError(t, s.StartSession(context.Background()))

	s.StopSession(context.Background())
	s.StopSession(context.Background())

	_, restores, _ := ft.counts()
	assert.Equal(t, 1, restores)
	assert.False(t, s.Streaming())
}

func TestStopSessionBoundedWhenPushStalls(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	ft := &fakeTransport{pushBlock: block}
	s := newTestSession(t, enabledBulb("B1", 0), ft)
	require.NoError(t, s.StartSession(context.Background()))

	s.SendFrame(sectorFrame(12))

	started := time.Now()
	s.StopSession(context.Background())
	assert.Less(t, time.Since(started), time.Second)
}

func TestApplyRestartsOnlyWhenSessionKeyChanges(t *testing.T) {
	ft := &fakeTransport{}
	d := enabledBulb("B1", 0)
	s := newTestSession(t, d, ft)
	require.NoError(t, s.StartSession(context.Background()))

	d.BrightnessScale = 40
	d.TargetSector = 3
	require.NoError(t, s.Apply(context.Background(), d))

	opens, restores, _ := ft.counts()
	assert.Equal(t, 1, opens)
	assert.Zero(t, restores)
	assert.Equal(t, 3, s.Descriptor().TargetSector)

	d.NetworkAddress = "10.0.0.11"
	require.NoError(t, s.Apply(context.Background(), d))

	opens, restores, _ = ft.counts()
	assert.Equal(t, 2, opens)
	assert.Equal(t, 1, restores)
	assert.True(t, s.Streaming())
}

func TestApplyDisableStopsSession(t *testing.T) {
	ft := &fakeTransport{}
	d := enabledBulb("B1", 0)
	s := newTestSession(t, d, ft)
	require.NoError(t, s.StartSession(context.Background()))

	d.Enabled = false
	require.NoError(t, s.Apply(context.Background(), d))
	assert.False(t, s.Streaming())
}

func TestApplyKeepsIdentity(t *testing.T) {
	s := newTestSession(t, enabledBulb("B1", 0), &fakeTransport{})

	other := enabledBulb("OTHER", 5)
	require.NoError(t, s.Apply(context.Background(), other))

	assert.Equal(t, "B1", s.ID())
	assert.Equal(t, 5, s.Descriptor().TargetSector)
}

func TestReloadConfigurationFromStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	d := enabledBulb("B1", 0)
	s := newTestSession(t, d, &fakeTransport{})

	err := s.ReloadConfiguration(ctx, store)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	d.TargetSector = 7
	d.BrightnessScale = 10
	require.NoError(t, store.Upsert(ctx, d.Vendor.Collection(), d))
	require.NoError(t, s.ReloadConfiguration(ctx, store))

	assert.Equal(t, 7, s.Descriptor().TargetSector)
	assert.Equal(t, 10, s.Descriptor().BrightnessScale)
}

func TestFlashWithoutSession(t *testing.T) {
	ft := &fakeTransport{}
	d := enabledBulb("B1", 0)
	d.Enabled = false
	s := newTestSession(t, d, ft)

	require.NoError(t, s.Flash(context.Background(), types.RGB{R: 255}))

	opens, restores, _ := ft.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, restores)
	assert.Equal(t, []types.RGB{{R: 255}}, ft.lastPush())
	assert.False(t, s.Streaming())
}

func TestFlashDuringSessionUsesLiveTransport(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, enabledBulb("B1", 0), ft)
	require.NoError(t, s.StartSession(context.Background()))

	require.NoError(t, s.Flash(context.Background(), types.RGB{B: 255}))

	opens, restores, _ := ft.counts()
	assert.Equal(t, 1, opens)
	assert.Zero(t, restores)
	assert.True(t, s.Streaming())
}

func TestFlashFillsPixelModeStrip(t *testing.T) {
	ft := &fakeTransport{}
	d := types.NewDescriptor("S1", types.VendorStrip, "10.0.0.20")
	s := newTestSession(t, d, ft)

	require.NoError(t, s.Flash(context.Background(), types.RGB{G: 255}))

	pushed := ft.lastPush()
	require.Len(t, pushed, testSessionConfig().LEDCount)
	for _, c := range pushed {
		assert.Equal(t, types.RGB{G: 255}, c)
	}
}

func TestApplyDisableNeverShowsStreamingWhileDisabled(t *testing.T) {
	block := make(chan struct{})
	ft := &fakeTransport{}
	s := newTestSession(t, enabledBulb("B1", 0), ft)
	require.NoError(t, s.StartSession(context.Background()))

	ft.mu.Lock()
	ft.restoreEntered = make(chan struct{}, 1)
	ft.restoreBlock = block
	entered := ft.restoreEntered
	ft.mu.Unlock()

	disabled := s.Descriptor()
	disabled.Enabled = false
	applied := make(chan error, 1)
	go func() { applied <- s.Apply(context.Background(), disabled) }()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("session teardown not reached")
	}

	// teardown is still in progress
	d := s.Descriptor()
	assert.False(t, d.Enabled)
	assert.False(t, d.Streaming)

	close(block)
	require.NoError(t, <-applied)
	assert.False(t, s.Streaming())
}
