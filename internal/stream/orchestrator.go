package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/config"
	"github.com/KevinKickass/OpenLightCore/internal/devices"
	"github.com/KevinKickass/OpenLightCore/internal/discovery"
	"github.com/KevinKickass/OpenLightCore/internal/heartbeat"
	"github.com/KevinKickass/OpenLightCore/internal/storage"
	"github.com/KevinKickass/OpenLightCore/internal/types"
	"go.uber.org/zap"
)

// ErrStopped is returned for requests made while the orchestrator loop is not running.
var ErrStopped = errors.New("orchestrator is not running")

// ErrDiscoveryDisabled is returned by RequestScan when no engine is configured.
var ErrDiscoveryDisabled = errors.New("discovery is not configured")

var ErrInvalidGroup = errors.New("device group out of range")

const (
	ambientInterval = time.Second
	announceTimeout = time.Second
	commandBacklog  = 32
)

// Announcer is the subscriber broadcast side used by the control loop.
type Announcer interface {
	Announce(ctx context.Context) error
	Listen(ctx context.Context, onRegister func(address string)) error
	SetGroup(group uint8)
}

type commandKind int

const (
	cmdSetMode commandKind = iota
	cmdRefreshDevice
	cmdReloadDevice
	cmdUpdateDevice
	cmdApplyDiscovery
	cmdFault
	cmdRegisterSubscriber
	cmdFlash
	cmdSetGroup
)

type command struct {
	kind    commandKind
	mode    Mode
	id      string
	address string
	color   types.RGB
	group   int
	desc    types.Descriptor
	result  discovery.Result
	reply   chan error
}

// Orchestrator owns the mode state machine, the device registry and the
// subscriber roster. All mutation happens on its loop goroutine; callers
// talk to it through the command channel.
type Orchestrator struct {
	cfg        config.StreamConfig
	discCfg    config.DiscoveryConfig
	seedFile   string
	store      storage.Store
	registry   *devices.Registry
	engine     *discovery.Engine
	roster     *heartbeat.Roster
	announcer  Announcer
	validator  *devices.Validator
	producers  map[Mode]Producer
	signal     SignalReporter
	notifier   Notifier
	factory    devices.TransportFactory
	sessionCfg devices.SessionConfig
	logger     *zap.Logger

	now   func() time.Time
	ticks <-chan time.Time

	commands chan command
	started  atomic.Bool
	runCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	streamStarted atomic.Bool
	dispatched    atomic.Uint64

	stateMu      sync.RWMutex
	mode         Mode
	previousMode Mode
	autoDisabled bool
	deviceGroup  int

	// loop-owned
	signalLostAt time.Time
}

func NewOrchestrator(cfg *config.Config, store storage.Store, engine *discovery.Engine, logger *zap.Logger) *Orchestrator {
	logger = logger.Named("orchestrator")

	o := &Orchestrator{
		cfg:         cfg.Stream,
		discCfg:     cfg.Discovery,
		seedFile:    cfg.Devices.SeedFile,
		store:       store,
		registry:    devices.NewRegistry(),
		engine:      engine,
		roster:      heartbeat.NewRoster(),
		producers:   make(map[Mode]Producer),
		notifier:    nopNotifier{},
		factory:     devices.NewTransport,
		sessionCfg:  devices.SessionConfigFrom(cfg.Stream),
		logger:      logger,
		now:         time.Now,
		commands:    make(chan command, commandBacklog),
		done:        make(chan struct{}),
		mode:        ModeOff,
		deviceGroup: cfg.Broadcast.Group,
	}

	color, err := types.ParseHex(cfg.Stream.AmbientColor)
	if err != nil {
		logger.Warn("Invalid ambient colour, using white",
			zap.String("ambient_color", cfg.Stream.AmbientColor),
			zap.Error(err))
		color = types.RGB{R: 255, G: 255, B: 255}
	}
	o.producers[ModeAmbient] = NewAmbientProducer(color, cfg.Stream.LEDCount, cfg.Stream.SectorCount, ambientInterval)

	return o
}

// AddProducer installs the frame source for mode. A video producer that
// implements SignalReporter arms the auto-disable watchdog.
func (o *Orchestrator) AddProducer(mode Mode, p Producer) {
	o.producers[mode] = p
	if mode == ModeVideo {
		if sr, ok := p.(SignalReporter); ok {
			o.signal = sr
		}
	}
}

func (o *Orchestrator) SetAnnouncer(a Announcer) {
	o.announcer = a
}

func (o *Orchestrator) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	o.notifier = n
}

func (o *Orchestrator) SetValidator(v *devices.Validator) {
	o.validator = v
}

func (o *Orchestrator) SetTransportFactory(f devices.TransportFactory) {
	o.factory = f
}

func (o *Orchestrator) Registry() *devices.Registry {
	return o.registry
}

func (o *Orchestrator) Roster() *heartbeat.Roster {
	return o.roster
}

// Start restores persisted state, builds the registry and launches the loop.
// Persistence failures here are returned and should abort the process.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.started.Load() {
		return fmt.Errorf("orchestrator already started")
	}

	restore, err := o.loadState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load orchestrator state: %w", err)
	}

	if err := o.importSeed(ctx); err != nil {
		return err
	}

	count, err := o.loadRegistry(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.runCtx = runCtx
	o.cancel = cancel

	o.initProducers(runCtx)

	if o.announcer != nil {
		o.announcer.SetGroup(uint8(o.Group()))
		go func() {
			if err := o.announcer.Listen(runCtx, o.RegisterSubscriber); err != nil {
				o.logger.Warn("Subscriber listener stopped", zap.Error(err))
			}
		}()
	}

	o.started.Store(true)
	go o.run(runCtx, restore)

	o.logger.Info("Orchestrator started",
		zap.Int("devices", count),
		zap.String("restore_mode", string(restore)))

	if count == 0 && o.discCfg.ScanOnStart && o.engine != nil {
		o.logger.Info("No devices stored, scanning network")
		if err := o.RequestScan(); err != nil {
			o.logger.Warn("Initial scan not started", zap.Error(err))
		}
	}

	return nil
}

// Stop stops every session and waits for the loop to exit.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.started.Load() {
		return nil
	}
	o.stopOnce.Do(o.cancel)

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, restore Mode) {
	defer close(o.done)

	if restore.Active() {
		o.transition(ctx, restore, OriginRestore)
	}

	ticks := o.ticks
	if ticks == nil {
		ticker := time.NewTicker(o.cfg.ControlInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	var refresh <-chan time.Time
	if o.engine != nil && o.discCfg.RefreshInterval > 0 {
		ticker := time.NewTicker(o.discCfg.RefreshInterval)
		defer ticker.Stop()
		refresh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case cmd := <-o.commands:
			o.handle(ctx, cmd)
		case <-ticks:
			o.controlTick(ctx)
		case <-refresh:
			o.startRefresh(ctx)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, cmd command) {
	var err error

	switch cmd.kind {
	case cmdSetMode:
		err = o.setMode(ctx, cmd.mode)
	case cmdRefreshDevice:
		err = o.refreshDevice(ctx, cmd.id)
	case cmdReloadDevice:
		err = o.reloadDevice(ctx, cmd.id)
	case cmdUpdateDevice:
		err = o.updateDevice(ctx, cmd.desc)
	case cmdApplyDiscovery:
		o.applyDiscovery(ctx, cmd.result)
	case cmdFault:
		o.persistFault(ctx, cmd.desc)
	case cmdRegisterSubscriber:
		o.registerSubscriber(ctx, cmd.address)
	case cmdFlash:
		// replies from its own goroutine
		o.flash(ctx, cmd)
		return
	case cmdSetGroup:
		err = o.setGroup(ctx, cmd.group)
	default:
		err = fmt.Errorf("unknown command %d", cmd.kind)
	}

	if cmd.reply != nil {
		cmd.reply <- err
	}
}

func (o *Orchestrator) shutdown() {
	o.logger.Info("Orchestrator stopping")

	o.streamStarted.Store(false)
	for _, p := range o.producers {
		p.SetSending(false)
	}
	o.stopAll(context.Background())
}

// submit queues cmd and waits for the loop's reply.
func (o *Orchestrator) submit(ctx context.Context, cmd command) error {
	if !o.started.Load() {
		return ErrStopped
	}
	cmd.reply = make(chan error, 1)

	select {
	case o.commands <- cmd:
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-o.done:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues cmd without waiting for a reply.
func (o *Orchestrator) post(cmd command) {
	select {
	case o.commands <- cmd:
	case <-o.done:
	}
}

// SetMode requests a mode change. Requests are applied one at a time in
// arrival order; the call returns once this one has been applied.
func (o *Orchestrator) SetMode(ctx context.Context, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	return o.submit(ctx, command{kind: cmdSetMode, mode: mode})
}

// RefreshDevice stops and restarts one device's session from its persisted
// descriptor. Unknown ids are added, ids missing from the store are removed.
// HubID reloads the hub's own device group.
func (o *Orchestrator) RefreshDevice(ctx context.Context, id string) error {
	return o.submit(ctx, command{kind: cmdRefreshDevice, id: id})
}

// ReloadDevice applies a device's persisted settings without restarting its
// session unless the session parameters changed.
func (o *Orchestrator) ReloadDevice(ctx context.Context, id string) error {
	return o.submit(ctx, command{kind: cmdReloadDevice, id: id})
}

// UpdateDevice persists d and applies it to the live registry. Capabilities,
// LastSeen and Credentials left empty keep their current values.
func (o *Orchestrator) UpdateDevice(ctx context.Context, d types.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return o.submit(ctx, command{kind: cmdUpdateDevice, desc: d})
}

// Flash shows color on one device for identification.
func (o *Orchestrator) Flash(ctx context.Context, id string, color types.RGB) error {
	return o.submit(ctx, command{kind: cmdFlash, id: id, color: color})
}

// SetGroup changes the device group carried by heartbeat broadcasts.
func (o *Orchestrator) SetGroup(ctx context.Context, group int) error {
	if group < 0 || group > 255 {
		return fmt.Errorf("%w: %d not in [0, 255]", ErrInvalidGroup, group)
	}
	return o.submit(ctx, command{kind: cmdSetGroup, group: group})
}

// RegisterSubscriber records a heartbeat registration from address.
func (o *Orchestrator) RegisterSubscriber(address string) {
	if !o.started.Load() {
		return
	}
	o.post(command{kind: cmdRegisterSubscriber, address: address})
}

// RequestScan starts a discovery scan in the background. Results are merged
// into the registry by the loop. A scan already in flight yields
// discovery.ErrScanInProgress and the request is dropped.
func (o *Orchestrator) RequestScan() error {
	if o.engine == nil {
		return ErrDiscoveryDisabled
	}
	if !o.started.Load() {
		return ErrStopped
	}
	return o.engine.ScanAsync(o.runCtx, func(res discovery.Result) {
		o.post(command{kind: cmdApplyDiscovery, result: res})
	})
}

// Scanning reports whether a discovery scan or refresh is in flight.
func (o *Orchestrator) Scanning() bool {
	return o.engine != nil && o.engine.Scanning()
}

// SendFrame fans f out to every streaming device. It never waits on device I/O.
func (o *Orchestrator) SendFrame(f *types.Frame) {
	if f == nil || !o.streamStarted.Load() {
		return
	}
	for _, s := range o.registry.Streaming() {
		s.SendFrame(f)
	}
	o.dispatched.Add(1)
}

func (o *Orchestrator) Mode() Mode {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.mode
}

func (o *Orchestrator) Group() int {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.deviceGroup
}

func (o *Orchestrator) StreamStarted() bool {
	return o.streamStarted.Load()
}

// Device returns the live descriptor for id.
func (o *Orchestrator) Device(id string) (types.Descriptor, bool) {
	s, ok := o.registry.Get(id)
	if !ok {
		return types.Descriptor{}, false
	}
	return s.Descriptor(), true
}

func (o *Orchestrator) forward(ctx context.Context, mode Mode, p Producer) {
	frames := p.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if o.Mode() == mode {
				o.SendFrame(f)
			}
		}
	}
}

func (o *Orchestrator) initProducers(ctx context.Context) {
	for mode, p := range o.producers {
		p.SetSending(false)
		if err := p.Initialize(ctx); err != nil {
			o.logger.Warn("Producer failed to initialize",
				zap.String("mode", string(mode)),
				zap.Error(err))
			delete(o.producers, mode)
			continue
		}
		go o.forward(ctx, mode, p)
	}
}

func (o *Orchestrator) newSession(d types.Descriptor) *devices.Session {
	s := devices.NewSession(d, o.sessionCfg, o.factory, o.logger)
	s.OnFault(func(d types.Descriptor) {
		o.post(command{kind: cmdFault, desc: d})
	})
	return s
}

func (o *Orchestrator) persist(ctx context.Context, key string, value any) {
	if err := o.store.SetItem(ctx, key, value); err != nil {
		o.logger.Error("Failed to persist item",
			zap.String("key", key),
			zap.Error(err))
	}
}

func (o *Orchestrator) upsert(ctx context.Context, d types.Descriptor) {
	if err := o.store.Upsert(ctx, d.Vendor.Collection(), d); err != nil {
		o.logger.Error("Failed to persist device",
			zap.String("device_id", d.ID),
			zap.Error(err))
	}
}
