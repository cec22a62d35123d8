package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/api/rest"
	"github.com/KevinKickass/OpenLightCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLightCore/internal/auth"
	"github.com/KevinKickass/OpenLightCore/internal/config"
	"github.com/KevinKickass/OpenLightCore/internal/devices"
	"github.com/KevinKickass/OpenLightCore/internal/discovery"
	"github.com/KevinKickass/OpenLightCore/internal/heartbeat"
	"github.com/KevinKickass/OpenLightCore/internal/interfaces"
	"github.com/KevinKickass/OpenLightCore/internal/storage"
	"github.com/KevinKickass/OpenLightCore/internal/stream"
	"github.com/KevinKickass/OpenLightCore/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const probeHTTPTimeout = 5 * time.Second

type LifecycleManager struct {
	config       *config.Config
	storage      storage.Store
	orchestrator *stream.Orchestrator
	engine       *discovery.Engine
	announcer    *heartbeat.Announcer
	authService  *auth.AuthService
	wsHub        *websocket.Hub
	validator    *devices.Validator
	logger       *zap.Logger

	restServer   *rest.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	grpcAddr     net.Addr

	hubCancel context.CancelFunc

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    error

	listenersMu     sync.RWMutex
	statusListeners []chan SystemStatus

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

func NewLifecycleManager(
	store storage.Store,
	cfg *config.Config,
	logger *zap.Logger,
) *LifecycleManager {
	validator, err := devices.NewValidator()
	if err != nil {
		logger.Fatal("Failed to compile descriptor schema", zap.Error(err))
	}

	authService := auth.NewAuthService(cfg.Auth)
	if cfg.Auth.Enabled && !cfg.Auth.IsProductionReady() {
		logger.Warn("Auth enabled with a weak or default JWT secret",
			zap.String("env", cfg.Auth.JWTSecretEnv))
	}

	// the broadcast probe asks for whatever group the orchestrator holds now
	var orch *stream.Orchestrator
	currentGroup := func() uint8 { return uint8(orch.Group()) }

	engine := discovery.NewEngine(cfg.Discovery, logger.Named("discovery"), buildProbes(cfg, logger, currentGroup)...)
	httpClient := &http.Client{Timeout: probeHTTPTimeout}
	for _, v := range types.AllVendors {
		if v.SupportsRefresh() {
			engine.AddRefresher(discovery.NewHTTPRefresher(v, httpClient))
		}
	}

	wsHub := websocket.NewHub(logger, authService)
	healthServer := health.NewServer()

	orch = stream.NewOrchestrator(cfg, store, engine, logger)
	orch.SetValidator(validator)
	orch.SetNotifier(notifiers{wsHub, healthNotifier{server: healthServer}})
	wsHub.SetStatusProvider(func() any { return orch.Status() })

	return &LifecycleManager{
		config:          cfg,
		storage:         store,
		orchestrator:    orch,
		engine:          engine,
		authService:     authService,
		wsHub:           wsHub,
		validator:       validator,
		healthServer:    healthServer,
		logger:          logger,
		currentState:    StateStopped,
		shutdownChan:    make(chan struct{}),
		statusListeners: make([]chan SystemStatus, 0),
	}
}

// buildProbes returns one probe per discoverable vendor. The bridge probe
// needs an endpoint listing the bridges and is skipped without one.
func buildProbes(cfg *config.Config, logger *zap.Logger, group func() uint8) []discovery.Probe {
	probes := []discovery.Probe{
		discovery.NewBulbProbe(cfg.Broadcast.Address),
		discovery.NewBroadcastProbe(cfg.Broadcast, group),
	}

	if cfg.Discovery.BridgeEndpoint != "" {
		probes = append(probes, discovery.NewEndpointProbe(types.VendorBridge, cfg.Discovery.BridgeEndpoint,
			&http.Client{Timeout: probeHTTPTimeout}))
	} else {
		logger.Info("Bridge discovery disabled, no endpoint configured")
	}

	return probes
}

// Start starts the entire system
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenLightCore")

	lm.setState(StateInitializing)

	hubCtx, cancel := context.WithCancel(context.Background())
	lm.hubCancel = cancel
	go lm.wsHub.Run(hubCtx)

	// Subscriber heartbeats are optional: without the port the hub still streams.
	announcer, err := heartbeat.NewAnnouncerFromConfig(lm.config.Broadcast, lm.logger.Named("heartbeat"))
	if err != nil {
		lm.logger.Warn("Heartbeat announcer unavailable, subscribers disabled", zap.Error(err))
	} else {
		lm.announcer = announcer
		lm.orchestrator.SetAnnouncer(announcer)
	}

	if err := lm.orchestrator.Start(ctx); err != nil {
		err = fmt.Errorf("failed to start orchestrator: %w", err)
		lm.setError(err)
		return err
	}

	if err := lm.startGRPCServer(); err != nil {
		err = fmt.Errorf("failed to start gRPC: %w", err)
		lm.setError(err)
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		err = fmt.Errorf("failed to start REST API: %w", err)
		lm.setError(err)
		return err
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.String("mode", string(lm.orchestrator.Mode())),
		zap.Int("devices", lm.orchestrator.Registry().Len()))

	return nil
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)

		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	// 1. REST API first so no new control events arrive
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// 2. gRPC health
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.healthServer.Shutdown()
			lm.grpcServer.GracefulStop()
		}()
	}

	// 3. Orchestrator restores every device, then the heartbeat socket goes
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := lm.orchestrator.Stop(ctx); err != nil {
			errChan <- fmt.Errorf("orchestrator stop failed: %w", err)
		}
		if lm.announcer != nil {
			if err := lm.announcer.Close(); err != nil {
				lm.logger.Debug("Heartbeat close", zap.Error(err))
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		close(errChan)
		var errs []error
		for e := range errChan {
			errs = append(errs, e)
		}
		err = errors.Join(errs...)
		if err == nil {
			lm.logger.Info("Graceful shutdown completed")
		}
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		err = fmt.Errorf("shutdown timeout exceeded")
	}

	if lm.hubCancel != nil {
		lm.hubCancel()
		if waitErr := lm.wsHub.Wait(ctx); waitErr != nil && err == nil {
			err = fmt.Errorf("websocket hub did not stop: %w", waitErr)
		}
	}
	return err
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lm.grpcAddr = lis.Addr()

	lm.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(lm.grpcServer, lm.healthServer)
	lm.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	lm.healthServer.SetServingStatus(StreamHealthService, streamServingStatus(lm.orchestrator.StreamStarted()))

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.setError(fmt.Errorf("gRPC server failed: %w", err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.validator, lm.logger, lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected system state transition", zap.Error(err))
	}
	lm.currentState = state
	if state != StateError {
		lm.lastError = nil
	}
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))

	lm.stateMu.Lock()
	lm.currentState = StateError
	lm.lastError = err
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

// State returns the lifecycle state.
func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	registry := lm.orchestrator.Registry()

	return interfaces.SystemStatus{
		State:        lm.State().String(),
		Mode:         string(lm.orchestrator.Mode()),
		DeviceCount:  registry.Len(),
		Streaming:    len(registry.Streaming()),
		Subscribers:  lm.orchestrator.Roster().Len(),
		StorageReady: lm.storage != nil,
	}
}

func (lm *LifecycleManager) getStatusInternal() SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	st := SystemStatus{
		State:     lm.currentState,
		Timestamp: time.Now().Unix(),
	}
	if lm.lastError != nil {
		st.Error = lm.lastError.Error()
	}
	return st
}

func (lm *LifecycleManager) broadcastStatus() {
	status := lm.getStatusInternal()

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to lifecycle state changes
func (lm *LifecycleManager) SubscribeStatus() chan SystemStatus {
	ch := make(chan SystemStatus, 10)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from status updates
func (lm *LifecycleManager) UnsubscribeStatus(ch chan SystemStatus) {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()

	for i, listener := range lm.statusListeners {
		if listener == ch {
			lm.statusListeners = append(lm.statusListeners[:i], lm.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// Stream returns the orchestrator as seen by the control surface
func (lm *LifecycleManager) Stream() interfaces.StreamController {
	return lm.orchestrator
}

