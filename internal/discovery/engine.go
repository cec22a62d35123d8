package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/config"
	"github.com/KevinKickass/OpenLightCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrScanInProgress is returned when a scan is requested while one runs.
var ErrScanInProgress = errors.New("discovery scan already in progress")

// Probe discovers fixtures of one vendor family. Results carry network fields only.
type Probe interface {
	Vendor() types.Vendor
	Discover(ctx context.Context, timeout time.Duration) ([]types.Descriptor, error)
}

// Refresher re-queries one known device directly.
type Refresher interface {
	Vendor() types.Vendor
	Refresh(ctx context.Context, d types.Descriptor) (types.Descriptor, error)
}

// Result is the outcome of one scan or refresh pass.
type Result struct {
	ScanID      uuid.UUID            `json:"scan_id"`
	Started     time.Time            `json:"started"`
	Duration    time.Duration        `json:"duration"`
	Descriptors []types.Descriptor   `json:"-"`
	Counts      map[types.Vendor]int `json:"counts"`
	Failed      []types.Vendor       `json:"failed,omitempty"`
	TimedOut    []types.Vendor       `json:"timed_out,omitempty"`
	Refresh     bool                 `json:"refresh"`
}

// Total is the number of descriptors found.
func (r Result) Total() int {
	return len(r.Descriptors)
}

type Engine struct {
	probes     []Probe
	refreshers map[types.Vendor]Refresher
	cfg        config.DiscoveryConfig
	logger     *zap.Logger

	scanning atomic.Bool
}

func NewEngine(cfg config.DiscoveryConfig, logger *zap.Logger, probes ...Probe) *Engine {
	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		refreshers: make(map[types.Vendor]Refresher),
	}
	for _, p := range probes {
		e.probes = append(e.probes, p)
		if r, ok := p.(Refresher); ok && p.Vendor().SupportsRefresh() {
			e.refreshers[p.Vendor()] = r
		}
	}
	return e
}

// AddRefresher registers a refresher that is not also a probe.
func (e *Engine) AddRefresher(r Refresher) {
	if r.Vendor().SupportsRefresh() {
		e.refreshers[r.Vendor()] = r
	}
}

// Scanning reports whether a scan or refresh is in flight.
func (e *Engine) Scanning() bool {
	return e.scanning.Load()
}

type probeOutcome struct {
	vendor types.Vendor
	found  []types.Descriptor
	err    error
}

// Scan runs every probe concurrently under its own timeout and joins them
// with the aggregate deadline. A probe still running at the deadline
// contributes nothing; its late result is discarded.
func (e *Engine) Scan(ctx context.Context) (Result, error) {
	if !e.scanning.CompareAndSwap(false, true) {
		return Result{}, ErrScanInProgress
	}
	defer e.scanning.Store(false)

	return e.scan(ctx), nil
}

// ScanAsync claims the scanning guard synchronously and runs the scan in the
// background, handing the result to done once the guard is released.
func (e *Engine) ScanAsync(ctx context.Context, done func(Result)) error {
	if !e.scanning.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}

	go func() {
		res := e.scan(ctx)
		e.scanning.Store(false)
		done(res)
	}()
	return nil
}

// RefreshAsync is the background form of Refresh.
func (e *Engine) RefreshAsync(ctx context.Context, known []types.Descriptor, done func(Result)) error {
	if !e.scanning.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}

	go func() {
		res := e.refresh(ctx, known)
		e.scanning.Store(false)
		done(res)
	}()
	return nil
}

func (e *Engine) scan(ctx context.Context) Result {
	res := newResult(false)
	e.logger.Info("Discovery scan started",
		zap.String("scan_id", res.ScanID.String()),
		zap.Int("probes", len(e.probes)))

	aggCtx, cancel := context.WithTimeout(ctx, e.cfg.AggregateTimeout)
	defer cancel()

	// buffered so orphaned probes never block on send
	outcomes := make(chan probeOutcome, len(e.probes))
	for _, p := range e.probes {
		go func(p Probe) {
			probeCtx, probeCancel := context.WithTimeout(aggCtx, e.cfg.ProbeTimeout)
			defer probeCancel()

			found, err := e.safeDiscover(probeCtx, p)
			outcomes <- probeOutcome{vendor: p.Vendor(), found: found, err: err}
		}(p)
	}

	pending := make(map[types.Vendor]int, len(e.probes))
	for _, p := range e.probes {
		pending[p.Vendor()]++
	}

	e.collect(aggCtx, outcomes, len(e.probes), pending, &res)

	for v, n := range pending {
		if n > 0 {
			res.TimedOut = append(res.TimedOut, v)
			e.logger.Warn("Probe missed aggregate deadline", zap.String("vendor", string(v)))
		}
	}

	res.Duration = time.Since(res.Started)
	e.logger.Info("Discovery scan completed",
		zap.String("scan_id", res.ScanID.String()),
		zap.Int("found", res.Total()),
		zap.Duration("duration", res.Duration))

	return res
}

// Refresh re-queries each known device whose vendor has a refresher. The
// returned descriptors are raw and must still go through Merge.
func (e *Engine) Refresh(ctx context.Context, known []types.Descriptor) (Result, error) {
	if !e.scanning.CompareAndSwap(false, true) {
		return Result{}, ErrScanInProgress
	}
	defer e.scanning.Store(false)

	return e.refresh(ctx, known), nil
}

func (e *Engine) refresh(ctx context.Context, known []types.Descriptor) Result {
	res := newResult(true)

	aggCtx, cancel := context.WithTimeout(ctx, e.cfg.AggregateTimeout)
	defer cancel()

	var targets []types.Descriptor
	for _, d := range known {
		if _, ok := e.refreshers[d.Vendor]; ok {
			targets = append(targets, d)
		}
	}

	outcomes := make(chan probeOutcome, len(targets))
	pending := make(map[types.Vendor]int)
	for _, d := range targets {
		pending[d.Vendor]++
		go func(d types.Descriptor) {
			rctx, rcancel := context.WithTimeout(aggCtx, e.cfg.ProbeTimeout)
			defer rcancel()

			fresh, err := e.safeRefresh(rctx, e.refreshers[d.Vendor], d)
			out := probeOutcome{vendor: d.Vendor, err: err}
			if err == nil {
				fresh.ID = d.ID
				out.found = []types.Descriptor{fresh}
			}
			outcomes <- out
		}(d)
	}

	e.collect(aggCtx, outcomes, len(targets), pending, &res)

	res.Duration = time.Since(res.Started)
	e.logger.Debug("Device refresh completed",
		zap.Int("targets", len(targets)),
		zap.Int("refreshed", res.Total()))

	return res
}

func (e *Engine) collect(ctx context.Context, outcomes <-chan probeOutcome, n int, pending map[types.Vendor]int, res *Result) {
	failed := make(map[types.Vendor]bool)

	for received := 0; received < n; received++ {
		select {
		case out := <-outcomes:
			pending[out.vendor]--
			if out.err != nil {
				if !failed[out.vendor] {
					failed[out.vendor] = true
					res.Failed = append(res.Failed, out.vendor)
				}
				e.logger.Warn("Probe failed",
					zap.String("vendor", string(out.vendor)),
					zap.Error(out.err))
			}
			for _, d := range out.found {
				if d.ID == "" || d.NetworkAddress == "" {
					continue
				}
				d.Vendor = out.vendor
				if d.LastSeen.IsZero() {
					d.LastSeen = time.Now().UTC()
				}
				res.Descriptors = append(res.Descriptors, d)
				res.Counts[out.vendor]++
			}
		case <-ctx.Done():
			return
		}
	}
}

// safeDiscover turns a panicking vendor library into an error.
func (e *Engine) safeDiscover(ctx context.Context, p Probe) (found []types.Descriptor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return p.Discover(ctx, e.cfg.ProbeTimeout)
}

func (e *Engine) safeRefresh(ctx context.Context, r Refresher, d types.Descriptor) (fresh types.Descriptor, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec}
		}
	}()
	return r.Refresh(ctx, d)
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("probe panicked: %v", p.value)
}

func newResult(refresh bool) Result {
	return Result{
		ScanID:  uuid.New(),
		Started: time.Now().UTC(),
		Counts:  make(map[types.Vendor]int),
		Refresh: refresh,
	}
}
