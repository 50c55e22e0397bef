package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	registry      *providers.Registry
	cacheReady    func() bool
	logStoreReady func(context.Context) error
	baseCtx       context.Context
	metrics       *metrics.Registry

	providerStatuses map[string]*componentStatus
	cacheStatus      componentStatus
	logStoreStatus   componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. cacheReady and logStoreReady may be nil when the component is not
// configured; an unconfigured component reports "ok".
func NewHealthChecker(
	ctx context.Context,
	registry *providers.Registry,
	cacheReady func() bool,
	logStoreReady func(context.Context) error,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		registry:         registry,
		cacheReady:       cacheReady,
		logStoreReady:    logStoreReady,
		providerStatuses: make(map[string]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
	}

	for _, name := range registry.Names() {
		hc.providerStatuses[name] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
	LogStore      string            `json:"log_store"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]string, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		st := s.get()
		provs[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	store := hc.logStoreStatus.get()
	if store == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         hc.cacheStatus.get(),
		LogStore:      store,
	}
}

// ReadinessOK returns true when the log store is reachable
// (used by GET /readiness for Kubernetes probes).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.logStoreStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Provider probes run in parallel. Providers that do not implement
	// Pinger are assumed healthy; a failed construction would have
	// surfaced at startup.
	var wg sync.WaitGroup
	for name, prov := range hc.registry.All() {
		s := hc.providerStatuses[name]
		if s == nil {
			continue
		}
		pinger, ok := prov.(providers.Pinger)
		if !ok {
			s.set("ok")
			continue
		}
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pinger.Ping(ctx); err != nil {
				s.set("degraded")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(name, false)
				}
			} else {
				s.set("ok")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(name, true)
				}
			}
		}()
	}

	// Cache probe; nil probe means "not configured" and reports ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	// Log store probe; nil probe means "not configured" and reports ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.logStoreReady == nil {
			hc.logStoreStatus.set("ok")
			return
		}
		if err := hc.logStoreReady(ctx); err != nil {
			hc.logStoreStatus.set("down")
		} else {
			hc.logStoreStatus.set("ok")
		}
	}()

	wg.Wait()
}
