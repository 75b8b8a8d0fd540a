package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
)

// Pinger is implemented by transports that can probe their broker
type Pinger interface {
	Ping(ctx context.Context) error
}

// TransportChecker reports the broker connection of a transport
type TransportChecker struct {
	name      string
	transport messaging.Transport
}

// NewTransportChecker creates a checker named after the transport kind
func NewTransportChecker(name string, transport messaging.Transport) *TransportChecker {
	return &TransportChecker{name: name, transport: transport}
}

func (c *TransportChecker) Name() string {
	return "transport_" + c.name
}

func (c *TransportChecker) Check(ctx context.Context) (result CheckResult) {
	start := time.Now()
	result = CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"connected": c.transport.IsConnected()},
	}
	defer func() { result.Duration = time.Since(start) }()

	if !c.transport.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "transport is not connected"
		return result
	}

	if p, ok := c.transport.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			result.Status = StatusUnhealthy
			result.Message = "broker unreachable"
			result.Error = err.Error()
			return result
		}
	}

	result.Status = StatusHealthy
	result.Message = "transport is connected"
	return result
}

// RegistryChecker reports how full the correlation registry is. A bounded
// registry above the warning ratio is degraded and a full one is unhealthy,
// since new requests are being rejected.
type RegistryChecker struct {
	registry     *messaging.CorrelationRegistry
	warningRatio float64
}

// NewRegistryChecker creates a registry checker. warningRatio <= 0 means 0.8.
func NewRegistryChecker(registry *messaging.CorrelationRegistry, warningRatio float64) *RegistryChecker {
	if warningRatio <= 0 {
		warningRatio = 0.8
	}
	return &RegistryChecker{registry: registry, warningRatio: warningRatio}
}

func (c *RegistryChecker) Name() string {
	return "correlation_registry"
}

func (c *RegistryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	inFlight, capacity := c.registry.Len(), c.registry.Capacity()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("%d pending calls", inFlight),
		Details:   map[string]any{"in_flight": inFlight, "capacity": capacity},
	}

	if capacity > 0 {
		switch ratio := float64(inFlight) / float64(capacity); {
		case inFlight >= capacity:
			result.Status = StatusUnhealthy
			result.Message = "in-flight limit reached"
		case ratio >= c.warningRatio:
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("in-flight at %.0f%% of limit", ratio*100)
		}
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags goroutine leaks, which in this process usually mean
// abandoned subscriptions or stuck handlers
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a goroutine count checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	n := runtime.NumGoroutine()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("%d goroutines", n),
		Details: map[string]any{
			"goroutines": n,
			"heap_mb":    float64(m.HeapAlloc) / 1024 / 1024,
			"gc_runs":    m.NumGC,
		},
	}

	switch {
	case c.critical > 0 && n > c.critical:
		result.Status = StatusUnhealthy
	case c.warning > 0 && n > c.warning:
		result.Status = StatusDegraded
	}

	result.Duration = time.Since(start)
	return result
}

// NewPingChecker reports a dependency that can be pinged, such as a database
func NewPingChecker(name string, p Pinger) *CheckerFunc {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		start := time.Now()
		result := CheckResult{Name: name, Timestamp: start, Status: StatusHealthy, Message: "reachable"}
		if err := p.Ping(ctx); err != nil {
			result.Status = StatusUnhealthy
			result.Message = "unreachable"
			result.Error = err.Error()
		}
		result.Duration = time.Since(start)
		return result
	})
}
