package a2abus

import (
	"context"
	"time"
)

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete a2abus surface for extensibility.
type API interface {
	Identity() string
	Publish(ctx context.Context, topic string, env *Envelope) error
	RegisterHandler(msgType string, h Handler) error
	StartReplyLoop(ctx context.Context) error
	GetStats() Stats
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	Shutdown(ctx context.Context) error
}

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)

// Stats are the two counters every bus exposes.
type Stats struct {
	Published uint64 `json:"published"`
	Handled   uint64 `json:"handled"`
}

// Metrics extends Stats with failure counters.
type Metrics struct {
	Published          uint64
	Handled            uint64
	DispatchMisses     uint64
	HandlerFailures    uint64
	MalformedRequests  uint64
	Errors             uint64
	EventsDropped      uint64
	AvgHandlerTimeMs   float64
	RegisteredHandlers int
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped        uint64 // Events dropped due to full buffer
	Processed      uint64 // Events dispatched to observers
	ObserverPanics uint64 // Observer panics recovered by workers
	ActiveEvents   int    // Current queue depth
	Workers        int    // Number of dispatch goroutines
	BufferSize     int    // Channel capacity
}

// HealthStatus indicates bus health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
