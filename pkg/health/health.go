// Package health tracks gateway-wide liveness and counters for the
// admin API's /api/health and /api/info endpoints.
package health

import (
	"sync"
	"time"
)

// Status is the current health snapshot served by the admin API.
type Status struct {
	Healthy           bool                       `json:"healthy"`
	Timestamp         time.Time                  `json:"timestamp"`
	UptimeSeconds     int64                      `json:"uptime_seconds"`
	ConnectionsActive int64                      `json:"connections_active"`
	PacketsDecoded    int64                      `json:"packets_decoded"`
	DecodeErrors      int64                      `json:"decode_errors"`
	Components        map[string]ComponentStatus `json:"components"`
}

// ComponentStatus is the last-observed state of one dependency (Redis, SQL, webhook).
type ComponentStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Check aggregates counters and component statuses behind a mutex, updated
// from many connection goroutines concurrently.
type Check struct {
	mu         sync.RWMutex
	startTime  time.Time
	components map[string]ComponentStatus

	connectionsActive int64
	packetsDecoded    int64
	decodeErrors      int64
}

// New creates a Check with its uptime clock started immediately.
func New() *Check {
	return &Check{
		startTime:  time.Now(),
		components: make(map[string]ComponentStatus),
	}
}

// UpdateComponent records the latest observed state of a dependency.
func (c *Check) UpdateComponent(name string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = ComponentStatus{
		Name:      name,
		Healthy:   healthy,
		Message:   message,
		LastCheck: time.Now(),
	}
}

// IncConnections adjusts the active-connection gauge by delta (+1 on
// accept, -1 on close).
func (c *Check) IncConnections(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionsActive += delta
}

// RecordDecode increments the packets-decoded counter.
func (c *Check) RecordDecode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packetsDecoded++
}

// RecordDecodeError increments the decode-error counter.
func (c *Check) RecordDecodeError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodeErrors++
}

// Snapshot returns a copy of the current health status, overall Healthy
// true unless any component reports unhealthy.
func (c *Check) Snapshot() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	components := make(map[string]ComponentStatus, len(c.components))
	healthy := true
	for k, v := range c.components {
		components[k] = v
		if !v.Healthy {
			healthy = false
		}
	}

	return Status{
		Healthy:           healthy,
		Timestamp:         time.Now(),
		UptimeSeconds:     int64(time.Since(c.startTime).Seconds()),
		ConnectionsActive: c.connectionsActive,
		PacketsDecoded:    c.packetsDecoded,
		DecodeErrors:      c.decodeErrors,
		Components:        components,
	}
}
