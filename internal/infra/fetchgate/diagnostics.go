package fetchgate

import (
	"time"
)

// Health is the coarse network view shown to users.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthOffline  Health = "offline"
)

// Snapshot is a point-in-time copy of the gate state.
type Snapshot struct {
	Circuit              State
	Health               Health
	ConsecutiveFailures  int
	TotalFailures        int
	SinceSuccess         time.Duration
	SinceFailure         time.Duration
	SinceGatewayConnect  time.Duration
	LastFailure          string
	EventLoopLag         bool
	RecentFailuresByKind map[Kind]int
	HasSucceeded         bool
	HasFailed            bool
	HasGatewayConnected  bool
}

// Health returns the current network health.
func (g *Gate) Health() Health {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.healthLocked()
}

func (g *Gate) healthLocked() Health {
	switch {
	case g.breaker.state != StateClosed:
		return HealthOffline
	case g.consecutive >= 2:
		return HealthDegraded
	default:
		return HealthOK
	}
}

// Snapshot returns the diagnostics used by status displays.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()

	s := Snapshot{
		Circuit:              g.breaker.state,
		Health:               g.healthLocked(),
		ConsecutiveFailures:  g.consecutive,
		TotalFailures:        g.total,
		LastFailure:          g.lastFailureMsg,
		EventLoopLag:         g.lagDetected,
		RecentFailuresByKind: g.breaker.recentByKind(now),
	}
	if !g.lastSuccess.IsZero() {
		s.HasSucceeded = true
		s.SinceSuccess = now.Sub(g.lastSuccess)
	}
	if !g.lastFailure.IsZero() {
		s.HasFailed = true
		s.SinceFailure = now.Sub(g.lastFailure)
	}
	if !g.gatewayConnect.IsZero() {
		s.HasGatewayConnected = true
		s.SinceGatewayConnect = now.Sub(g.gatewayConnect)
	}
	return s
}

// Map flattens the snapshot into the key/value form used by the admin API.
func (s Snapshot) Map() map[string]any {
	m := map[string]any{
		"state":                string(s.Circuit),
		"health":               string(s.Health),
		"consecutive_failures": s.ConsecutiveFailures,
		"total_failures":       s.TotalFailures,
		"event_loop_lag":       s.EventLoopLag,
	}
	if s.HasSucceeded {
		m["seconds_since_success"] = int(s.SinceSuccess.Seconds())
	}
	if s.HasFailed {
		m["seconds_since_failure"] = int(s.SinceFailure.Seconds())
		m["last_failure"] = s.LastFailure
	}
	if s.HasGatewayConnected {
		m["seconds_since_gateway_connect"] = int(s.SinceGatewayConnect.Seconds())
	}
	if len(s.RecentFailuresByKind) > 0 {
		kinds := make(map[string]any, len(s.RecentFailuresByKind))
		for k, n := range s.RecentFailuresByKind {
			kinds[string(k)] = n
		}
		m["recent_failure_types"] = kinds
	}
	return m
}
