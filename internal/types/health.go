// Package types holds the health vocabulary shared by the service probes,
// the Consul heartbeat and the /health endpoints.
package types

// HealthStatus is the health of one process as reported to Consul and on
// /health.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthUnhealthy
	HealthDegraded
)

func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "Healthy"
	case HealthUnhealthy:
		return "Unhealthy"
	case HealthDegraded:
		return "Degraded"
	default:
		return "Unknown"
	}
}

// Serving reports whether the process should keep receiving traffic.
// Degraded instances still serve.
func (s HealthStatus) Serving() bool {
	return s == HealthHealthy || s == HealthDegraded
}

// Worse returns the more severe of s and o.
func (s HealthStatus) Worse(o HealthStatus) HealthStatus {
	if severity(o) > severity(s) {
		return o
	}
	return s
}

func severity(s HealthStatus) int {
	switch s {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	case HealthUnhealthy:
		return 2
	default:
		return 3
	}
}
