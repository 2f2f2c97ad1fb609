package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postmesh/postmesh/internal/messaging"
	"github.com/postmesh/postmesh/internal/types"
)

const redisPingTimeout = 500 * time.Millisecond

type brokerState interface {
	State() messaging.State
}

type pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// healthProbe derives the instance health from its dependencies. Without
// the broker the service is unhealthy; without Redis it still serves but
// rate limiting and caching are degraded.
type healthProbe struct {
	broker brokerState
	redis  pinger
}

// Report returns the status and a short description of the cause.
func (p *healthProbe) Report() (types.HealthStatus, string) {
	if state := p.broker.State(); state != messaging.StateConnected {
		return types.HealthUnhealthy, "broker " + state.String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := p.redis.Ping(ctx).Err(); err != nil {
		return types.HealthDegraded, "redis: " + err.Error()
	}
	return types.HealthHealthy, "ok"
}

// Status returns the status alone.
func (p *healthProbe) Status() types.HealthStatus {
	status, _ := p.Report()
	return status
}
