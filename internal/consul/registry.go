// Package consul registers a service instance with the local Consul agent and
// keeps its TTL health check fed from the instance's own health probe.
package consul

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/postmesh/postmesh/internal/types"
)

// HealthStatus is an alias for the shared health status type.
type HealthStatus = types.HealthStatus

// Registration contains the information needed to register a service.
type Registration struct {
	ServiceName string
	ServiceID   string
	Address     string
	Port        int
	Tags        []string
	Metadata    map[string]string
	// TTL of the health check. The instance turns critical when no update
	// arrives within it. Defaults to 15s.
	TTL time.Duration
}

// Probe reports the current health of the instance and a human readable
// note stored as the check output.
type Probe func() (HealthStatus, string)

// Registry is a Consul-backed self-registration client.
type Registry struct {
	client *api.Client
	logger *slog.Logger
}

// NewRegistry creates a Registry using the provided Consul address.
func NewRegistry(addr string, logger *slog.Logger) (*Registry, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}

	return &Registry{
		client: client,
		logger: logger.With("component", "consul"),
	}, nil
}

func checkID(serviceID string) string {
	return "service:" + serviceID
}

// Register registers a service instance with Consul using a TTL health
// check. The check starts critical until the first heartbeat.
func (r *Registry) Register(reg Registration) error {
	ttl := reg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Second
	}

	consulReg := &api.AgentServiceRegistration{
		ID:      reg.ServiceID,
		Name:    reg.ServiceName,
		Address: reg.Address,
		Port:    reg.Port,
		Tags:    reg.Tags,
		Meta:    reg.Metadata,
		Check: &api.AgentServiceCheck{
			CheckID:                        checkID(reg.ServiceID),
			Name:                           fmt.Sprintf("%s TTL Health", reg.ServiceName),
			TTL:                            ttl.String(),
			DeregisterCriticalServiceAfter: (1 * time.Minute).String(),
		},
	}

	if err := r.client.Agent().ServiceRegister(consulReg); err != nil {
		return fmt.Errorf("consul register: %w", err)
	}

	r.logger.Info("registered service", "service_id", reg.ServiceID, "service_name", reg.ServiceName, "ttl", ttl)
	return nil
}

// Deregister removes a service instance from Consul.
func (r *Registry) Deregister(serviceID string) error {
	if err := r.client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("consul deregister: %w", err)
	}

	r.logger.Info("deregistered service", "service_id", serviceID)
	return nil
}

// UpdateHealth updates the TTL health check status for a service instance.
func (r *Registry) UpdateHealth(serviceID string, status HealthStatus, output string) error {
	state := api.HealthCritical
	switch status {
	case types.HealthHealthy:
		state = api.HealthPassing
	case types.HealthDegraded:
		state = api.HealthWarning
	}

	err := r.client.Agent().UpdateTTL(checkID(serviceID), output, state)
	if err != nil {
		return fmt.Errorf("consul update health: %w", err)
	}
	return nil
}

// Heartbeat reports probe to the TTL check right away and then every
// interval until ctx is done. Failed updates are logged and retried on the
// next tick.
func (r *Registry) Heartbeat(ctx context.Context, serviceID string, interval time.Duration, probe Probe) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := types.HealthUnknown
	for {
		status, output := probe()
		if err := r.UpdateHealth(serviceID, status, output); err != nil {
			r.logger.Warn("heartbeat failed", "service_id", serviceID, "error", err)
		} else if status != last {
			r.logger.Info("health changed", "service_id", serviceID, "from", last.String(), "to", status.String(), "output", output)
			last = status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Instance is a healthy service instance known to Consul.
type Instance struct {
	ID      string
	Service string
	Address string
	Port    int
	Tags    []string
	Meta    map[string]string
}

// HealthyInstances returns the instances of service whose checks are all
// passing.
func (r *Registry) HealthyInstances(service string) ([]Instance, error) {
	entries, _, err := r.client.Health().Service(service, "", true, nil)
	if err != nil {
		return nil, fmt.Errorf("consul health service %s: %w", service, err)
	}

	out := make([]Instance, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		addr := e.Service.Address
		if addr == "" && e.Node != nil {
			addr = e.Node.Address
		}
		out = append(out, Instance{
			ID:      e.Service.ID,
			Service: e.Service.Service,
			Address: addr,
			Port:    e.Service.Port,
			Tags:    e.Service.Tags,
			Meta:    e.Service.Meta,
		})
	}
	return out, nil
}
