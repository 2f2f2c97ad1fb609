package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/postmesh/postmesh/internal/consul"
	"github.com/postmesh/postmesh/internal/router"
)

// Discoverer lists the healthy instances of a service.
type Discoverer interface {
	HealthyInstances(service string) ([]consul.Instance, error)
}

// RouteTable maintains the healthy targets of every routed service,
// refreshed periodically from Consul.
type RouteTable struct {
	source Discoverer
	config RoutingConfig
	logger *slog.Logger

	mu      sync.RWMutex
	targets map[string][]router.Target // keyed by service name
}

// NewRouteTable creates a RouteTable that polls source on the configured
// interval.
func NewRouteTable(source Discoverer, config RoutingConfig, logger *slog.Logger) *RouteTable {
	return &RouteTable{
		source:  source,
		config:  config,
		logger:  logger.With("component", "routes"),
		targets: make(map[string][]router.Target),
	}
}

// Run refreshes the table right away and then on every interval until ctx
// is done.
func (rt *RouteTable) Run(ctx context.Context) {
	rt.Refresh()

	ticker := time.NewTicker(rt.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.Refresh()
		}
	}
}

// Refresh queries every routed service once. A service whose lookup fails
// keeps its previous targets.
func (rt *RouteTable) Refresh() {
	for _, service := range rt.Services() {
		instances, err := rt.source.HealthyInstances(service)
		if err != nil {
			rt.logger.Error("failed to get instances", "service", service, "error", err)
			continue
		}

		targets := make([]router.Target, 0, len(instances))
		for _, inst := range instances {
			targets = append(targets, toTarget(inst))
		}
		if len(targets) == 0 {
			rt.logger.Warn("no healthy instances", "service", service)
		}

		rt.mu.Lock()
		before := len(rt.targets[service])
		rt.targets[service] = targets
		rt.mu.Unlock()

		if before != len(targets) {
			rt.logger.Info("route updated", "service", service, "targets", len(targets))
		}
	}
}

func toTarget(inst consul.Instance) router.Target {
	scheme := "http"
	if s := inst.Meta["scheme"]; s != "" {
		scheme = s
	}
	weight, _ := strconv.Atoi(inst.Meta["weight"])

	return router.Target{
		ID:     inst.ID,
		URL:    fmt.Sprintf("%s://%s:%d", scheme, inst.Address, inst.Port),
		Weight: weight,
	}
}

// Targets returns the healthy targets of service.
func (rt *RouteTable) Targets(service string) []router.Target {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.targets[service]
}

// Services returns the routed service names, sorted.
func (rt *RouteTable) Services() []string {
	names := slices.Collect(maps.Values(rt.config.Resources))
	slices.Sort(names)
	return slices.Compact(names)
}

// Unavailable returns the routed services that currently have no target.
func (rt *RouteTable) Unavailable() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []string
	for _, service := range rt.Services() {
		if len(rt.targets[service]) == 0 {
			out = append(out, service)
		}
	}
	return out
}

// Prefix returns the normalized public prefix (e.g. "/v1/").
func (rt *RouteTable) Prefix() string {
	return normalizePrefix(rt.config.Prefix)
}

// Resolve maps a public path to its service and upstream path. With the
// default config "/v1/posts/abc" resolves to ("post", "/api/posts/abc").
func (rt *RouteTable) Resolve(path string) (service, upstreamPath string, ok bool) {
	resource, remainder, ok := ParseResourceFromPath(rt.Prefix(), path)
	if !ok {
		return "", "", false
	}
	service, ok = rt.config.Resources[strings.ToLower(resource)]
	if !ok {
		return "", "", false
	}
	upstream := normalizePrefix(rt.config.UpstreamPrefix) + resource
	if remainder != "/" {
		upstream += remainder
	}
	return service, upstream, true
}

// normalizePrefix ensures the prefix starts and ends with "/".
func normalizePrefix(prefix string) string {
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// ParseResourceFromPath extracts the first path segment after prefix.
// For example, with prefix "/v1/" and path "/v1/posts/all-posts",
// returns ("posts", "/all-posts", true).
func ParseResourceFromPath(prefix, path string) (resource, remainder string, ok bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}

	rest := path[len(prefix):]
	if rest == "" {
		return "", "", false
	}

	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return rest, "/", true
	}
	return rest[:idx], rest[idx:], true
}
