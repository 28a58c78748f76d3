// Package health implements health monitoring for the services of a managed
// system.
//
// The checker evaluates service health, keeps a bounded history per service
// and caches system load samples. It is the read-only view of the target
// system used by impact analysis and by load-threshold execution conditions.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/logging"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// historyLimit bounds the per-service health history.
const historyLimit = 100

var serviceHealthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "remedy_service_health",
	Help: "Service health: 1 healthy, 0.5 degraded, 0 unhealthy, -1 unknown",
}, []string{"service"})

// Source is the part of a system connector the checker reads from.
type Source interface {
	ListServices(ctx context.Context) ([]models.ServiceInfo, error)
	SystemLoad(ctx context.Context) (models.SystemLoad, error)
}

// Summary aggregates the latest health of every checked service.
type Summary struct {
	Timestamp time.Time `json:"timestamp"`
	Total     int       `json:"total"`
	Healthy   int       `json:"healthy"`
	Degraded  int       `json:"degraded"`
	Unhealthy int       `json:"unhealthy"`
	Unknown   int       `json:"unknown"`
}

// Checker monitors service health and maintains a history of results.
type Checker struct {
	source  Source
	loadTTL time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	checks  map[string]*models.ServiceHealth
	history map[string][]models.ServiceHealth
	load    models.SystemLoad
	loadAt  time.Time
}

// NewChecker creates a Checker. Load samples are reused for loadTTL.
func NewChecker(source Source, loadTTL time.Duration, logger *zap.Logger) *Checker {
	return &Checker{
		source:  source,
		loadTTL: loadTTL,
		logger:  logging.OrNop(logger).Named("health"),
		now:     time.Now,
		checks:  make(map[string]*models.ServiceHealth),
		history: make(map[string][]models.ServiceHealth),
	}
}

// ListServices returns the services of the managed system.
func (c *Checker) ListServices(ctx context.Context) ([]models.ServiceInfo, error) {
	services, err := c.source.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("health: list services: %w", err)
	}
	return services, nil
}

// SystemLoad returns the current system load, sampling the source at most
// once per load TTL.
func (c *Checker) SystemLoad(ctx context.Context) (models.SystemLoad, error) {
	now := c.now()

	c.mu.RLock()
	load, at := c.load, c.loadAt
	c.mu.RUnlock()
	if !at.IsZero() && now.Sub(at) < c.loadTTL {
		return load, nil
	}

	load, err := c.source.SystemLoad(ctx)
	if err != nil {
		return models.SystemLoad{}, fmt.Errorf("health: sample load: %w", err)
	}

	c.mu.Lock()
	c.load, c.loadAt = load, now
	c.mu.Unlock()
	return load, nil
}

// CheckAll evaluates every service and records the results.
func (c *Checker) CheckAll(ctx context.Context) ([]*models.ServiceHealth, error) {
	services, err := c.ListServices(ctx)
	if err != nil {
		return nil, err
	}

	status := make(map[string]models.ServiceStatus, len(services))
	for _, svc := range services {
		status[svc.Name] = svc.Status
	}

	results := make([]*models.ServiceHealth, 0, len(services))
	for _, svc := range services {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}
		check := c.evaluate(svc, status)
		c.storeCheck(check)
		results = append(results, check)
	}

	c.logger.Debug("health check completed", zap.Int("services", len(results)))
	return results, nil
}

// CheckService evaluates a single service.
func (c *Checker) CheckService(ctx context.Context, name string) (*models.ServiceHealth, error) {
	if name == "" {
		return nil, fmt.Errorf("health: service name is required")
	}
	services, err := c.ListServices(ctx)
	if err != nil {
		return nil, err
	}

	status := make(map[string]models.ServiceStatus, len(services))
	var target *models.ServiceInfo
	for i := range services {
		status[services[i].Name] = services[i].Status
		if services[i].Name == name {
			target = &services[i]
		}
	}

	var check *models.ServiceHealth
	if target == nil {
		check = &models.ServiceHealth{
			Service:   name,
			Status:    models.HealthStatusUnhealthy,
			LastCheck: c.now().UTC(),
			Details: map[string]string{
				"error":          "service not found",
				"recommendation": "verify the service is installed",
			},
		}
	} else {
		check = c.evaluate(*target, status)
	}
	c.storeCheck(check)
	return check, nil
}

// Summary aggregates the latest check of every service.
func (c *Checker) Summary() *Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := &Summary{Timestamp: c.now().UTC()}
	for _, check := range c.checks {
		s.Total++
		switch check.Status {
		case models.HealthStatusHealthy:
			s.Healthy++
		case models.HealthStatusDegraded:
			s.Degraded++
		case models.HealthStatusUnhealthy:
			s.Unhealthy++
		default:
			s.Unknown++
		}
	}
	return s
}

// Latest returns the most recent check of every service, sorted by name.
func (c *Checker) Latest() []models.ServiceHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.ServiceHealth, 0, len(c.checks))
	for _, check := range c.checks {
		out = append(out, *check)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// History returns the health history of a service, oldest first.
func (c *Checker) History(service string) []models.ServiceHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history := c.history[service]
	out := make([]models.ServiceHealth, len(history))
	copy(out, history)
	return out
}

// Run checks all services every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.CheckAll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("periodic health check failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// evaluate derives the health of svc from its own status and the status of
// the services it depends on.
func (c *Checker) evaluate(svc models.ServiceInfo, status map[string]models.ServiceStatus) *models.ServiceHealth {
	check := &models.ServiceHealth{
		Service:   svc.Name,
		LastCheck: c.now().UTC(),
		Details:   make(map[string]string),
	}

	switch svc.Status {
	case models.ServiceRunning:
		check.Status = models.HealthStatusHealthy
		check.Details["message"] = "service is running"
		var down []string
		for _, dep := range svc.Dependencies {
			if st, ok := status[dep]; ok && st != models.ServiceRunning {
				down = append(down, dep)
			}
		}
		if len(down) > 0 {
			check.Status = models.HealthStatusDegraded
			check.Details["message"] = "dependencies are not running"
			check.Details["dependencies_down"] = fmt.Sprint(down)
		}
	case models.ServiceStopped:
		check.Status = models.HealthStatusDegraded
		check.Details["message"] = "service is stopped"
		if svc.Critical {
			check.Status = models.HealthStatusUnhealthy
			check.Details["recommendation"] = "restart the critical service"
		}
	default:
		check.Status = models.HealthStatusUnknown
		check.Details["message"] = "service status unknown"
	}
	return check
}

// storeCheck saves a result and appends it to the bounded history.
func (c *Checker) storeCheck(check *models.ServiceHealth) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks[check.Service] = check

	history := append(c.history[check.Service], *check)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	c.history[check.Service] = history

	serviceHealthGauge.WithLabelValues(check.Service).Set(healthValue(check.Status))
}

func healthValue(s models.HealthStatus) float64 {
	switch s {
	case models.HealthStatusHealthy:
		return 1
	case models.HealthStatusDegraded:
		return 0.5
	case models.HealthStatusUnhealthy:
		return 0
	default:
		return -1
	}
}
