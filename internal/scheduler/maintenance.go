package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaintenanceMirror publishes the maintenance flag outside the process.
type MaintenanceMirror interface {
	SetMaintenance(ctx context.Context, active bool, ttl time.Duration) error
}

// MaintenanceReader is a mirror that can read back the shared flag.
type MaintenanceReader interface {
	MaintenanceActive(ctx context.Context) (bool, error)
}

// Maintenance is the process-wide maintenance-mode flag. It is active while
// at least one owner holds it, so overlapping executions cannot switch it off
// under each other.
type Maintenance struct {
	mirror MaintenanceMirror
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	owners map[string]time.Time
}

func newMaintenance(mirror MaintenanceMirror, ttl time.Duration, logger *zap.Logger) *Maintenance {
	return &Maintenance{
		mirror: mirror,
		ttl:    ttl,
		logger: logger,
		owners: make(map[string]time.Time),
	}
}

// Enable adds owner. The flag turns on with the first owner.
func (m *Maintenance) Enable(ctx context.Context, owner string) {
	m.mu.Lock()
	_, held := m.owners[owner]
	m.owners[owner] = time.Now().UTC()
	turnedOn := !held && len(m.owners) == 1
	m.mu.Unlock()

	if turnedOn {
		maintenanceGauge.Set(1)
		m.logger.Info("maintenance mode enabled", zap.String("owner", owner))
		m.publish(ctx, true)
	}
}

// Disable removes owner. The flag turns off with the last owner.
func (m *Maintenance) Disable(ctx context.Context, owner string) {
	m.mu.Lock()
	_, held := m.owners[owner]
	delete(m.owners, owner)
	turnedOff := held && len(m.owners) == 0
	m.mu.Unlock()

	if turnedOff {
		maintenanceGauge.Set(0)
		m.logger.Info("maintenance mode disabled", zap.String("owner", owner))
		m.publish(ctx, false)
	}
}

// Active reports whether maintenance mode is on.
func (m *Maintenance) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners) > 0
}

// Owners returns the current holders, sorted.
func (m *Maintenance) Owners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.owners))
	for o := range m.owners {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// ClusterActive reports whether maintenance mode is on in this process or,
// when the mirror can be read back, on any instance sharing the mirror.
func (m *Maintenance) ClusterActive(ctx context.Context) (bool, error) {
	if m.Active() {
		return true, nil
	}
	r, ok := m.mirror.(MaintenanceReader)
	if !ok {
		return false, nil
	}
	active, err := r.MaintenanceActive(ctx)
	if err != nil {
		return false, fmt.Errorf("scheduler: read maintenance mirror: %w", err)
	}
	return active, nil
}

func (m *Maintenance) publish(ctx context.Context, active bool) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.SetMaintenance(context.WithoutCancel(ctx), active, m.ttl); err != nil {
		m.logger.Warn("failed to mirror maintenance mode", zap.Bool("active", active), zap.Error(err))
	}
}
