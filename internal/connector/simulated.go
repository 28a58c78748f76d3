package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// Simulated is an in-memory Connector for development and tests. It models a
// single system with configuration, environment, services, tables and files.
type Simulated struct {
	id string

	mu       sync.RWMutex
	config   map[string]any
	env      map[string]string
	services map[string]*models.ServiceInfo
	schema   []byte
	tables   map[string][]byte
	files    map[string][]byte
	load     models.SystemLoad
	queries  []string
}

// NewSimulated creates an empty simulated system.
func NewSimulated(systemID string) *Simulated {
	return &Simulated{
		id:       systemID,
		config:   make(map[string]any),
		env:      make(map[string]string),
		services: make(map[string]*models.ServiceInfo),
		tables:   make(map[string][]byte),
		files:    make(map[string][]byte),
	}
}

// NewSampleSimulated creates a simulated system populated with sample data.
func NewSampleSimulated(systemID string) *Simulated {
	s := NewSimulated(systemID)
	s.config = map[string]any{
		"session_timeout":  float64(30),
		"max_connections":  float64(200),
		"audit_enabled":    true,
		"password_min_len": float64(8),
		"cache_ttl":        float64(300),
	}
	s.env = map[string]string{
		"APP_ENV":   "production",
		"LOG_LEVEL": "info",
	}
	for _, svc := range []models.ServiceInfo{
		{Name: "web-server", Status: models.ServiceRunning, Critical: true, ActiveUsers: 240, UserGroups: 6, Dependencies: []string{"api-gateway"}},
		{Name: "api-gateway", Status: models.ServiceRunning, Critical: true, ActiveUsers: 120, UserGroups: 4, Dependencies: []string{"database", "cache"}},
		{Name: "database", Status: models.ServiceRunning, Critical: true, ActiveUsers: 15, UserGroups: 2},
		{Name: "cache", Status: models.ServiceRunning, ActiveUsers: 0, UserGroups: 0},
		{Name: "scheduler", Status: models.ServiceRunning, ActiveUsers: 3, UserGroups: 1},
	} {
		svc := svc
		s.services[svc.Name] = &svc
	}
	s.schema = []byte("CREATE TABLE users (id TEXT PRIMARY KEY, name TEXT);\nCREATE TABLE roles (id TEXT PRIMARY KEY, name TEXT);\n")
	s.tables["users"] = []byte(`[{"id":"u1","name":"admin"}]`)
	s.tables["roles"] = []byte(`[{"id":"r1","name":"administrator"}]`)
	s.tables["permissions"] = []byte(`[]`)
	s.tables["audit_log"] = []byte(`[]`)
	s.files["etc/app.conf"] = []byte("listen=0.0.0.0:8080\n")
	s.files["etc/security.conf"] = []byte("tls=on\n")
	s.load = models.SystemLoad{CPU: 0.35, Memory: 0.45, Disk: 0.30, Network: 0.20}
	return s
}

// SystemID returns the system identifier.
func (s *Simulated) SystemID() string { return s.id }

// ExecuteQuery records the query and returns no rows.
func (s *Simulated) ExecuteQuery(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	return []map[string]any{}, nil
}

// Queries returns every query executed so far.
func (s *Simulated) Queries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.queries...)
}

// GetSystemConfig returns a deep copy of the configuration.
func (s *Simulated) GetSystemConfig(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyConfig(s.config)
}

// UpdateSystemConfig merges values into the configuration.
func (s *Simulated) UpdateSystemConfig(ctx context.Context, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp, err := copyConfig(values)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range cp {
		s.config[k] = v
	}
	return nil
}

// SetSystemConfig swaps the whole configuration.
func (s *Simulated) SetSystemConfig(ctx context.Context, values map[string]any) error {
	cp, err := copyConfig(values)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cp
	return nil
}

func (s *Simulated) GetEnvironment(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out, nil
}

func (s *Simulated) SetEnvironment(ctx context.Context, env map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env = make(map[string]string, len(env))
	for k, v := range env {
		s.env[k] = v
	}
	return nil
}

// AddService registers or replaces a service.
func (s *Simulated) AddService(svc models.ServiceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.Name] = &svc
}

// ListServices returns all services sorted by name.
func (s *Simulated) ListServices(ctx context.Context) ([]models.ServiceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ServiceInfo, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, *svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Simulated) GetService(ctx context.Context, name string) (*models.ServiceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[name]
	if !ok {
		return nil, fmt.Errorf("service %q: %w", name, ErrNotFound)
	}
	cp := *svc
	return &cp, nil
}

func (s *Simulated) StartService(ctx context.Context, name string) error {
	return s.setServiceStatus(name, models.ServiceRunning)
}

func (s *Simulated) StopService(ctx context.Context, name string) error {
	return s.setServiceStatus(name, models.ServiceStopped)
}

// RestartService simulates a restart, leaving the service running.
func (s *Simulated) RestartService(ctx context.Context, name string) error {
	if err := s.setServiceStatus(name, models.ServiceStopped); err != nil {
		return err
	}
	return s.setServiceStatus(name, models.ServiceRunning)
}

func (s *Simulated) setServiceStatus(name string, status models.ServiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[name]
	if !ok {
		return fmt.Errorf("service %q: %w", name, ErrNotFound)
	}
	svc.Status = status
	return nil
}

// SetLoad overrides the reported system load.
func (s *Simulated) SetLoad(load models.SystemLoad) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load = load
}

func (s *Simulated) SystemLoad(ctx context.Context) (models.SystemLoad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l := s.load
	l.Sampled = time.Now().UTC()
	return l, nil
}

func (s *Simulated) ExportSchema(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.schema...), nil
}

func (s *Simulated) ImportSchema(ctx context.Context, schema []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = append([]byte(nil), schema...)
	return nil
}

func (s *Simulated) ExportTable(ctx context.Context, table string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("table %q: %w", table, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *Simulated) ImportTable(ctx context.Context, table string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append([]byte(nil), data...)
	return nil
}

func (s *Simulated) ListFiles(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Simulated) ReadFile(ctx context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[strings.TrimPrefix(path, "/")]
	if !ok {
		return nil, fmt.Errorf("file %q: %w", path, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *Simulated) WriteFile(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[strings.TrimPrefix(path, "/")] = append([]byte(nil), data...)
	return nil
}

// copyConfig deep-copies a configuration map through JSON so callers never
// share nested maps with the simulated system.
func copyConfig(in map[string]any) (map[string]any, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("connector: copy config: %w", err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("connector: copy config: %w", err)
	}
	return out, nil
}
