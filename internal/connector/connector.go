// Package connector defines the contract for talking to a managed target system.
//
// Action handlers and the backup subsystem use a Connector to read and change
// configuration, manage services, export and import database state and move
// files. The scheduler never calls a connector directly.
package connector

import (
	"context"
	"errors"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// ErrNotFound is returned when a named service, table or file does not exist.
var ErrNotFound = errors.New("connector: not found")

// Connector is the query/execute contract of a managed system.
// Implementations must be safe for concurrent use.
type Connector interface {
	// SystemID identifies the managed system.
	SystemID() string

	// ExecuteQuery runs a query against the system's database.
	ExecuteQuery(ctx context.Context, query string, args ...any) ([]map[string]any, error)

	GetSystemConfig(ctx context.Context) (map[string]any, error)
	// UpdateSystemConfig merges values into the configuration.
	UpdateSystemConfig(ctx context.Context, values map[string]any) error
	// SetSystemConfig replaces the whole configuration.
	SetSystemConfig(ctx context.Context, values map[string]any) error
	GetEnvironment(ctx context.Context) (map[string]string, error)
	SetEnvironment(ctx context.Context, env map[string]string) error

	ListServices(ctx context.Context) ([]models.ServiceInfo, error)
	GetService(ctx context.Context, name string) (*models.ServiceInfo, error)
	StartService(ctx context.Context, name string) error
	StopService(ctx context.Context, name string) error
	RestartService(ctx context.Context, name string) error

	// SystemLoad samples current resource utilisation.
	SystemLoad(ctx context.Context) (models.SystemLoad, error)

	ExportSchema(ctx context.Context) ([]byte, error)
	ImportSchema(ctx context.Context, schema []byte) error
	ExportTable(ctx context.Context, table string) ([]byte, error)
	ImportTable(ctx context.Context, table string, data []byte) error

	// ListFiles returns file paths, relative to the system root, sorted alphabetically.
	ListFiles(ctx context.Context) ([]string, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
}
