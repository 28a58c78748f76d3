package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/engine"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// registerHandlers installs the actions this host can run against its
// connector. Deployments with a real action library register theirs here.
func registerHandlers(reg *engine.Registry) {
	reg.MustRegister("update_configuration", engine.HandlerFunc(updateConfiguration))
	reg.MustRegister("revert_configuration", engine.HandlerFunc(revertConfiguration))
	reg.MustRegister("restart_service", engine.HandlerFunc(restartService))
}

// updateConfiguration merges the "values" parameter into the system
// configuration and records the previous values.
func updateConfiguration(ctx context.Context, req engine.HandlerRequest) (*engine.HandlerResult, error) {
	values, ok := req.Parameters["values"].(map[string]any)
	if !ok || len(values) == 0 {
		return nil, errors.New("parameter \"values\" must be a non-empty object")
	}
	current, err := req.Connector.GetSystemConfig(ctx)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(values))
	before := make(map[string]any, len(values))
	for k := range values {
		keys = append(keys, k)
		before[k] = current[k]
	}
	sort.Strings(keys)
	changes := &models.ChangeSet{Target: "system_config", Before: before, After: values}

	if req.DryRun {
		return &engine.HandlerResult{Success: true, Output: fmt.Sprintf("would update %v", keys), Changes: changes}, nil
	}
	if err := req.Connector.UpdateSystemConfig(ctx, values); err != nil {
		return nil, err
	}
	return &engine.HandlerResult{Success: true, Output: fmt.Sprintf("updated %v", keys), Changes: changes}, nil
}

// revertConfiguration restores the before side of a recorded change set.
func revertConfiguration(ctx context.Context, req engine.HandlerRequest) (*engine.HandlerResult, error) {
	if req.Changes == nil || len(req.Changes.Before) == 0 {
		return nil, errors.New("no recorded configuration changes")
	}
	if req.DryRun {
		return &engine.HandlerResult{Success: true, Output: "would revert configuration", Changes: req.Changes}, nil
	}
	if err := req.Connector.UpdateSystemConfig(ctx, req.Changes.Before); err != nil {
		return nil, err
	}
	return &engine.HandlerResult{
		Success: true,
		Output:  "configuration reverted",
		Changes: &models.ChangeSet{Target: req.Changes.Target, Before: req.Changes.After, After: req.Changes.Before},
	}, nil
}

// restartService restarts the service named by the "service" parameter.
func restartService(ctx context.Context, req engine.HandlerRequest) (*engine.HandlerResult, error) {
	name, _ := req.Parameters["service"].(string)
	if name == "" {
		return nil, errors.New("parameter \"service\" is required")
	}
	svc, err := req.Connector.GetService(ctx, name)
	if err != nil {
		return nil, err
	}
	changes := &models.ChangeSet{
		Target: name,
		Before: map[string]any{"status": string(svc.Status)},
		After:  map[string]any{"status": string(models.ServiceRunning)},
	}

	if req.DryRun {
		return &engine.HandlerResult{Success: true, Output: "would restart " + name, Changes: changes}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Connector.RestartService(ctx, name); err != nil {
		return nil, err
	}
	return &engine.HandlerResult{Success: true, Output: "restarted " + name, Changes: changes}, nil
}
