package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/connector"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

func TestCheckAll(t *testing.T) {
	ctx := context.Background()
	conn := connector.NewSampleSimulated("sys-1")
	require.NoError(t, conn.StopService(ctx, "database"))
	require.NoError(t, conn.StopService(ctx, "scheduler"))

	c := NewChecker(conn, time.Minute, zaptest.NewLogger(t))
	results, err := c.CheckAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 5)

	byName := map[string]models.HealthStatus{}
	for _, r := range results {
		byName[r.Service] = r.Status
	}
	assert.Equal(t, models.HealthStatusUnhealthy, byName["database"], "critical and stopped")
	assert.Equal(t, models.HealthStatusDegraded, byName["scheduler"], "stopped, not critical")
	assert.Equal(t, models.HealthStatusDegraded, byName["api-gateway"], "depends on a stopped service")
	assert.Equal(t, models.HealthStatusHealthy, byName["web-server"])
	assert.Equal(t, models.HealthStatusHealthy, byName["cache"])

	s := c.Summary()
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 2, s.Healthy)
	assert.Equal(t, 2, s.Degraded)
	assert.Equal(t, 1, s.Unhealthy)
}

func TestCheckService_Unknown(t *testing.T) {
	c := NewChecker(connector.NewSampleSimulated("sys-1"), time.Minute, zaptest.NewLogger(t))

	check, err := c.CheckService(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, models.HealthStatusUnhealthy, check.Status)
	assert.Equal(t, "service not found", check.Details["error"])

	_, err = c.CheckService(context.Background(), "")
	assert.Error(t, err)
}

func TestHistoryIsBounded(t *testing.T) {
	c := NewChecker(connector.NewSampleSimulated("sys-1"), time.Minute, zaptest.NewLogger(t))
	for i := 0; i < historyLimit+25; i++ {
		_, err := c.CheckService(context.Background(), "cache")
		require.NoError(t, err)
	}
	assert.Len(t, c.History("cache"), historyLimit)
	assert.Empty(t, c.History("unknown"))
}

func TestSystemLoadIsCached(t *testing.T) {
	ctx := context.Background()
	conn := connector.NewSampleSimulated("sys-1")
	c := NewChecker(conn, time.Minute, zaptest.NewLogger(t))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	first, err := c.SystemLoad(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, first.CPU, 1e-9)

	conn.SetLoad(models.SystemLoad{CPU: 0.9})
	cached, err := c.SystemLoad(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, cached.CPU, 1e-9)

	now = now.Add(2 * time.Minute)
	fresh, err := c.SystemLoad(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, fresh.CPU, 1e-9)
}
