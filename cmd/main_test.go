package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/connector"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/engine"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/notify"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "remedy dev\n", out.String())
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://remedy:xxxxx@db:5432/remedy", redactDSN("postgres://remedy:secret@db:5432/remedy"))
	assert.Equal(t, "postgres://remedy@db/remedy", redactDSN("postgres://remedy@db/remedy"))
}

func TestConfigurationHandlersRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := engine.NewRegistry()
	registerHandlers(reg)
	eng := engine.New(reg, nil, zaptest.NewLogger(t))
	conn := connector.NewSampleSimulated("test")

	finding := models.Finding{ID: "f-1", Remediable: true}
	action := models.RemediationAction{
		ID:                 "update_configuration",
		Parameters:         map[string]any{"values": map[string]any{"session_timeout": float64(15)}},
		RequiredParameters: []string{"values"},
		CanRollback:        true,
		RollbackAction:     "revert_configuration",
	}

	res, err := eng.Execute(ctx, finding, action, engine.Options{Connector: conn})
	require.NoError(t, err)
	require.True(t, res.Success)
	cfg, err := conn.GetSystemConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(15), cfg["session_timeout"])

	rb, err := eng.Rollback(ctx, res.Attempt.ID, conn)
	require.NoError(t, err)
	assert.True(t, rb.Success)
	cfg, err = conn.GetSystemConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(30), cfg["session_timeout"])
}

func TestRestartServiceHandler(t *testing.T) {
	ctx := context.Background()
	conn := connector.NewSampleSimulated("test")

	res, err := restartService(ctx, engine.HandlerRequest{
		Parameters: map[string]any{"service": "web-server"},
		Connector:  conn,
		DryRun:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "would restart web-server", res.Output)

	_, err = restartService(ctx, engine.HandlerRequest{Parameters: map[string]any{"service": "nope"}, Connector: conn})
	assert.ErrorIs(t, err, connector.ErrNotFound)

	_, err = restartService(ctx, engine.HandlerRequest{Connector: conn})
	assert.Error(t, err)
}

func TestNotifierLogsEveryNotificationBeyondTheRateLimit(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	published := &notify.Memory{}
	n := buildNotifier(zap.New(core), []notify.Notifier{published}, 1)

	for i := 0; i < 20; i++ {
		_ = n.Notify(context.Background(), notify.Notification{Type: notify.EventEmergencyStop, Title: "Emergency stop"})
	}

	assert.Equal(t, 20, logs.FilterMessage("notification").Len())
	assert.Less(t, len(published.Sent()), 20)
	assert.GreaterOrEqual(t, len(published.Sent()), 10)
}

func TestNotifierWithoutExternalSinks(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := buildNotifier(zap.New(core), nil, 1)
	for i := 0; i < 15; i++ {
		require.NoError(t, n.Notify(context.Background(), notify.Notification{Type: notify.EventExecutionDone}))
	}
	assert.Equal(t, 15, logs.FilterMessage("notification").Len())
}
