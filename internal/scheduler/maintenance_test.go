package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type failingMirror struct{ calls int }

func (f *failingMirror) SetMaintenance(ctx context.Context, active bool, ttl time.Duration) error {
	f.calls++
	return errors.New("redis unavailable")
}

type sharedMirror struct {
	active bool
	err    error
}

func (s *sharedMirror) SetMaintenance(ctx context.Context, active bool, ttl time.Duration) error {
	return nil
}

func (s *sharedMirror) MaintenanceActive(ctx context.Context) (bool, error) {
	return s.active, s.err
}

func TestMaintenanceClusterActive(t *testing.T) {
	ctx := context.Background()

	shared := &sharedMirror{active: true}
	m := newMaintenance(shared, time.Minute, zaptest.NewLogger(t))
	active, err := m.ClusterActive(ctx)
	require.NoError(t, err)
	assert.True(t, active, "held by another instance")
	assert.False(t, m.Active())

	shared.active, shared.err = false, errors.New("redis unavailable")
	_, err = m.ClusterActive(ctx)
	assert.Error(t, err)
	m.Enable(ctx, "exec-a")
	active, err = m.ClusterActive(ctx)
	require.NoError(t, err)
	assert.True(t, active, "local owners answer without the mirror")

	local := newMaintenance(&recordingMirror{}, time.Minute, zaptest.NewLogger(t))
	active, err = local.ClusterActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestMaintenanceOwners(t *testing.T) {
	mirror := &recordingMirror{}
	m := newMaintenance(mirror, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.False(t, m.Active())
	m.Enable(ctx, "exec-a")
	m.Enable(ctx, "exec-b")
	m.Enable(ctx, "exec-a")
	assert.True(t, m.Active())
	assert.Equal(t, []string{"exec-a", "exec-b"}, m.Owners())

	m.Disable(ctx, "exec-a")
	assert.True(t, m.Active(), "still held by exec-b")
	m.Disable(ctx, "exec-unknown")
	assert.True(t, m.Active())

	m.Disable(ctx, "exec-b")
	assert.False(t, m.Active())
	assert.Empty(t, m.Owners())

	assert.Equal(t, []bool{true, false}, mirror.states)
}

func TestMaintenanceMirrorFailureIsNotFatal(t *testing.T) {
	mirror := &failingMirror{}
	m := newMaintenance(mirror, time.Minute, zaptest.NewLogger(t))

	m.Enable(context.Background(), "exec-a")
	assert.True(t, m.Active())
	m.Disable(context.Background(), "exec-a")
	assert.False(t, m.Active())
	assert.Equal(t, 2, mirror.calls)
}
