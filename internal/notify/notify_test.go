package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakePublisher struct {
	channel string
	msgs    [][]byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message []byte) error {
	if f.err != nil {
		return f.err
	}
	f.channel = channel
	f.msgs = append(f.msgs, message)
	return nil
}

func TestPubSubNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := NewPubSubNotifier(pub, "remedy:notifications")

	require.NoError(t, n.Notify(context.Background(), Notification{Type: EventEmergencyStop, ScheduleID: "s1", Title: "stop"}))
	assert.Equal(t, "remedy:notifications", pub.channel)
	require.Len(t, pub.msgs, 1)

	var got Notification
	require.NoError(t, json.Unmarshal(pub.msgs[0], &got))
	assert.Equal(t, EventEmergencyStop, got.Type)
	assert.Equal(t, "s1", got.ScheduleID)
}

func TestMulti_JoinsErrors(t *testing.T) {
	mem := &Memory{}
	failing := &fakePublisher{err: errors.New("redis down")}
	m := Multi{NewLogNotifier(zaptest.NewLogger(t)), NewPubSubNotifier(failing, "c"), mem}

	err := m.Notify(context.Background(), Notification{Type: EventPreExecution, Title: "soon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.Len(t, mem.Sent(), 1, "later sinks still receive the notification")
}

func TestRateLimited(t *testing.T) {
	mem := &Memory{}
	rl := NewRateLimited(mem, 0.001, 2)

	ctx := context.Background()
	assert.NoError(t, rl.Notify(ctx, Notification{Type: EventPreExecution}))
	assert.NoError(t, rl.Notify(ctx, Notification{Type: EventApprovalRequired}))
	assert.ErrorIs(t, rl.Notify(ctx, Notification{Type: EventPreExecution}), ErrRateLimited)

	assert.Len(t, mem.Sent(), 2)
	assert.Len(t, mem.OfType(EventApprovalRequired), 1)
}
