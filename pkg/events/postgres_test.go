package events

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/models"
	testdb "github.com/edgecoder/edgecoder/test/database"
)

func TestPostgresLogCatchup(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	pub := NewPublisher(client.DB(), discardLogger())
	log := NewPostgresLog(client.DB())

	pub.Publish(ctx, models.EventTaskSubmitted, "task-1", map[string]any{"subtasks": 2})
	pub.Publish(ctx, models.EventTaskAssigned, "task-1", map[string]any{"agent_id": "agent-a"})
	pub.PublishMesh(ctx, "peer_joined", map[string]any{"peer_id": "coord-2"})

	events, err := log.GetCatchupEvents(ctx, ChannelTasks, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, string(models.EventTaskSubmitted), events[0].Payload["type"])
	assert.Equal(t, string(models.EventTaskAssigned), events[1].Payload["type"])
	assert.Less(t, events[0].ID, events[1].ID)

	// Catchup from the first id skips it.
	events, err = log.GetCatchupEvents(ctx, ChannelTasks, events[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "task-1", events[0].Payload["task_id"])

	// The mesh channel is isolated.
	meshEvents, err := log.GetCatchupEvents(ctx, ChannelMesh, 0, 10)
	require.NoError(t, err)
	require.Len(t, meshEvents, 1)
	assert.Equal(t, "peer_joined", meshEvents[0].Payload["type"])
}

func TestPostgresLogPurgeBefore(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	pub := NewPublisher(client.DB(), discardLogger())
	log := NewPostgresLog(client.DB())

	pub.Publish(ctx, models.EventTaskSubmitted, "task-old", nil)
	pub.Publish(ctx, models.EventTaskSubmitted, "task-new", nil)

	_, err := client.DB().ExecContext(ctx,
		`UPDATE events SET created_at = now() - interval '2 hours'
		 WHERE payload->>'task_id' = 'task-old'`)
	require.NoError(t, err)

	purged, err := log.PurgeBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	events, err := log.GetCatchupEvents(ctx, ChannelTasks, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "task-new", events[0].Payload["task_id"])

	// A second pass finds nothing left to delete.
	purged, err = log.PurgeBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestListenerRelaysNotifications(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)

	manager, server := newTestManager(t, NewPostgresLog(client.DB()))
	listener := NewListener(client.DSN(), manager, discardLogger())
	require.NoError(t, listener.Start(ctx))
	t.Cleanup(func() { listener.Stop(context.Background()) })

	conn := connectWS(t, server)
	readJSON(t, conn)
	subscribeAndConfirm(t, manager, conn, ChannelTasks)

	pub := NewPublisher(client.DB(), discardLogger())
	pub.Publish(ctx, models.EventTaskCompleted, "task-7", map[string]any{"duration_ms": 1200})

	msg := readJSON(t, conn)
	assert.Equal(t, string(models.EventTaskCompleted), msg["type"])
	assert.Equal(t, "task-7", msg["task_id"])
	assert.NotZero(t, msg["db_event_id"])

	payload, ok := msg["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1200), payload["duration_ms"])
}

func TestOversizedNotifyFallsBackToTruncatedEnvelope(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)

	manager, server := newTestManager(t, NewPostgresLog(client.DB()))
	listener := NewListener(client.DSN(), manager, discardLogger())
	require.NoError(t, listener.Start(ctx))
	t.Cleanup(func() { listener.Stop(context.Background()) })

	conn := connectWS(t, server)
	readJSON(t, conn)
	subscribeAndConfirm(t, manager, conn, ChannelTasks)

	pub := NewPublisher(client.DB(), discardLogger())
	huge := strings.Repeat("x", pgNotifyLimit+100)
	pub.Publish(ctx, models.EventTaskCompleted, "task-big", map[string]any{"artifact": huge})

	// The live copy is the routing envelope; the stored row keeps everything.
	msg := readJSON(t, conn)
	assert.Equal(t, true, msg["truncated"])
	assert.Equal(t, string(models.EventTaskCompleted), msg["type"])
	assert.Equal(t, "task-big", msg["task_id"])
	require.NotZero(t, msg["db_event_id"])

	lastSeen := int(msg["db_event_id"].(float64)) - 1
	deadline := time.Now().Add(2 * time.Second)
	for {
		events, err := NewPostgresLog(client.DB()).GetCatchupEvents(ctx, ChannelTasks, lastSeen, 1)
		require.NoError(t, err)
		if len(events) == 1 {
			payload := events[0].Payload["payload"].(map[string]any)
			assert.Len(t, payload["artifact"], len(huge))
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stored event never became visible")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
