package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/models"
)

func TestMemoryPublisherDeliversToSubscribers(t *testing.T) {
	mem := NewMemoryLog()
	manager, server := newTestManager(t, mem)
	pub := NewMemoryPublisher(mem, manager, discardLogger())

	conn := connectWS(t, server)
	readJSON(t, conn)
	subscribeAndConfirm(t, manager, conn, ChannelTasks)

	pub.Publish(context.Background(), models.EventTaskSubmitted, "task-1", map[string]any{
		"subtasks": 3,
	})

	msg := readJSON(t, conn)
	assert.Equal(t, string(models.EventTaskSubmitted), msg["type"])
	assert.Equal(t, "task-1", msg["task_id"])
	assert.Equal(t, float64(1), msg["db_event_id"])
	assert.NotZero(t, msg["ts"])

	payload, ok := msg["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), payload["subtasks"])
}

func TestMemoryPublisherMeshChannel(t *testing.T) {
	mem := NewMemoryLog()
	manager, server := newTestManager(t, mem)
	pub := NewMemoryPublisher(mem, manager, discardLogger())

	conn := connectWS(t, server)
	readJSON(t, conn)
	subscribeAndConfirm(t, manager, conn, ChannelMesh)

	pub.PublishMesh(context.Background(), "peer_joined", map[string]any{"peer_id": "coord-2"})

	msg := readJSON(t, conn)
	assert.Equal(t, "peer_joined", msg["type"])
	payload := msg["payload"].(map[string]any)
	assert.Equal(t, "coord-2", payload["peer_id"])
}

func TestMemoryPublisherBacksCatchup(t *testing.T) {
	mem := NewMemoryLog()
	manager, server := newTestManager(t, mem)
	pub := NewMemoryPublisher(mem, manager, discardLogger())

	// Publish before anyone subscribes; the ring retains the events.
	for i := 1; i <= 3; i++ {
		pub.Publish(context.Background(), models.EventTaskSubmitted, fmt.Sprintf("task-%d", i), nil)
	}

	conn := connectWS(t, server)
	readJSON(t, conn)

	lastSeen := 1
	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: ChannelTasks, LastEventID: &lastSeen})
	require.Equal(t, "subscription.confirmed", readJSON(t, conn)["type"])

	msg := readJSON(t, conn)
	assert.Equal(t, "task-2", msg["task_id"])
	assert.Equal(t, float64(2), msg["db_event_id"])

	msg = readJSON(t, conn)
	assert.Equal(t, "task-3", msg["task_id"])
	assert.Equal(t, float64(3), msg["db_event_id"])
}

func TestMemoryLog(t *testing.T) {
	t.Run("filters by channel and since id", func(t *testing.T) {
		log := NewMemoryLog()
		log.Append(ChannelTasks, []byte(`{"type":"a"}`))
		log.Append(ChannelMesh, []byte(`{"type":"b"}`))
		log.Append(ChannelTasks, []byte(`{"type":"c"}`))

		events, err := log.GetCatchupEvents(context.Background(), ChannelTasks, 1, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, 3, events[0].ID)
		assert.Equal(t, "c", events[0].Payload["type"])
	})

	t.Run("respects limit", func(t *testing.T) {
		log := NewMemoryLog()
		for i := 0; i < 5; i++ {
			log.Append(ChannelTasks, []byte(`{"type":"x"}`))
		}
		events, err := log.GetCatchupEvents(context.Background(), ChannelTasks, 0, 2)
		require.NoError(t, err)
		assert.Len(t, events, 2)
		assert.Equal(t, 1, events[0].ID)
		assert.Equal(t, 2, events[1].ID)
	})

	t.Run("ring drops oldest beyond capacity", func(t *testing.T) {
		log := NewMemoryLog()
		for i := 0; i < memoryLogCap+10; i++ {
			log.Append(ChannelTasks, []byte(`{"type":"x"}`))
		}
		events, err := log.GetCatchupEvents(context.Background(), ChannelTasks, 0, memoryLogCap+10)
		require.NoError(t, err)
		require.Len(t, events, memoryLogCap)
		// The first retained id reflects the dropped prefix.
		assert.Equal(t, 11, events[0].ID)
	})
}

func TestInjectDBEventID(t *testing.T) {
	evt := Event{Type: "task_submitted", TaskID: "task-1", Timestamp: time.Now().UnixMilli()}
	data, err := json.Marshal(evt)
	require.NoError(t, err)

	enriched, err := injectDBEventID(data, 42)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(enriched), &m))
	assert.Equal(t, float64(42), m["db_event_id"])
	assert.Equal(t, "task_submitted", m["type"])
	assert.Equal(t, "task-1", m["task_id"])
}

func TestTruncateIfNeeded(t *testing.T) {
	t.Run("small payload unchanged", func(t *testing.T) {
		out, err := truncateIfNeeded(`{"type":"task_submitted","task_id":"task-1"}`)
		require.NoError(t, err)
		assert.Equal(t, `{"type":"task_submitted","task_id":"task-1"}`, out)
	})

	t.Run("oversized payload replaced by routing envelope", func(t *testing.T) {
		evt := Event{
			Type:    "task_completed",
			TaskID:  "task-1",
			Payload: map[string]any{"artifact": strings.Repeat("x", pgNotifyLimit)},
		}
		data, err := json.Marshal(evt)
		require.NoError(t, err)
		enriched, err := injectDBEventID(data, 7)
		require.NoError(t, err)

		out, err := truncateIfNeeded(enriched)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(out), pgNotifyLimit)

		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &m))
		assert.Equal(t, true, m["truncated"])
		assert.Equal(t, "task_completed", m["type"])
		assert.Equal(t, "task-1", m["task_id"])
		assert.Equal(t, float64(7), m["db_event_id"])
		assert.NotContains(t, m, "payload")
	})
}
