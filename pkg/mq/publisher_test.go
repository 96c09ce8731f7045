package mq

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stywzn/recon-orchestrator/internal/model"
)

func TestMessage(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	ev := model.JobEvent{
		ID:        "ev-1",
		JobID:     "job-1",
		ProjectID: "proj-1",
		Type:      model.EventFailed,
		Payload:   map[string]any{"error": "NonZeroExit: exit code 1"},
		CreatedAt: at,
	}
	assert.Equal(t, "job.failed", RoutingKey(ev))

	msg, err := message(ev)
	require.NoError(t, err)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "ev-1", msg.MessageId)
	assert.Equal(t, at, msg.Timestamp)

	var decoded model.JobEvent
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "job-1", decoded.JobID)
	assert.Equal(t, model.EventFailed, decoded.Type)
	assert.Equal(t, "NonZeroExit: exit code 1", decoded.Payload["error"])
}
