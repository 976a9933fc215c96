package events

import (
	"context"
	"encoding/json"
	"testing"

	"tubebot/app/config"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByJob(t *testing.T) {
	w := &captureWriter{}
	p := &KafkaPublisher{writer: w, topic: "tubebot.jobs"}

	require.NoError(t, p.Publish(context.Background(), Event{Type: JobCompleted, JobID: "job-1", FileSize: 42}))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "tubebot.jobs", msg.Topic)
	assert.Equal(t, "job-1", string(msg.Key))
	assert.Equal(t, "job.completed", string(msg.Headers[0].Value))

	var e Event
	require.NoError(t, json.Unmarshal(msg.Value, &e))
	assert.Equal(t, int64(42), e.FileSize)
	assert.False(t, e.Timestamp.IsZero())

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewDisabled(t *testing.T) {
	p := New(config.EventsConfig{Enabled: false})
	assert.IsType(t, NopPublisher{}, p)
	assert.NoError(t, p.Publish(context.Background(), Event{}))
}
