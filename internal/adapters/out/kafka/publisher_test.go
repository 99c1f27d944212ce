package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishBuildsMessage(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaPublisher{writer: w}

	require.NoError(t, p.Publish(context.Background(), Topic("authstate", TopicHealth), "cache", []byte(`{"healthy":false}`)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "authstate.health", w.msgs[0].Topic)
	assert.Equal(t, []byte("cache"), w.msgs[0].Key)
	assert.Equal(t, "timestamp", w.msgs[0].Headers[0].Key)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublishWrapsError(t *testing.T) {
	cause := errors.New("leader not available")
	p := &KafkaPublisher{writer: &recordingWriter{err: cause}}
	err := p.Publish(context.Background(), "t", "k", nil)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "publish t event failed")
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "sync", Topic("", TopicSync))
	assert.Equal(t, "x.cleanup", Topic("x", TopicCleanup))
	assert.NoError(t, NopPublisher{}.Publish(context.Background(), "a", "b", nil))
}
