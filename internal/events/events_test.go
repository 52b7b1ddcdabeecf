package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaNotifier_Publish(t *testing.T) {
	w := &fakeWriter{}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := &KafkaNotifier{writer: w, now: func() time.Time { return at }}

	err := n.Publish(context.Background(),
		Event{Type: AssetEnqueued, AssetID: "a1", JobID: "j1"},
		Event{Type: VariantReady, VariantID: "v1"},
	)
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)

	require.Equal(t, []byte("a1"), w.msgs[0].Key)
	require.Equal(t, at, w.msgs[0].Time)
	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	require.Equal(t, AssetEnqueued, decoded.Type)
	require.Equal(t, "j1", decoded.JobID)
	require.True(t, decoded.At.Equal(at))

	require.Equal(t, []byte("v1"), w.msgs[1].Key)

	require.NoError(t, n.Close())
	require.True(t, w.closed)
}

func TestKafkaNotifier_PublishError(t *testing.T) {
	boom := errors.New("broker down")
	n := &KafkaNotifier{writer: &fakeWriter{err: boom}, now: time.Now}
	err := n.Publish(context.Background(), Event{Type: AssetReady, AssetID: "a"})
	require.ErrorIs(t, err, boom)
}

func TestKafkaNotifier_PublishNothing(t *testing.T) {
	w := &fakeWriter{}
	n := &KafkaNotifier{writer: w, now: time.Now}
	require.NoError(t, n.Publish(context.Background()))
	require.Empty(t, w.msgs)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Publish(context.Background(), Event{Type: AssetReady}, Event{Type: AssetPurged}))
	require.Equal(t, []Type{AssetReady, AssetPurged}, r.Types())
}
