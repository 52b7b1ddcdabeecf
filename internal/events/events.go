// Package events publishes asset and variant lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "media.events"

type Type string

const (
	AssetEnqueued Type = "asset.enqueued"
	AssetReused   Type = "asset.reused"
	AssetReady    Type = "asset.ready"
	AssetFailed   Type = "asset.failed"
	AssetRemoved  Type = "asset.removed"
	AssetPurged   Type = "asset.purged"
	VariantReady  Type = "variant.ready"
	VariantFailed Type = "variant.failed"
)

type Event struct {
	Type        Type      `json:"type"`
	AssetID     string    `json:"asset_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	UserVideoID string    `json:"user_video_id,omitempty"`
	VariantID   string    `json:"variant_id,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// key groups events of one asset on one partition.
func (e Event) key() []byte {
	if e.AssetID != "" {
		return []byte(e.AssetID)
	}
	return []byte(e.VariantID)
}

type Notifier interface {
	Publish(ctx context.Context, evts ...Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
func (Nop) Close() error                            { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier writes JSON encoded events to a single topic.
type KafkaNotifier struct {
	writer messageWriter
	now    func() time.Time
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		now: time.Now,
	}
}

func (n *KafkaNotifier) Publish(ctx context.Context, evts ...Event) error {
	if len(evts) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(evts))
	for _, e := range evts {
		if e.At.IsZero() {
			e.At = n.now().UTC()
		}
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", e.Type, err)
		}
		msgs = append(msgs, kafka.Message{Key: e.key(), Value: b, Time: e.At})
	}
	if err := n.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d events: %w", len(msgs), err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, evts ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, evts...)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []Type {
	var out []Type
	for _, e := range r.Events() {
		out = append(out, e.Type)
	}
	return out
}
