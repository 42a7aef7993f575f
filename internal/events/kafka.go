// Package events publishes queue events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/ecotrace/ecotrace/internal/queue"
)

// published lists the event types forwarded to the topic.
var published = map[string]bool{
	queue.EventProductCompleted: true,
	queue.EventProductFailed:    true,
	queue.EventRunFinished:      true,
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

const batchTimeout = 10 * time.Millisecond

// KafkaPublisher implements queue.Publisher.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

var _ queue.Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
		// Events arrive one at a time; the 1s default would delay each write.
		BatchTimeout: batchTimeout,
	}
	return &KafkaPublisher{writer: w, timeout: 3 * time.Second}, nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// Publish writes ev as JSON keyed by product ID, so events of one product stay
// on one partition. Events outside the published set are ignored.
func (p *KafkaPublisher) Publish(ctx context.Context, ev queue.Event) error {
	msg, ok, err := buildMessage(ev)
	if err != nil || !ok {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(cctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", ev.Type, err)
	}
	return nil
}

func buildMessage(ev queue.Event) (kgo.Message, bool, error) {
	if !published[ev.Type] {
		return kgo.Message{}, false, nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return kgo.Message{}, false, fmt.Errorf("kafka: encode %s: %w", ev.Type, err)
	}
	key := ev.ProductID
	if key == "" {
		key = ev.Type
	}
	return kgo.Message{
		Key:   []byte(key),
		Value: b,
		Time:  ev.Time,
		Headers: []kgo.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "tenant", Value: []byte(ev.Tenant)},
		},
	}, true, nil
}
