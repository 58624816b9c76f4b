// Package notify implements store.Notifier over Kafka, completing the
// outbox-style notification pattern whose plumbing (kafkaWriterByTopic)
// existed in the teacher repo but was never wired to an actual writer.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	kafka "github.com/segmentio/kafka-go"

	"github.com/relabs-tech/cloudkit/core/logger"
)

// Event is the payload written to Kafka for every committed mutation.
type Event struct {
	Resource  string          `json:"resource"`
	Operation string          `json:"operation"`
	URI       string          `json:"uri"`
	Document  json.RawMessage `json:"document,omitempty"`
}

// KafkaNotifier is a store.Notifier that writes one Event per call to a
// topic named after the mutated collection, creating and caching one
// *kafka.Writer per topic on first use.
type KafkaNotifier struct {
	brokers []string

	mu            sync.Mutex
	writerByTopic map[string]*kafka.Writer
}

// NewKafkaNotifier returns a notifier that publishes to the given Kafka
// brokers. No connection is opened until the first Notify call.
func NewKafkaNotifier(brokers []string) *KafkaNotifier {
	return &KafkaNotifier{
		brokers:       brokers,
		writerByTopic: map[string]*kafka.Writer{},
	}
}

func (n *KafkaNotifier) writerFor(topic string) *kafka.Writer {
	n.mu.Lock()
	defer n.mu.Unlock()
	if w, ok := n.writerByTopic[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(n.brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	n.writerByTopic[topic] = w
	return w
}

// Notify publishes resource/operation/uri/payload as one Kafka message on
// the topic named resource. Failures are logged, not returned: a
// notification delivery problem must never fail the mutation it describes,
// since the write already committed.
func (n *KafkaNotifier) Notify(ctx context.Context, resource, operation, uri string, payload []byte) {
	rlog := logger.FromContext(ctx)
	event := Event{Resource: resource, Operation: operation, URI: uri, Document: payload}
	data, err := json.Marshal(event)
	if err != nil {
		rlog.WithError(err).Errorln("notify: marshal event for", uri)
		return
	}
	w := n.writerFor(resource)
	err = w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(uri),
		Value: data,
	})
	if err != nil {
		rlog.WithError(err).Errorln("notify: publish event for", uri)
	}
}

// Close flushes and closes every writer this notifier has opened.
func (n *KafkaNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var firstErr error
	for topic, w := range n.writerByTopic {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("notify: close writer for topic %s: %w", topic, err)
		}
	}
	return firstErr
}
