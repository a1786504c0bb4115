package eventbus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher generalizes the teacher's single-topic KafkaProducer
// (ingest/kafka_producer.go) into a publisher that can write any of the
// spec's ride/driver/surge topics, each as its own kafka.Writer so topic
// partitioning/balancing stays independent per topic.
type KafkaPublisher struct {
	brokers []string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaPublisher builds a publisher that lazily creates one writer per
// topic on first use.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{brokers: brokers, writers: make(map[string]*kafka.Writer)}
}

// writerFor returns the writer for topic, creating it under lock on first
// use. Publish is called concurrently from every request-handling
// goroutine, so the lazy map can't be read/written unguarded.
func (k *KafkaPublisher) writerFor(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()

	if w, ok := k.writers[topic]; ok {
		return w
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  k.brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
	k.writers[topic] = w
	return w
}

func (k *KafkaPublisher) Publish(ctx context.Context, topic, key string, event Event) error {
	if event.EventID == "" {
		event.EventID = newEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.EventType = topic

	b, err := json.Marshal(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writerFor(topic).WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

// Close shuts down every topic writer, ignoring individual close errors —
// a best-effort publisher shuts down best-effort too.
func (k *KafkaPublisher) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, w := range k.writers {
		_ = w.Close()
	}
	return nil
}

func newEventID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
