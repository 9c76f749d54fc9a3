package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"xdrforward/internal/mapping"
)

const (
	defaultKafkaTimeout      = 15 * time.Second
	defaultKafkaBatchTimeout = 50 * time.Millisecond
)

// KafkaConfig defines the optional Kafka copy of each batch.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Timeout time.Duration
}

// KafkaSink publishes one message per document, keyed by event.id.
type KafkaSink struct {
	topic  string
	writer *kafka.Writer
}

// NewKafkaSink validates settings and builds a synchronous writer.
// Params: cfg broker list and topic.
// Returns: sink or validation error.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if value := strings.TrimSpace(broker); value != "" {
			brokers = append(brokers, value)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultKafkaTimeout
	}

	return &KafkaSink{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: defaultKafkaBatchTimeout,
			WriteTimeout: timeout,
			ReadTimeout:  timeout,
		},
	}, nil
}

// SendBatch writes all documents and waits for broker acknowledgement.
// Params: ctx delivery context; docs batch.
// Returns: *SendError on encode or broker failure.
func (s *KafkaSink) SendBatch(ctx context.Context, docs []mapping.Document) error {
	if len(docs) == 0 {
		return nil
	}
	messages, err := buildKafkaMessages(docs, time.Now())
	if err != nil {
		return &SendError{Target: "kafka:" + s.topic, Events: len(docs), Err: err}
	}
	if err := s.writer.WriteMessages(ctx, messages...); err != nil {
		return &SendError{Target: "kafka:" + s.topic, Events: len(docs), Err: err}
	}
	return nil
}

// Close flushes and closes the writer.
// Params: none.
// Returns: writer close error.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func buildKafkaMessages(docs []mapping.Document, now time.Time) ([]kafka.Message, error) {
	messages := make([]kafka.Message, 0, len(docs))
	for idx, doc := range docs {
		value, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode document[%d]: %w", idx, err)
		}
		msg := kafka.Message{Value: value, Time: now}
		if id, ok := doc.Get("event.id"); ok {
			msg.Key = []byte(fmt.Sprint(id))
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
