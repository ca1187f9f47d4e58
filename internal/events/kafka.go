package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	kafkaWriteTimeout = 5 * time.Second
	kafkaQueueSize    = 4096
)

// messageWriter is the part of kafka.Writer the emitter uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEmitter publishes events to a Kafka topic keyed by listing id so that
// events of one listing stay ordered within a partition. Emit only enqueues;
// a single goroutine writes to the broker in emit order. When the queue is
// full the event is dropped and logged.
type KafkaEmitter struct {
	writer messageWriter
	logger *slog.Logger
	queue  chan Event
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewKafkaEmitter(brokers []string, topic string, logger *slog.Logger) (*KafkaEmitter, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka emitter requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka emitter requires a topic")
	}
	return newKafkaEmitter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}, kafkaQueueSize, logger), nil
}

func newKafkaEmitter(w messageWriter, queueSize int, logger *slog.Logger) *KafkaEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	k := &KafkaEmitter{
		writer: w,
		logger: logger,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	go k.run()
	return k
}

// Emit enqueues e without waiting for the broker.
func (k *KafkaEmitter) Emit(e Event) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return
	}
	select {
	case k.queue <- e:
	default:
		k.logger.Error("kafka queue full, dropping event", "type", e.Type, "id", e.ID, "seq", e.Seq)
	}
}

func (k *KafkaEmitter) run() {
	defer close(k.done)
	for e := range k.queue {
		k.publish(e)
	}
}

func (k *KafkaEmitter) publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		k.logger.Error("encode event", "type", e.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
	defer cancel()
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Attributes["listingId"]),
		Value: payload,
		Time:  e.Time,
	})
	if err != nil {
		k.logger.Error("publish event", "type", e.Type, "id", e.ID, "error", err)
	}
}

// Close stops accepting events, drains the queue and closes the writer.
func (k *KafkaEmitter) Close() error {
	k.closeOnce.Do(func() {
		k.mu.Lock()
		k.closed = true
		close(k.queue)
		k.mu.Unlock()
	})
	<-k.done
	return k.writer.Close()
}
