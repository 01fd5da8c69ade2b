package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter описывает запись сообщений в Kafka.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher публикует изменения заказов в топик Kafka. Ключ сообщения равен комнате,
// поэтому события одного заказа попадают в одну партицию и сохраняют порядок.
type KafkaPublisher struct {
	writer MessageWriter
	logger *zap.Logger
}

// NewKafkaWriter создаёт асинхронный writer для topic.
func NewKafkaWriter(brokers []string, topic string, logger *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...))
		}),
	}
}

// NewKafkaPublisher создаёт публикатор поверх writer.
func NewKafkaPublisher(writer MessageWriter, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, logger: logger}
}

// Broadcast публикует событие в топик.
func (p *KafkaPublisher) Broadcast(ctx context.Context, room, event string, payload any) error {
	value, err := json.Marshal(Event{Event: event, Room: room, Data: payload})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(room),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(event)},
		},
		Time: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish %s to kafka: %w", event, err)
	}
	return nil
}

// Close закрывает writer, дожидаясь отправки накопленных сообщений.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
