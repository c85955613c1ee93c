package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink writes notifications to a topic keyed by user, so one user's
// notifications stay on one partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

func (s *KafkaSink) Publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.UserID),
		Value: data,
		Time:  n.At,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(n.Event.ID)},
			{Key: "event-type", Value: []byte(n.Event.Type)},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
