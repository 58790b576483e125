// Package audit publishes violation events to Kafka for downstream security
// consumers. Delivery is best-effort; the admission path never waits on it.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fit2garmin/throttle/internal/config"
	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/internal/domain/service"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// KafkaViolationPublisher writes violation records to a Kafka topic.
type KafkaViolationPublisher struct {
	writer *kafka.Writer
	log    logger.Logger
}

var _ service.ViolationPublisher = (*KafkaViolationPublisher)(nil)

// NewKafkaViolationPublisher creates the publisher from the kafka config.
func NewKafkaViolationPublisher(cfg config.KafkaConfig, log logger.Logger) *KafkaViolationPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: 5 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true, // fire-and-forget; failures surface via the logger
	}
	return &KafkaViolationPublisher{
		writer: writer,
		log:    log.WithComponent("violation_publisher"),
	}
}

// Publish implements service.ViolationPublisher.
func (p *KafkaViolationPublisher) Publish(ctx context.Context, v models.ViolationRecord) error {
	raw, err := json.Marshal(v)
	if err != nil {
		p.log.Error(ctx, "failed to encode violation event", err)
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(v.ClientID),
		Value: raw,
	})
	if err != nil {
		p.log.Error(ctx, "failed to publish violation event", err,
			logger.String("client_id", v.ClientID),
			logger.String("type", string(v.ViolationType)),
		)
	}
	return err
}

// Close closes the underlying writer.
func (p *KafkaViolationPublisher) Close() error {
	return p.writer.Close()
}
