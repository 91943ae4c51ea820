// Package publisher encodes delivery events and DLQ records onto Kafka.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/logger"
	"github.com/example/billing-messenger/internal/models"
)

// ErrProducerNotInitialised is returned by a publisher built without a producer.
var ErrProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// SyncProducer is the producer behaviour the publishers need.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

var jsonHeaders = map[string][]byte{"content-type": []byte("application/json")}

// DeliveryPublisher emits a DeliveryEvent for every persisted log entry,
// keyed by recipient so one recipient's events stay ordered.
type DeliveryPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewDeliveryPublisher returns nil when prod is nil.
func NewDeliveryPublisher(prod SyncProducer, topic string, log zerolog.Logger) *DeliveryPublisher {
	if prod == nil {
		return nil
	}
	return &DeliveryPublisher{producer: prod, topic: topic, logger: logger.Component(log, "delivery_publisher")}
}

// PublishDelivery implements dispatch.DeliveryPublisher.
func (p *DeliveryPublisher) PublishDelivery(_ context.Context, event models.DeliveryEvent) error {
	if p == nil || p.producer == nil {
		return ErrProducerNotInitialised
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal delivery event: %w", err)
	}
	if err := p.producer.PublishSync(p.topic, []byte(event.RecipientID), jsonHeaders, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish delivery event %s: %w", event.EntryID, err)
	}
	p.logger.Debug().Str("entry_id", event.EntryID).Str("outcome", string(event.Outcome)).Msg("delivery event published")
	return nil
}

// DLQPublisher writes triggers the worker could not process.
type DLQPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewDLQPublisher returns nil when prod is nil.
func NewDLQPublisher(prod SyncProducer, topic string, log zerolog.Logger) *DLQPublisher {
	if prod == nil {
		return nil
	}
	return &DLQPublisher{producer: prod, topic: topic, logger: logger.Component(log, "dlq_publisher")}
}

// PublishDLQ writes record keyed by its request id.
func (p *DLQPublisher) PublishDLQ(_ context.Context, record models.DLQRecord) error {
	if p == nil || p.producer == nil {
		return ErrProducerNotInitialised
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal dlq record: %w", err)
	}
	if err := p.producer.PublishSync(p.topic, []byte(record.RequestID), jsonHeaders, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish dlq record: %w", err)
	}
	p.logger.Warn().
		Str("request_id", record.RequestID).
		Str("failure_type", record.FailureType).
		Msg("trigger sent to dlq")
	return nil
}
