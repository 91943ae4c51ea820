package worker

import (
	"context"

	"github.com/example/billing-messenger/internal/kafka/consumer"
)

// NewRecordFromConsumer copies a consumer record and binds commit to it. The
// engine calls commit once the trigger is fully handled.
func NewRecordFromConsumer(rec *consumer.Record, commit func(context.Context) error) *Record {
	if rec == nil {
		return nil
	}
	return &Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       cloneBytes(rec.Key),
		Value:     cloneBytes(rec.Value),
		Timestamp: rec.Timestamp,
		Headers:   cloneHeaders(rec.Headers),
		commit:    commit,
	}
}
