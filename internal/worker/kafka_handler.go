package worker

import (
	"context"

	"github.com/example/billing-messenger/internal/kafka/consumer"
)

// KafkaHandler adapts the engine to consumer.Handler, committing through cons.
func KafkaHandler(engine *Engine, cons *consumer.Consumer) consumer.Handler {
	return func(ctx context.Context, rec *consumer.Record) error {
		if engine == nil || rec == nil {
			return nil
		}
		var commit func(context.Context) error
		if cons != nil {
			commit = func(c context.Context) error {
				return cons.Commit(c, rec)
			}
		}
		engine.HandleRecord(ctx, NewRecordFromConsumer(rec, commit))
		return nil
	}
}
