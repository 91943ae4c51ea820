package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/kafka/publisher"
	"github.com/example/billing-messenger/internal/models"
)

type sent struct {
	topic   string
	key     string
	headers map[string][]byte
	payload []byte
}

type fakeProducer struct {
	records []sent
	err     error
}

func (f *fakeProducer) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, sent{topic: topic, key: string(key), headers: headers, payload: payload})
	return nil
}

func TestDeliveryPublisherKeysByRecipient(t *testing.T) {
	prod := &fakeProducer{}
	pub := publisher.NewDeliveryPublisher(prod, "billing.delivery", zerolog.Nop())

	ev := models.DeliveryEvent{EntryID: "e1", RecipientID: "r1", Kind: models.KindCharge, Channel: models.ChannelWhatsApp, Outcome: models.OutcomeFailed, Error: "boom", Timestamp: time.Unix(0, 0).UTC()}
	if err := pub.PublishDelivery(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prod.records) != 1 {
		t.Fatalf("expected one record, got %d", len(prod.records))
	}
	rec := prod.records[0]
	if rec.topic != "billing.delivery" || rec.key != "r1" || string(rec.headers["content-type"]) != "application/json" {
		t.Fatalf("unexpected record %+v", rec)
	}
	var decoded map[string]any
	if err := json.Unmarshal(rec.payload, &decoded); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if decoded["entry_id"] != "e1" || decoded["outcome"] != "failed" {
		t.Fatalf("unexpected payload %v", decoded)
	}
}

func TestDLQPublisherWrapsProducerError(t *testing.T) {
	prod := &fakeProducer{err: errors.New("broker down")}
	pub := publisher.NewDLQPublisher(prod, "billing.dispatch.dlq", zerolog.Nop())

	err := pub.PublishDLQ(context.Background(), models.DLQRecord{RequestID: "req-1", FailureType: models.FailureTypePrecondition})
	if err == nil || !errors.Is(err, prod.err) {
		t.Fatalf("expected wrapped producer error, got %v", err)
	}
}

func TestPublishersRequireProducer(t *testing.T) {
	if publisher.NewDeliveryPublisher(nil, "t", zerolog.Nop()) != nil {
		t.Fatalf("expected nil publisher without producer")
	}
	var pub *publisher.DLQPublisher
	if err := pub.PublishDLQ(context.Background(), models.DLQRecord{}); !errors.Is(err, publisher.ErrProducerNotInitialised) {
		t.Fatalf("expected ErrProducerNotInitialised, got %v", err)
	}
}
