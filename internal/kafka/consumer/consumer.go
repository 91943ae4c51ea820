// Package consumer runs a sarama consumer group and hands each record to a
// handler that commits it explicitly once processed.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/logger"
)

const (
	defaultSessionTimeout   = 30 * time.Second
	defaultHeartbeat        = 3 * time.Second
	defaultRebalanceTimeout = 30 * time.Second
	rejoinBackoff           = time.Second
)

// Handler processes one record. Returned errors are logged; the record is
// committed only through Commit.
type Handler func(ctx context.Context, record *Record) error

// Option customises the consumer during construction.
type Option func(*sarama.Config)

// WithInitialOffset selects where a group without committed offsets starts.
func WithInitialOffset(offset int64) Option {
	return func(cfg *sarama.Config) {
		cfg.Consumer.Offsets.Initial = offset
	}
}

// WithClientID sets the client id reported to the brokers.
func WithClientID(id string) Option {
	return func(cfg *sarama.Config) {
		if id != "" {
			cfg.ClientID = id
		}
	}
}

// Record is one Kafka message plus the session needed to commit it.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	session sarama.ConsumerGroupSession
	message *sarama.ConsumerMessage

	committed atomic.Bool
}

// Consumer joins a consumer group. With commitOnSuccessOnly offsets move only
// when Commit is called; otherwise marked offsets are auto-committed.
type Consumer struct {
	logger      zerolog.Logger
	group       sarama.ConsumerGroup
	groupID     string
	commitOnAck bool

	ready      atomic.Bool
	errorsDone chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the consumer group.
func New(brokers []string, groupID string, log zerolog.Logger, commitOnSuccessOnly bool, opts ...Option) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka consumer: at least one broker is required")
	}
	if groupID == "" {
		return nil, errors.New("kafka consumer: group id is required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "billing-dispatch-worker"
	cfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
	cfg.Consumer.Group.Rebalance.Timeout = defaultRebalanceTimeout
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = !commitOnSuccessOnly

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: create consumer group: %w", err)
	}

	c := &Consumer{
		logger:      logger.Component(log, "kafka_consumer").With().Str("group_id", groupID).Logger(),
		group:       group,
		groupID:     groupID,
		commitOnAck: commitOnSuccessOnly,
		errorsDone:  make(chan struct{}),
	}
	go c.drainErrors()
	return c, nil
}

// Consume blocks, feeding records from topics to handler, until ctx is
// cancelled or the group is closed. Rebalances rejoin automatically.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("kafka consumer: at least one topic is required")
	}
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	c.wg.Add(1)
	defer c.wg.Done()

	gh := &groupHandler{consumer: c, handler: handler}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.group.Consume(ctx, topics, gh)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err != nil {
			c.logger.Error().Err(err).Strs("topics", topics).Msg("kafka consumer: consume failed; rejoining")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rejoinBackoff):
			}
		}
	}
}

// Commit marks record processed. It is safe to call more than once.
func (c *Consumer) Commit(_ context.Context, record *Record) error {
	if record == nil || record.session == nil || record.message == nil {
		return errors.New("kafka consumer: record has no session")
	}
	if record.committed.Swap(true) {
		return nil
	}
	record.session.MarkMessage(record.message, "")
	if c.commitOnAck {
		record.session.Commit()
	}
	return nil
}

// IsReady reports whether the consumer currently holds a group session.
func (c *Consumer) IsReady() bool {
	return c.ready.Load()
}

// Close leaves the group and waits for Consume to return.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	err := c.group.Close()
	c.wg.Wait()
	<-c.errorsDone
	return err
}

func (c *Consumer) drainErrors() {
	defer close(c.errorsDone)
	for err := range c.group.Errors() {
		c.logger.Error().Err(err).Msg("kafka consumer: group error")
	}
}

type groupHandler struct {
	consumer *Consumer
	handler  Handler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(true)
	h.consumer.logger.Info().Msg("kafka consumer: joined group")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(false)
	h.consumer.logger.Info().Msg("kafka consumer: left group")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		record := &Record{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       append([]byte(nil), msg.Key...),
			Value:     append([]byte(nil), msg.Value...),
			Timestamp: msg.Timestamp,
			Headers:   fromHeaders(msg.Headers),
			session:   session,
			message:   msg,
		}
		if err := h.handler(session.Context(), record); err != nil {
			h.consumer.logger.Error().
				Err(err).
				Str("topic", msg.Topic).
				Int32("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("kafka consumer: handler failed")
		}
	}
	return nil
}

func fromHeaders(headers []*sarama.RecordHeader) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(headers))
	for _, h := range headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		out[string(h.Key)] = append([]byte(nil), h.Value...)
	}
	return out
}
