// Package worker consumes dispatch triggers published by external schedulers
// and runs one template dispatch per listed recipient.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/dispatch"
	"github.com/example/billing-messenger/internal/logger"
	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/store"
)

// Config contains the runtime settings of the trigger worker.
type Config struct {
	MsgMaxBytes       int
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	WorkerConcurrency int
	RecipientsMax     int
	ExtraMaxEntries   int
	ExtraMaxKeyLen    int
	ExtraMaxValueLen  int
}

// Record is a trigger record delivered by the consumer.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	commit func(context.Context) error
}

// Clone returns a deep copy that can be handed to another goroutine.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Key = cloneBytes(r.Key)
	clone.Value = cloneBytes(r.Value)
	clone.Headers = cloneHeaders(r.Headers)
	return &clone
}

// Commit acknowledges the record. Records without a bound commit are no-ops.
func (r *Record) Commit(ctx context.Context) error {
	if r == nil || r.commit == nil {
		return nil
	}
	return r.commit(ctx)
}

// Dispatcher runs one template dispatch.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*models.DeliveryLogEntry, error)
}

// DLQPublisher writes unprocessable triggers.
type DLQPublisher interface {
	PublishDLQ(ctx context.Context, record models.DLQRecord) error
}

// Dependencies collects the runtime collaborators required by the engine.
type Dependencies struct {
	Dispatcher   Dispatcher
	DLQPublisher DLQPublisher
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Engine validates trigger records, fans dispatches out under a concurrency
// limit, retries infrastructure failures and routes precondition failures to
// the DLQ. A record is committed once every recipient has been handled.
type Engine struct {
	cfg        Config
	dispatcher Dispatcher
	dlq        DLQPublisher
	logger     zerolog.Logger
	semaphore  *semaphore.Weighted
	now        func() time.Time

	wg     sync.WaitGroup
	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewEngine validates the configuration and dependencies.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("worker: max attempts must be >= 1")
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, errors.New("worker: worker concurrency must be >= 1")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("worker: msg max bytes cannot be negative")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("worker: dispatcher dependency is required")
	}
	if deps.DLQPublisher == nil {
		return nil, errors.New("worker: DLQ publisher dependency is required")
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:        cfg,
		dispatcher: deps.Dispatcher,
		dlq:        deps.DLQPublisher,
		logger:     logger.Component(deps.Logger, "worker_engine"),
		semaphore:  semaphore.NewWeighted(int64(cfg.WorkerConcurrency)),
		now:        now,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// HandleRecord validates record synchronously and processes it on its own
// goroutine once a concurrency slot is free. Invalid records go to the DLQ
// and are committed.
func (e *Engine) HandleRecord(ctx context.Context, record *Record) {
	if record == nil {
		return
	}

	if e.cfg.MsgMaxBytes > 0 && len(record.Value) > e.cfg.MsgMaxBytes {
		err := fmt.Errorf("payload exceeds maximum size: got %d bytes, limit %d bytes", len(record.Value), e.cfg.MsgMaxBytes)
		e.reject(ctx, record, string(record.Key), models.FailureTypeValidation, err, nil)
		e.commitRecord(ctx, record)
		return
	}

	trigger, err := ParseTrigger(record.Value, e.cfg)
	if err != nil {
		e.reject(ctx, record, string(record.Key), models.FailureTypeValidation, err, nil)
		e.commitRecord(ctx, record)
		return
	}

	if err := e.semaphore.Acquire(ctx, 1); err != nil {
		e.logger.Warn().
			Str("request_id", trigger.RequestID).
			Err(err).
			Msg("worker: stopped before a slot was free; record left uncommitted")
		return
	}
	e.wg.Add(1)
	go e.process(ctx, record.Clone(), trigger)
}

// Wait blocks until in-flight triggers finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) process(ctx context.Context, record *Record, t *models.DispatchTrigger) {
	defer e.wg.Done()
	defer e.semaphore.Release(1)

	log := e.logger.With().
		Str("request_id", t.RequestID).
		Str("template", t.TemplateCode).
		Int("recipients", len(t.RecipientIDs)).
		Logger()

	var sent, failed, rejected int
	for _, rid := range t.RecipientIDs {
		req := dispatch.Request{
			RecipientID:  rid,
			TemplateCode: t.TemplateCode,
			Kind:         t.MessageKind,
			Initiator:    t.Initiator,
			Extra:        t.Extra,
		}
		entry, attempts, err := e.dispatchWithRetry(ctx, req)
		switch {
		case err == nil:
			if entry.Outcome == models.OutcomeSuccess {
				sent++
			} else {
				failed++
			}
		case ctx.Err() != nil:
			log.Warn().Err(err).Msg("worker: cancelled mid-trigger; record left uncommitted for redelivery")
			return
		case triggerLevel(err):
			e.reject(ctx, record, t.RequestID, models.FailureTypePrecondition, err, map[string]string{
				"template_code": t.TemplateCode,
			})
			e.commitRecord(ctx, record)
			return
		case errors.Is(err, store.ErrNotFound):
			rejected++
			e.reject(ctx, record, t.RequestID, models.FailureTypePrecondition, err, map[string]string{
				"recipient_id": rid,
			})
		default:
			rejected++
			e.reject(ctx, record, t.RequestID, models.FailureTypeUnknown, err, map[string]string{
				"recipient_id": rid,
				"attempts":     fmt.Sprint(attempts),
			})
		}
	}

	log.Info().
		Int("sent", sent).
		Int("failed", failed).
		Int("rejected", rejected).
		Msg("worker: trigger processed")
	e.commitRecord(ctx, record)
}

// dispatchWithRetry retries only failures that happened before any send, so a
// recipient is never messaged twice.
func (e *Engine) dispatchWithRetry(ctx context.Context, req dispatch.Request) (*models.DeliveryLogEntry, int, error) {
	for attempt := 1; ; attempt++ {
		entry, err := e.dispatcher.Dispatch(ctx, req)
		if entry != nil {
			if err != nil {
				e.logger.Error().Str("recipient_id", req.RecipientID).Err(err).Msg("worker: delivery log write failed after send")
			}
			return entry, attempt, nil
		}
		if err == nil {
			return nil, attempt, errors.New("worker: dispatch returned no entry")
		}
		if triggerLevel(err) || errors.Is(err, store.ErrNotFound) || ctx.Err() != nil {
			return nil, attempt, err
		}
		if attempt >= e.cfg.MaxAttempts {
			return nil, attempt, err
		}

		backoff := e.computeBackoff(attempt)
		e.logger.Warn().
			Str("recipient_id", req.RecipientID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Err(err).
			Msg("worker: dispatch failed; retrying")
		if !e.wait(ctx, backoff) {
			return nil, attempt, ctx.Err()
		}
	}
}

// triggerLevel reports failures shared by every recipient of a trigger.
func triggerLevel(err error) bool {
	return errors.Is(err, apperr.ErrTemplateNotFound) ||
		errors.Is(err, apperr.ErrTemplateRender) ||
		errors.Is(err, dispatch.ErrInvalidRequest)
}

func (e *Engine) computeBackoff(attempt int) time.Duration {
	if e.cfg.BaseBackoff <= 0 {
		return 0
	}
	raw := time.Duration(float64(e.cfg.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if e.cfg.MaxBackoff > 0 && raw > e.cfg.MaxBackoff {
		raw = e.cfg.MaxBackoff
	}
	return e.fullJitter(raw)
}

func (e *Engine) fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return time.Duration(e.rnd.Int63n(int64(max) + 1))
}

func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Engine) reject(ctx context.Context, record *Record, requestID, failure string, cause error, meta map[string]string) {
	e.logger.Warn().
		Str("request_id", requestID).
		Str("failure_type", failure).
		Err(cause).
		Msg("worker: trigger rejected")

	rec := models.DLQRecord{
		RequestID:       requestID,
		OriginalMessage: string(record.Value),
		FailureType:     failure,
		LastError:       cause.Error(),
		FailedAt:        e.now().UTC(),
		Meta:            meta,
	}
	if err := e.dlq.PublishDLQ(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Error().
			Str("request_id", requestID).
			Err(err).
			Msg("worker: failed to publish DLQ record")
	}
}

func (e *Engine) commitRecord(ctx context.Context, record *Record) {
	if err := record.Commit(ctx); err != nil {
		e.logger.Error().
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Err(err).
			Msg("worker: failed to commit record offset")
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	clone := make([]byte, len(b))
	copy(clone, b)
	return clone
}

func cloneHeaders(headers map[string][]byte) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	clone := make(map[string][]byte, len(headers))
	for k, v := range headers {
		clone[k] = cloneBytes(v)
	}
	return clone
}
