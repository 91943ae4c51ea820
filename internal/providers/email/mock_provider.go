package email

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scenario enumerates the supported mock behaviours. The default scenario is
// success unless overridden via headers or options.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"

	headerScenario = "X-Mock-Provider-Scenario"
)

// Option customizes the behaviour of the mock provider at construction time.
type Option func(*MockProvider)

// WithLatency sets the artificial latency inserted before responding.
func WithLatency(d time.Duration) Option {
	return func(p *MockProvider) {
		if d < 0 {
			d = 0
		}
		p.latency = d
	}
}

// WithDefaultScenario configures the default behaviour when a payload does not
// specify an explicit scenario via headers.
func WithDefaultScenario(s Scenario) Option {
	return func(p *MockProvider) {
		p.defaultScenario = s
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *MockProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// MockProvider simulates an SMTP relay for local development and tests.
type MockProvider struct {
	logger          zerolog.Logger
	latency         time.Duration
	defaultScenario Scenario
	now             func() time.Time

	mu   sync.Mutex
	rnd  *rand.Rand
	sent []Payload
}

// NewMockProvider constructs a mock email provider that succeeds by default.
func NewMockProvider(logger zerolog.Logger, opts ...Option) *MockProvider {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	p := &MockProvider{
		logger:          logger,
		latency:         25 * time.Millisecond,
		defaultScenario: ScenarioSuccess,
		now:             time.Now,
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Name implements Provider.
func (p *MockProvider) Name() string { return "mock" }

// Sent returns a copy of every payload the mock accepted for delivery.
func (p *MockProvider) Sent() []Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Payload(nil), p.sent...)
}

// Send simulates delivering the supplied payload. The outcome is controlled by
// the X-Mock-Provider-Scenario header.
func (p *MockProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("email mock: payload is required")
	}
	if strings.TrimSpace(payload.To) == "" {
		return nil, errors.New("email mock: recipient is required")
	}

	if err := p.sleep(ctx, p.latency); err != nil {
		return nil, err
	}

	scenario := p.resolveScenario(payload)
	p.logger.Debug().
		Str("provider", "mock_smtp").
		Str("scenario", string(scenario)).
		Str("message_id", payload.MessageID).
		Msg("mock email provider invoked")

	switch scenario {
	case ScenarioPermanent:
		resp := p.baseResponse(payload, 550, "mock: mailbox unavailable")
		return resp, fmt.Errorf("smtp %d: %s", resp.Code, resp.Body)
	case ScenarioTransient:
		resp := p.baseResponse(payload, 451, "mock: requested action aborted, try again later")
		return resp, fmt.Errorf("smtp %d: %s", resp.Code, resp.Body)
	case ScenarioTimeout:
		if err := p.sleep(ctx, 2*p.latency); err != nil {
			return nil, err
		}
		return nil, context.DeadlineExceeded
	default:
		p.mu.Lock()
		p.sent = append(p.sent, *payload)
		p.mu.Unlock()
		return p.baseResponse(payload, 250, "mock: message queued"), nil
	}
}

// Health always succeeds.
func (p *MockProvider) Health(context.Context) (*HealthResult, error) {
	return &HealthResult{Provider: "mock", Code: 250, Body: "mock: relay reachable"}, nil
}

func (p *MockProvider) resolveScenario(payload *Payload) Scenario {
	for k, v := range payload.Headers {
		if !strings.EqualFold(k, headerScenario) {
			continue
		}
		switch s := Scenario(strings.ToLower(strings.TrimSpace(v))); s {
		case ScenarioPermanent, ScenarioTransient, ScenarioTimeout:
			return s
		default:
			return ScenarioSuccess
		}
	}
	return p.defaultScenario
}

func (p *MockProvider) baseResponse(payload *Payload, code int, body string) *RawResponse {
	respID := payload.MessageID
	if respID == "" {
		p.mu.Lock()
		respID = fmt.Sprintf("mock-%08x", p.rnd.Uint32())
		p.mu.Unlock()
	}
	return &RawResponse{ID: respID, Code: code, Body: body, Timestamp: p.now()}
}

func (p *MockProvider) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
