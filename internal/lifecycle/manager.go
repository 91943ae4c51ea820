// Package lifecycle owns the bot session state machine.
//
// The manager moves between disconnected, connecting, awaiting_authentication,
// connected and error. Connection attempts run on a background goroutine;
// every attempt carries a generation number so results from an attempt that
// was stopped or superseded are discarded.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/logger"
	"github.com/example/billing-messenger/internal/models"
)

const (
	defaultStartWait      = 2 * time.Second
	defaultConnectTimeout = 5 * time.Minute
	subscriberBuffer      = 8
)

// Option customises the Manager.
type Option func(*Manager)

// WithStartWait bounds how long Start waits for the first transition out of
// connecting.
func WithStartWait(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.startWait = d
		}
	}
}

// WithConnectTimeout bounds a single connection attempt, authentication
// included.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithClock overrides the clock used for ConnectedSince.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager is the single owner of the bot session. It is safe for concurrent
// use.
type Manager struct {
	logger         zerolog.Logger
	connector      Connector
	startWait      time.Duration
	connectTimeout time.Duration
	now            func() time.Time

	mu          sync.Mutex
	state       models.ConnectionState
	session     Session
	generation  uint64
	cancel      context.CancelFunc
	changed     chan struct{}
	subscribers map[int]chan models.ConnectionState
	nextSubID   int
}

// NewManager constructs a manager in the disconnected state. A nil connector
// is allowed; Start then moves straight to error.
func NewManager(connector Connector, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:         logger.OrNop(log),
		connector:      connector,
		startWait:      defaultStartWait,
		connectTimeout: defaultConnectTimeout,
		now:            time.Now,
		state:          models.ConnectionState{Status: models.StatusDisconnected},
		changed:        make(chan struct{}),
		subscribers:    make(map[int]chan models.ConnectionState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// State returns a snapshot of the current connection state.
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// QRCode returns the pending authentication challenge, or nil when the
// session is not awaiting authentication.
func (m *Manager) QRCode() *models.Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != models.StatusAwaitingAuthentication || m.state.Challenge == nil {
		return nil
	}
	ch := *m.state.Challenge
	return &ch
}

// Session returns the live session or a NotConnectedError.
func (m *Manager) Session() (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != models.StatusConnected || m.session == nil {
		return nil, &apperr.NotConnectedError{Status: string(m.state.Status)}
	}
	return m.session, nil
}

// VerifyContact checks a phone number through the live session when the
// backend supports it.
func (m *Manager) VerifyContact(ctx context.Context, phone, name string) (Contact, error) {
	sess, err := m.Session()
	if err != nil {
		return Contact{}, err
	}
	v, ok := sess.(ContactVerifier)
	if !ok {
		return Contact{}, fmt.Errorf("contact verification: %w", ErrSessionUnavailable)
	}
	return v.VerifyContact(ctx, phone, name)
}

// Start begins a connection attempt. It is idempotent: while an attempt is in
// flight or the session is connected it returns the current state without
// starting another. It waits at most the configured start wait for the first
// transition out of connecting so the caller usually sees the challenge.
func (m *Manager) Start(ctx context.Context) (models.ConnectionState, error) {
	m.mu.Lock()
	switch m.state.Status {
	case models.StatusConnecting, models.StatusAwaitingAuthentication, models.StatusConnected:
		state := m.snapshotLocked()
		m.mu.Unlock()
		return state, nil
	}

	if m.connector == nil {
		m.generation++
		m.setStateLocked(models.ConnectionState{Status: models.StatusError, Error: ErrSessionUnavailable.Error()})
		state := m.snapshotLocked()
		m.mu.Unlock()
		m.logger.Error().Err(ErrSessionUnavailable).Msg("bot start failed")
		return state, ErrSessionUnavailable
	}

	m.generation++
	gen := m.generation
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setStateLocked(models.ConnectionState{Status: models.StatusConnecting})
	m.mu.Unlock()

	m.logger.Info().Uint64("generation", gen).Msg("bot connection starting")
	go m.run(runCtx, gen)

	return m.awaitFirstTransition(ctx), nil
}

func (m *Manager) awaitFirstTransition(ctx context.Context) models.ConnectionState {
	if m.startWait <= 0 {
		return m.State()
	}
	timer := time.NewTimer(m.startWait)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.state.Status != models.StatusConnecting {
			state := m.snapshotLocked()
			m.mu.Unlock()
			return state
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return m.State()
		case <-ctx.Done():
			return m.State()
		}
	}
}

// Stop ends any attempt or session and moves to disconnected. It is safe to
// call in any state.
func (m *Manager) Stop(ctx context.Context) models.ConnectionState {
	m.mu.Lock()
	pending := m.state.Status == models.StatusConnecting || m.state.Status == models.StatusAwaitingAuthentication
	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	sess := m.session
	m.session = nil
	m.setStateLocked(models.ConnectionState{Status: models.StatusDisconnected})
	state := m.snapshotLocked()
	m.mu.Unlock()

	if sess != nil {
		if err := sess.Close(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("bot session close failed")
		}
	} else if d, ok := m.connector.(Disconnector); ok && pending {
		if err := d.Disconnect(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("bot disconnect failed")
		}
	}
	m.logger.Info().Msg("bot stopped")
	return state
}

// Subscribe registers for state changes. The current state is delivered
// first. Slow subscribers miss intermediate updates rather than blocking the
// manager. The returned func unsubscribes.
func (m *Manager) Subscribe() (<-chan models.ConnectionState, func()) {
	ch := make(chan models.ConnectionState, subscriberBuffer)

	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch
	ch <- m.snapshotLocked()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	sess, err := m.connector.Connect(connectCtx, func(ch models.Challenge) {
		m.challenge(gen, ch)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("authentication timed out: %w", err)
		}
		m.fail(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		m.logger.Debug().Uint64("generation", gen).Msg("discarding session from superseded attempt")
		if d, ok := sess.(Detacher); ok {
			d.Detach()
		} else {
			_ = sess.Close(context.Background())
		}
		return
	}
	since := m.now()
	m.session = sess
	m.setStateLocked(models.ConnectionState{Status: models.StatusConnected, ConnectedSince: &since})
	m.mu.Unlock()
	m.logger.Info().Uint64("generation", gen).Msg("bot connected")

	select {
	case <-sess.Done():
		reason := sess.Err()
		if reason == nil {
			reason = errors.New("session ended")
		}
		m.mu.Lock()
		if gen == m.generation && m.session == sess {
			m.session = nil
		}
		m.mu.Unlock()
		m.fail(gen, fmt.Errorf("session terminated: %w", reason))
	case <-ctx.Done():
	}
}

func (m *Manager) challenge(gen uint64, ch models.Challenge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	if m.state.Status != models.StatusConnecting && m.state.Status != models.StatusAwaitingAuthentication {
		return
	}
	m.setStateLocked(models.ConnectionState{Status: models.StatusAwaitingAuthentication, Challenge: &ch})
	m.logger.Info().Uint64("generation", gen).Msg("bot awaiting authentication")
}

func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.setStateLocked(models.ConnectionState{Status: models.StatusError, Error: err.Error()})
	m.logger.Error().Err(err).Uint64("generation", gen).Msg("bot connection failed")
}

// setStateLocked replaces the state, wakes waiters and fans out to
// subscribers. m.mu must be held.
func (m *Manager) setStateLocked(state models.ConnectionState) {
	state.IsConnected = state.Status == models.StatusConnected
	m.state = state
	close(m.changed)
	m.changed = make(chan struct{})

	snap := m.snapshotLocked()
	for _, ch := range m.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (m *Manager) snapshotLocked() models.ConnectionState {
	s := m.state
	if s.Challenge != nil {
		ch := *s.Challenge
		s.Challenge = &ch
	}
	if s.ConnectedSince != nil {
		t := *s.ConnectedSince
		s.ConnectedSince = &t
	}
	return s
}
