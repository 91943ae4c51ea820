package common

import (
	"context"

	"github.com/example/billing-messenger/internal/models"
)

// Adapter defines the behaviour required from channel adapters. Adapters are
// responsible for converting an outbound message into provider specific
// payloads and returning a normalized ProviderResponse alongside error
// classification.
type Adapter interface {
	Name() string
	Channel() models.Channel
	Send(ctx context.Context, msg *OutboundMessage) (*ProviderResponse, error)
	Health(ctx context.Context) (*HealthReport, error)
}

// Gate exposes the connection state session-bound adapters consult before
// sending.
type Gate interface {
	State() models.ConnectionState
}

// StaticGate reports a fixed connection state. It serves providers that do
// not hold a live session, which are always considered connected.
type StaticGate models.ConnectionStatus

// State implements Gate.
func (g StaticGate) State() models.ConnectionState {
	status := models.ConnectionStatus(g)
	return models.ConnectionState{Status: status, IsConnected: status == models.StatusConnected}
}

// AlwaysConnected is the gate used for stateless API providers.
const AlwaysConnected = StaticGate(models.StatusConnected)
