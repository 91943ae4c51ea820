package whatsapp

import "context"

// MisconfiguredProvider stands in for a backend whose construction failed.
// Every call returns the construction error so sends are logged as failures
// and health checks report the configuration problem.
type MisconfiguredProvider struct {
	name string
	err  error
}

// NewMisconfiguredProvider wraps a construction error.
func NewMisconfiguredProvider(name string, err error) *MisconfiguredProvider {
	return &MisconfiguredProvider{name: name, err: err}
}

// Name implements Provider.
func (p *MisconfiguredProvider) Name() string { return p.name }

// Send implements Provider.
func (p *MisconfiguredProvider) Send(context.Context, *Payload) (*RawResponse, error) {
	return nil, p.err
}

// Health implements Provider.
func (p *MisconfiguredProvider) Health(context.Context) (*HealthResult, error) {
	return nil, p.err
}
