// Package connector adapts provider billing exports into raw records. Every
// connector makes a single attempt per call; the step executor owns retry.
package connector

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

// ErrNoConnector is returned when no connector is registered for a provider.
var ErrNoConnector = eris.New("connector: no connector for provider")

// Connector fetches a provider's raw rows for a date range.
type Connector interface {
	Fetch(ctx context.Context, cred *model.Credential, r model.DateRange) ([]model.RawRecord, error)
}

// Func adapts a plain function to Connector.
type Func func(ctx context.Context, cred *model.Credential, r model.DateRange) ([]model.RawRecord, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, cred *model.Credential, r model.DateRange) ([]model.RawRecord, error) {
	return f(ctx, cred, r)
}

// Registry maps provider keys to connectors. It is populated at startup and
// read concurrently by runs.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds c under provider. Registering a provider twice is an error.
func (r *Registry) Register(provider string, c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.connectors[provider]; dup {
		return eris.Errorf("connector: provider %q registered twice", provider)
	}
	r.connectors[provider] = c
	return nil
}

// Get returns the connector for provider. Lookup is case-sensitive.
func (r *Registry) Get(provider string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[provider]
	if !ok {
		return nil, resilience.NewConfigError("provider "+provider, ErrNoConnector)
	}
	return c, nil
}

// Providers lists registered providers in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for p := range r.connectors {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
