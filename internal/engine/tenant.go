package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/pathexpr"
)

// TenantConfig is one tenant's registration: id, base URL, and the content
// types it accepts.
type TenantConfig struct {
	ID                     string
	BaseURL                string
	RecognizedContentTypes []string
}

// TenantRegistry is the process-wide tenant-id -> Engine map. Each tenant
// gets its own Topic Registry, Subscription Registry, Store, and background
// worker pools, fully isolated from the others.
type TenantRegistry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	configs map[string]TenantConfig

	cfg    Config
	vs     pathexpr.ValueSetService
	logger zerolog.Logger
}

// NewTenantRegistry creates an empty registry. cfg and vs are shared
// defaults applied to every tenant's Engine.
func NewTenantRegistry(cfg Config, vs pathexpr.ValueSetService, logger zerolog.Logger) *TenantRegistry {
	return &TenantRegistry{
		engines: make(map[string]*Engine),
		configs: make(map[string]TenantConfig),
		cfg:     cfg,
		vs:      vs,
		logger:  logger,
	}
}

// Provision creates and starts a new tenant's Engine. It is a no-op if the
// tenant id is already provisioned.
func (tr *TenantRegistry) Provision(ctx context.Context, tc TenantConfig) *Engine {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if e, ok := tr.engines[tc.ID]; ok {
		return e
	}
	e := New(tr.cfg, tr.vs, tr.logger.With().Str("tenant", tc.ID).Logger())
	e.Start(ctx)
	tr.engines[tc.ID] = e
	tr.configs[tc.ID] = tc
	return e
}

// Get returns a tenant's Engine, or (nil, false) if not provisioned.
func (tr *TenantRegistry) Get(tenantID string) (*Engine, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	e, ok := tr.engines[tenantID]
	return e, ok
}

// Teardown stops a tenant's Engine, draining its Generator and Dispatcher
// worker pools, and removes it from the registry.
func (tr *TenantRegistry) Teardown(tenantID string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	e, ok := tr.engines[tenantID]
	if !ok {
		return fmt.Errorf("engine: tenant %s not provisioned", tenantID)
	}
	e.Stop()
	delete(tr.engines, tenantID)
	delete(tr.configs, tenantID)
	return nil
}

// TeardownAll stops every provisioned tenant's Engine, for process shutdown.
func (tr *TenantRegistry) TeardownAll() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for id, e := range tr.engines {
		e.Stop()
		delete(tr.engines, id)
		delete(tr.configs, id)
	}
}
