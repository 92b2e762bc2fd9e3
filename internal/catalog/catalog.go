// Package catalog holds the compiled scoring definitions and loads them
// from embedded documents, a directory and the repository.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/opensource-clinical/clinscore/internal/domain"
	"github.com/opensource-clinical/clinscore/internal/metrics"
	"github.com/opensource-clinical/clinscore/internal/rules"
)

// Catalog owns the active compiled definitions.
// Shared definitions are visible to every tenant; a tenant's own
// definitions shadow shared ones with the same id.
type Catalog struct {
	engine  *rules.Engine
	logger  *slog.Logger
	workers int

	mu       sync.RWMutex
	defs     map[string]*rules.CompiledDefinition
	rejected []*domain.ConfigError
}

// New creates an empty catalog. workers bounds parallel compilation;
// zero or less uses runtime.NumCPU().
func New(engine *rules.Engine, logger *slog.Logger, workers int) *Catalog {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		engine:  engine,
		logger:  logger,
		workers: workers,
		defs:    make(map[string]*rules.CompiledDefinition),
	}
}

// Load compiles defs in parallel and atomically replaces the active set.
// A definition that fails to compile is excluded and reported; the rest
// load. A repeated id within defs is rejected in favour of the first.
func (c *Catalog) Load(ctx context.Context, defs []*domain.ScoringDefinition) []*domain.ConfigError {
	compiled := make([]*rules.CompiledDefinition, len(defs))
	failures := make([]*domain.ConfigError, len(defs))

	p := pool.New().WithMaxGoroutines(c.workers)
	for i, def := range defs {
		p.Go(func() {
			cd, err := c.engine.Compile(def)
			if err != nil {
				failures[i] = asConfigError(def, err)
				return
			}
			compiled[i] = cd
		})
	}
	p.Wait()

	next := make(map[string]*rules.CompiledDefinition, len(defs))
	var rejected []*domain.ConfigError
	for i, cd := range compiled {
		if failures[i] != nil {
			rejected = append(rejected, failures[i])
			continue
		}
		key := scopeKey(cd.TenantID(), cd.ID())
		if _, dup := next[key]; dup {
			rejected = append(rejected, &domain.ConfigError{
				DefinitionID: cd.ID(),
				Problems:     []string{"duplicate definition id"},
			})
			continue
		}
		next[key] = cd
	}

	for _, r := range rejected {
		c.logger.Warn("scoring definition rejected",
			"definition_id", r.DefinitionID,
			"source", r.Source,
			"problems", r.Problems,
		)
	}

	c.mu.Lock()
	c.defs = next
	c.rejected = rejected
	c.mu.Unlock()

	metrics.CatalogDefinitions.Set(float64(len(next)))
	metrics.CatalogRejected.Set(float64(len(rejected)))

	c.logger.Info("catalog loaded",
		"definitions", len(next),
		"rejected", len(rejected),
	)

	return rejected
}

// Add compiles def and inserts it, replacing any definition with the same
// id in the same tenant scope. The replaced definition is returned, nil
// when the scope was empty.
func (c *Catalog) Add(def *domain.ScoringDefinition) (cd, replaced *rules.CompiledDefinition, err error) {
	cd, err = c.engine.Compile(def)
	if err != nil {
		return nil, nil, err
	}

	key := scopeKey(cd.TenantID(), cd.ID())
	c.mu.Lock()
	replaced = c.defs[key]
	c.defs[key] = cd
	count := len(c.defs)
	c.mu.Unlock()

	metrics.CatalogDefinitions.Set(float64(count))
	return cd, replaced, nil
}

// Restore undoes an Add: prev goes back into the scope of tenantID and id,
// or the scope is emptied when prev is nil.
func (c *Catalog) Restore(tenantID, id string, prev *rules.CompiledDefinition) {
	key := scopeKey(tenantID, id)

	c.mu.Lock()
	if prev == nil {
		delete(c.defs, key)
	} else {
		c.defs[key] = prev
	}
	count := len(c.defs)
	c.mu.Unlock()

	metrics.CatalogDefinitions.Set(float64(count))
}

// Remove deletes the definition owned by tenantID. It reports whether
// anything was removed.
func (c *Catalog) Remove(tenantID, id string) bool {
	key := scopeKey(tenantID, id)

	c.mu.Lock()
	_, ok := c.defs[key]
	delete(c.defs, key)
	count := len(c.defs)
	c.mu.Unlock()

	metrics.CatalogDefinitions.Set(float64(count))
	return ok
}

// Get returns a shared definition by id.
func (c *Catalog) Get(id string) (*rules.CompiledDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cd, ok := c.defs[scopeKey("", id)]
	return cd, ok
}

// Resolve returns the definition id as seen by tenantID: the tenant's own
// definition when present, otherwise the shared one.
func (c *Catalog) Resolve(tenantID, id string) (*rules.CompiledDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !isShared(tenantID) {
		if cd, ok := c.defs[scopeKey(tenantID, id)]; ok {
			return cd, true
		}
	}
	cd, ok := c.defs[scopeKey("", id)]
	return cd, ok
}

// List returns every active definition sorted by id, then tenant.
func (c *Catalog) List() []*rules.CompiledDefinition {
	c.mu.RLock()
	out := make([]*rules.CompiledDefinition, 0, len(c.defs))
	for _, cd := range c.defs {
		out = append(out, cd)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ID() != out[j].ID() {
			return out[i].ID() < out[j].ID()
		}
		return out[i].TenantID() < out[j].TenantID()
	})
	return out
}

// ListFor returns the definitions visible to tenantID, sorted by id.
func (c *Catalog) ListFor(tenantID string) []*rules.CompiledDefinition {
	visible := make(map[string]*rules.CompiledDefinition)
	for _, cd := range c.List() {
		switch {
		case isShared(cd.TenantID()):
			if _, own := visible[cd.ID()]; !own {
				visible[cd.ID()] = cd
			}
		case cd.TenantID() == tenantID:
			visible[cd.ID()] = cd
		}
	}

	out := make([]*rules.CompiledDefinition, 0, len(visible))
	for _, cd := range visible {
		out = append(out, cd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Count returns the number of active definitions.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}

// Rejected returns the errors of the definitions excluded by the last load.
func (c *Catalog) Rejected() []*domain.ConfigError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*domain.ConfigError(nil), c.rejected...)
}

// Evaluate scores inputs with the shared definition id.
func (c *Catalog) Evaluate(ctx context.Context, id string, inputs map[string]any) (*domain.Result, error) {
	cd, ok := c.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownDefinition, id)
	}
	return cd.Evaluate(ctx, inputs)
}

func (c *Catalog) addRejected(errs []*domain.ConfigError) {
	if len(errs) == 0 {
		return
	}
	c.mu.Lock()
	c.rejected = append(c.rejected, errs...)
	n := len(c.rejected)
	c.mu.Unlock()
	metrics.CatalogRejected.Set(float64(n))
}

func asConfigError(def *domain.ScoringDefinition, err error) *domain.ConfigError {
	if cerr, ok := err.(*domain.ConfigError); ok {
		return cerr
	}
	id := ""
	if def != nil {
		id = def.ID
	}
	return &domain.ConfigError{DefinitionID: id, Problems: []string{err.Error()}}
}

func isShared(tenantID string) bool {
	return tenantID == "" || tenantID == domain.GlobalTenantID
}

func scopeKey(tenantID, id string) string {
	if isShared(tenantID) {
		return id
	}
	return tenantID + "/" + id
}
