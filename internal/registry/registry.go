// Package registry maintains the in-memory view of the tracked-symbol
// universe. The database is the source of truth; the registry is a
// read-through cache refreshed on demand so the orchestrator and the HTTP
// layer can validate submissions without a round trip per symbol.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/candlevault/candlevault/internal/models"
	"github.com/candlevault/candlevault/internal/persistence"
)

// DefaultTTL bounds staleness of the cached universe. Symbol changes are
// rare (operator action), so a coarse TTL is enough.
const DefaultTTL = 5 * time.Minute

type Registry struct {
	repo persistence.SymbolRepo
	ttl  time.Duration

	mu        sync.RWMutex
	bySymbol  map[string]models.TrackedSymbol
	ordered   []models.TrackedSymbol
	refreshed time.Time
}

func New(repo persistence.SymbolRepo, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		repo:     repo,
		ttl:      ttl,
		bySymbol: make(map[string]models.TrackedSymbol),
	}
}

// Refresh reloads the active universe from storage unconditionally.
func (r *Registry) Refresh(ctx context.Context) error {
	symbols, err := r.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("registry refresh: %w", err)
	}

	byName := make(map[string]models.TrackedSymbol, len(symbols))
	for _, s := range symbols {
		byName[s.Symbol] = s
	}

	r.mu.Lock()
	r.bySymbol = byName
	r.ordered = symbols
	r.refreshed = time.Now()
	r.mu.Unlock()

	log.Debug().Int("symbols", len(symbols)).Msg("symbol registry refreshed")
	return nil
}

func (r *Registry) fresh() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.refreshed.IsZero() && time.Since(r.refreshed) < r.ttl
}

func (r *Registry) ensure(ctx context.Context) error {
	if r.fresh() {
		return nil
	}
	return r.Refresh(ctx)
}

// Active returns the active universe ordered by symbol.
func (r *Registry) Active(ctx context.Context) ([]models.TrackedSymbol, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.TrackedSymbol, len(r.ordered))
	copy(out, r.ordered)
	return out, nil
}

// Lookup resolves one symbol from the active universe.
func (r *Registry) Lookup(ctx context.Context, symbol string) (models.TrackedSymbol, bool, error) {
	if err := r.ensure(ctx); err != nil {
		return models.TrackedSymbol{}, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySymbol[strings.ToUpper(symbol)]
	return s, ok, nil
}

// Resolve expands a backfill request into the concrete symbol set. Empty
// request symbols means the whole active universe. Unknown or inactive
// symbols reject the request rather than being silently dropped.
func (r *Registry) Resolve(ctx context.Context, req models.BackfillRequest) ([]models.TrackedSymbol, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(req.Symbols) == 0 {
		out := make([]models.TrackedSymbol, len(r.ordered))
		copy(out, r.ordered)
		return out, nil
	}

	seen := make(map[string]bool, len(req.Symbols))
	var out []models.TrackedSymbol
	var unknown []string
	for _, name := range req.Symbols {
		name = strings.ToUpper(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		s, ok := r.bySymbol[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		out = append(out, s)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, models.Errorf(models.ErrValidation, "unknown symbols: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

// Timeframes returns the effective timeframe set for one symbol given the
// request override. Empty override means the symbol's configured set.
func Timeframes(sym models.TrackedSymbol, override []models.Timeframe) []models.Timeframe {
	if len(override) == 0 {
		return sym.Timeframes
	}
	return override
}
