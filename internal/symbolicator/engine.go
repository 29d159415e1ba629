package symbolicator

import (
	"context"
	"fmt"
)

// PendingFrame identifies one raw captured frame still awaiting
// resolution.
type PendingFrame struct {
	ModuleIdentity string
	ModulePath     string
	RelPC          uint64
	RuntimeBase    uint64
	IP             uint64
}

// ModuleOpener abstracts OpenModule so tests can substitute modules that
// don't correspond to real files on disk.
type ModuleOpener func(path string) (*Module, error)

// Engine resolves batches of pending frames, grouping by module so each
// object file is opened at most once per call, and persists results
// through Cache.
type Engine struct {
	cache *Cache
	open  ModuleOpener
}

// NewEngine builds an Engine backed by cache, using OpenModule to load
// object files unless a different opener is supplied via WithOpener.
func NewEngine(cache *Cache) *Engine {
	return &Engine{cache: cache, open: OpenModule}
}

// WithOpener overrides the module-opening function, for tests.
func (e *Engine) WithOpener(open ModuleOpener) *Engine {
	e.open = open
	return e
}

// SymbolicatePendingFrames resolves every frame in pairs, grouped by
// module_identity so each module's object file is opened once per batch,
// per §4.J. Already-cached frames are returned without reopening their
// module. The result is keyed the same order as pairs.
func (e *Engine) SymbolicatePendingFrames(ctx context.Context, pairs []PendingFrame) ([]ResolvedFrame, error) {
	results := make([]ResolvedFrame, len(pairs))
	byModule := make(map[string][]int)
	for i, p := range pairs {
		if cached, ok, err := e.cache.Lookup(ctx, p.ModuleIdentity, p.RelPC); err != nil {
			return nil, err
		} else if ok {
			results[i] = cached
			continue
		}
		byModule[p.ModuleIdentity] = append(byModule[p.ModuleIdentity], i)
	}

	for identity, indices := range byModule {
		modulePath := pairs[indices[0]].ModulePath
		mod, err := e.open(modulePath)
		if err != nil {
			rf := ResolvedFrame{UnresolvedReason: fmt.Sprintf("module load failed: %v", err)}
			for _, i := range indices {
				results[i] = rf
				if cerr := e.cache.Store(ctx, identity, pairs[i].RelPC, rf); cerr != nil {
					return nil, cerr
				}
			}
			continue
		}
		for _, i := range indices {
			p := pairs[i]
			relPC := p.IP - p.RuntimeBase
			probe := mod.Probe(relPC)
			rf := mod.Resolve(probe)
			results[i] = rf
			if err := e.cache.Store(ctx, identity, p.RelPC, rf); err != nil {
				return nil, err
			}
		}
	}

	return results, nil
}
