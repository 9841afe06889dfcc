package rules

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// PackRules is one pack's rules as loaded at a single point in time.
type PackRules struct {
	PackID      string
	DrugRules   []DrugRule
	DosageRules []DosageRule
}

type snapshot map[string]PackRules

// generation identifies what a load was started against. A load only
// installs its result if no invalidation happened in between.
type generation struct {
	epoch uint64
	pack  uint64
}

// Catalog caches pack rules as copy-on-write snapshots. Readers take a
// PackRules value and never observe a half-applied reload; writers install
// a whole new snapshot.
type Catalog struct {
	repo    RuleRepository
	current atomic.Pointer[snapshot]
	mu      sync.Mutex // guards gens, epoch and snapshot writes
	gens    map[string]uint64
	epoch   uint64
	loads   singleflight.Group
}

func NewCatalog(repo RuleRepository) *Catalog {
	c := &Catalog{repo: repo, gens: make(map[string]uint64)}
	empty := snapshot{}
	c.current.Store(&empty)
	return c
}

// Pack returns the cached rules for packID, loading them on first use.
// Concurrent first loads of the same pack share one repository round trip,
// so the load is detached from any single caller's cancellation.
func (c *Catalog) Pack(ctx context.Context, packID string) (PackRules, error) {
	if pr, ok := (*c.current.Load())[packID]; ok {
		return pr, nil
	}

	v, err, _ := c.loads.Do(packID, func() (interface{}, error) {
		gen := c.token(packID, false)
		pr, err := c.load(context.WithoutCancel(ctx), packID)
		if err != nil {
			return PackRules{}, err
		}
		c.installIf(packID, pr, gen)
		return pr, nil
	})
	if err != nil {
		return PackRules{}, err
	}
	return v.(PackRules), nil
}

// Reload fetches packID from the repository and replaces the cached copy.
// Loads of packID already in flight are superseded and will not install.
func (c *Catalog) Reload(ctx context.Context, packID string) error {
	gen := c.token(packID, true)
	c.loads.Forget(packID)
	pr, err := c.load(ctx, packID)
	if err != nil {
		return err
	}
	c.installIf(packID, pr, gen)
	return nil
}

// Invalidate drops packID so the next Pack call reloads it. A load that
// started before the call is discarded rather than installed.
func (c *Catalog) Invalidate(packID string) {
	c.mu.Lock()
	c.gens[packID]++
	c.swap(func(next snapshot) { delete(next, packID) })
	c.mu.Unlock()
	c.loads.Forget(packID)
}

// InvalidateAll drops every cached pack and supersedes every load in flight.
func (c *Catalog) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	empty := snapshot{}
	c.current.Store(&empty)
}

// Cached reports the pack ids currently held in the snapshot.
func (c *Catalog) Cached() []string {
	snap := *c.current.Load()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	return ids
}

func (c *Catalog) load(ctx context.Context, packID string) (PackRules, error) {
	drugs, err := c.repo.FetchRulesByPack(ctx, packID)
	if err != nil {
		return PackRules{}, unavailable("fetch drug rules", err)
	}
	dosages, err := c.repo.FetchDosageRulesByPack(ctx, packID)
	if err != nil {
		return PackRules{}, unavailable("fetch dosage rules", err)
	}
	return PackRules{PackID: packID, DrugRules: drugs, DosageRules: dosages}, nil
}

// token returns the generation a load of packID must still hold when it
// installs. bump supersedes loads already in flight.
func (c *Catalog) token(packID string, bump bool) generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bump {
		c.gens[packID]++
	}
	return generation{epoch: c.epoch, pack: c.gens[packID]}
}

// installIf stores pr unless packID was invalidated after gen was taken.
func (c *Catalog) installIf(packID string, pr PackRules, gen generation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != gen.epoch || c.gens[packID] != gen.pack {
		return false
	}
	c.swap(func(next snapshot) { next[packID] = pr })
	return true
}

// swap copies the current snapshot, applies edit and stores the copy.
// Callers hold c.mu.
func (c *Catalog) swap(edit func(snapshot)) {
	old := *c.current.Load()
	next := make(snapshot, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	edit(next)
	c.current.Store(&next)
}
