package rules

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func seedPack(repo *mockRuleRepo, packID string) {
	r := drugRule(1, RuleTypeQtyLimit, 1, between("AGE", "0", "120"))
	r.ID = uuid.New()
	r.PackID = packID
	r.MaxQuantity = floatp(10)
	repo.drugs[r.ID] = &r
	d := dosageRule(1, "adult", 1, greaterThan("AGE", "17"))
	d.ID = uuid.New()
	d.PackID = packID
	repo.dosages[d.ID] = &d
}

func TestCatalog_PackLoadsOnce(t *testing.T) {
	repo := newMockRuleRepo()
	seedPack(repo, "formulary")
	c := NewCatalog(repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		pr, err := c.Pack(ctx, "formulary")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(pr.DrugRules) != 1 || len(pr.DosageRules) != 1 {
			t.Fatalf("unexpected pack contents %+v", pr)
		}
	}
	if n := repo.fetchCount(); n != 1 {
		t.Errorf("expected 1 repository fetch, got %d", n)
	}
}

func TestCatalog_ConcurrentFirstLoad(t *testing.T) {
	repo := newMockRuleRepo()
	seedPack(repo, "formulary")
	c := NewCatalog(repo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Pack(context.Background(), "formulary"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, err := c.Pack(context.Background(), "formulary"); err != nil {
		t.Fatal(err)
	}
	if got := c.Cached(); len(got) != 1 || got[0] != "formulary" {
		t.Errorf("unexpected cached packs %v", got)
	}
}

func TestCatalog_InvalidateReloads(t *testing.T) {
	repo := newMockRuleRepo()
	seedPack(repo, "formulary")
	c := NewCatalog(repo)
	ctx := context.Background()

	if _, err := c.Pack(ctx, "formulary"); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("formulary")
	if len(c.Cached()) != 0 {
		t.Error("expected pack to be dropped")
	}
	if _, err := c.Pack(ctx, "formulary"); err != nil {
		t.Fatal(err)
	}
	if n := repo.fetchCount(); n != 2 {
		t.Errorf("expected a second fetch after invalidation, got %d", n)
	}
}

func TestCatalog_ReloadReplacesSnapshot(t *testing.T) {
	repo := newMockRuleRepo()
	seedPack(repo, "formulary")
	c := NewCatalog(repo)
	ctx := context.Background()

	before, err := c.Pack(ctx, "formulary")
	if err != nil {
		t.Fatal(err)
	}
	extra := drugRule(9, RuleTypeContraindication, 1, equals("PREGNANT", "true"))
	repo.drugs[extra.ID] = &extra

	if err := c.Reload(ctx, "formulary"); err != nil {
		t.Fatal(err)
	}
	after, _ := c.Pack(ctx, "formulary")
	if len(before.DrugRules) != 1 {
		t.Errorf("earlier reader saw the reload: %d rules", len(before.DrugRules))
	}
	if len(after.DrugRules) != 2 {
		t.Errorf("expected reloaded pack with 2 rules, got %d", len(after.DrugRules))
	}
}

func TestCatalog_InvalidateAll(t *testing.T) {
	repo := newMockRuleRepo()
	seedPack(repo, "a")
	seedPack(repo, "b")
	c := NewCatalog(repo)
	ctx := context.Background()
	c.Pack(ctx, "a")
	c.Pack(ctx, "b")

	got := c.Cached()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected cached packs %v", got)
	}
	c.InvalidateAll()
	if len(c.Cached()) != 0 {
		t.Error("expected empty cache")
	}
}

func TestCatalog_LoadFailureIsUnavailable(t *testing.T) {
	repo := newMockRuleRepo()
	repo.fail = errors.New("connection refused")
	c := NewCatalog(repo)

	_, err := c.Pack(context.Background(), "formulary")
	if !IsUnavailable(err) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if len(c.Cached()) != 0 {
		t.Error("failed load must not be cached")
	}

	repo.fail = nil
	if _, err := c.Pack(context.Background(), "formulary"); err != nil {
		t.Errorf("expected recovery after failure, got %v", err)
	}
}

func TestCatalog_UnknownPackIsEmpty(t *testing.T) {
	c := NewCatalog(newMockRuleRepo())
	pr, err := c.Pack(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pr.DrugRules) != 0 || len(pr.DosageRules) != 0 {
		t.Errorf("expected empty pack, got %+v", pr)
	}
}

// gatedRuleRepo honours ctx cancellation and, when read is set, parks the
// first drug rule fetch after it has read the rows until release closes.
type gatedRuleRepo struct {
	*mockRuleRepo
	read    chan struct{}
	release chan struct{}
	first   sync.Once
}

func (g *gatedRuleRepo) FetchRulesByPack(ctx context.Context, packID string) ([]DrugRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rules, err := g.mockRuleRepo.FetchRulesByPack(ctx, packID)
	if g.read != nil {
		g.first.Do(func() {
			close(g.read)
			<-g.release
		})
	}
	return rules, err
}

func TestCatalog_InvalidateDuringLoadDiscardsStaleRead(t *testing.T) {
	repo := newMockRuleRepo()
	seedPack(repo, "formulary")
	gated := &gatedRuleRepo{mockRuleRepo: repo, read: make(chan struct{}), release: make(chan struct{})}
	c := NewCatalog(gated)
	ctx := context.Background()

	done := make(chan PackRules)
	go func() {
		pr, err := c.Pack(ctx, "formulary")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- pr
	}()

	<-gated.read
	extra := drugRule(9, RuleTypeContraindication, 1, equals("PREGNANT", "true"))
	extra.PackID = "formulary"
	if err := repo.CreateDrugRule(ctx, &extra); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("formulary")
	close(gated.release)

	if stale := <-done; len(stale.DrugRules) != 1 {
		t.Fatalf("in-flight load should return what it read, got %d rules", len(stale.DrugRules))
	}
	if len(c.Cached()) != 0 {
		t.Error("stale load must not be installed after invalidation")
	}
	pr, err := c.Pack(ctx, "formulary")
	if err != nil {
		t.Fatal(err)
	}
	if len(pr.DrugRules) != 2 {
		t.Errorf("expected the created rule after invalidation, got %d rules", len(pr.DrugRules))
	}
}

func TestCatalog_InvalidateAllDuringLoadDiscardsStaleRead(t *testing.T) {
	repo := newMockRuleRepo()
	seedPack(repo, "formulary")
	gated := &gatedRuleRepo{mockRuleRepo: repo, read: make(chan struct{}), release: make(chan struct{})}
	c := NewCatalog(gated)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Pack(context.Background(), "formulary")
	}()

	<-gated.read
	c.InvalidateAll()
	close(gated.release)
	<-done

	if len(c.Cached()) != 0 {
		t.Error("stale load must not be installed after InvalidateAll")
	}
}

func TestCatalog_PackLoadSurvivesCallerCancel(t *testing.T) {
	repo := newMockRuleRepo()
	seedPack(repo, "formulary")
	c := NewCatalog(&gatedRuleRepo{mockRuleRepo: repo})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pr, err := c.Pack(ctx, "formulary")
	if err != nil {
		t.Fatalf("shared load should not inherit caller cancellation: %v", err)
	}
	if len(pr.DrugRules) != 1 {
		t.Errorf("unexpected pack contents %+v", pr)
	}
}

func TestCatalog_ReloadStillHonoursCancel(t *testing.T) {
	repo := newMockRuleRepo()
	seedPack(repo, "formulary")
	c := NewCatalog(&gatedRuleRepo{mockRuleRepo: repo})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Reload(ctx, "formulary"); !IsUnavailable(err) {
		t.Fatalf("expected UnavailableError from cancelled reload, got %v", err)
	}
	if len(c.Cached()) != 0 {
		t.Error("failed reload must not install")
	}
}
