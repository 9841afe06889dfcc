package rules

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

func strp(s string) *string     { return &s }
func floatp(f float64) *float64 { return &f }
func boolp(b bool) *bool        { return &b }

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dayp(y int, m time.Month, d int) *time.Time {
	t := day(y, m, d)
	return &t
}

func equals(code, v string) Condition {
	return Condition{FactorCode: code, Operator: OpEquals, ValueExact: strp(v)}
}

func between(code, from, to string) Condition {
	return Condition{FactorCode: code, Operator: OpBetween, ValueFrom: strp(from), ValueTo: strp(to)}
}

func greaterThan(code, v string) Condition {
	return Condition{FactorCode: code, Operator: OpGreaterThan, ValueExact: strp(v)}
}

func lessThan(code, v string) Condition {
	return Condition{FactorCode: code, Operator: OpLessThan, ValueExact: strp(v)}
}

func inSet(code string, values ...string) Condition {
	return Condition{FactorCode: code, Operator: OpIn, Values: values}
}

func ctxWith(date time.Time, kv ...string) EvaluationContext {
	factors := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		factors[kv[i]] = kv[i+1]
	}
	return NewEvaluationContext(date, factors)
}

var baseTime = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// drugRule builds an active rule with a deterministic id and creation time.
func drugRule(n int, t RuleType, priority int, conds ...Condition) DrugRule {
	return DrugRule{
		ID:          uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n)),
		PackID:      "formulary",
		RuleType:    t,
		Priority:    priority,
		Conditions:  conds,
		Status:      StatusActive,
		Description: fmt.Sprintf("%s rule %d", t, n),
		CreatedAt:   baseTime.Add(time.Duration(n) * time.Minute),
	}
}

func dosageRule(n int, name string, priority int, conds ...Condition) DosageRule {
	return DosageRule{
		ID:           uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0001-%012d", n)),
		PackID:       "formulary",
		RuleName:     name,
		DosageAmount: 500,
		DosageUnit:   "mg",
		Priority:     priority,
		Conditions:   conds,
		Frequencies:  []Frequency{{FrequencyCode: "BID", TimesPerDay: floatp(2)}},
		Status:       StatusActive,
		CreatedAt:    baseTime.Add(time.Duration(n) * time.Minute),
	}
}

// -- Mock Repositories --

type mockRuleRepo struct {
	mu      sync.Mutex
	drugs   map[uuid.UUID]*DrugRule
	dosages map[uuid.UUID]*DosageRule
	fetches int
	fail    error
	seq     int
}

func newMockRuleRepo() *mockRuleRepo {
	return &mockRuleRepo{
		drugs:   make(map[uuid.UUID]*DrugRule),
		dosages: make(map[uuid.UUID]*DosageRule),
	}
}

func (m *mockRuleRepo) stamp() time.Time {
	m.seq++
	return baseTime.Add(time.Duration(m.seq) * time.Second)
}

func (m *mockRuleRepo) FetchRulesByPack(_ context.Context, packID string) ([]DrugRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.fail != nil {
		return nil, m.fail
	}
	var out []DrugRule
	for _, r := range m.drugs {
		if r.PackID == packID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockRuleRepo) FetchDosageRulesByPack(_ context.Context, packID string) ([]DosageRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []DosageRule
	for _, r := range m.dosages {
		if r.PackID == packID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockRuleRepo) CreateDrugRule(_ context.Context, r *DrugRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	r.CreatedAt = m.stamp()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	m.drugs[r.ID] = &cp
	return nil
}

func (m *mockRuleRepo) GetDrugRule(_ context.Context, id uuid.UUID) (*DrugRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.drugs[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRuleRepo) UpdateDrugRule(_ context.Context, r *DrugRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drugs[r.ID]; !ok {
		return ErrRuleNotFound
	}
	cp := *r
	m.drugs[r.ID] = &cp
	return nil
}

func (m *mockRuleRepo) CreateDosageRule(_ context.Context, r *DosageRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	r.CreatedAt = m.stamp()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	m.dosages[r.ID] = &cp
	return nil
}

func (m *mockRuleRepo) GetDosageRule(_ context.Context, id uuid.UUID) (*DosageRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.dosages[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRuleRepo) UpdateDosageRule(_ context.Context, r *DosageRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dosages[r.ID]; !ok {
		return ErrRuleNotFound
	}
	cp := *r
	m.dosages[r.ID] = &cp
	return nil
}

func (m *mockRuleRepo) ListPacks(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, r := range m.drugs {
		seen[r.PackID] = true
	}
	for _, r := range m.dosages {
		seen[r.PackID] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *mockRuleRepo) fetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

type mockFactorRepo struct {
	factors []Factor
	fail    error
}

func newMockFactorRepo(codes ...string) *mockFactorRepo {
	m := &mockFactorRepo{}
	for _, c := range codes {
		m.factors = append(m.factors, Factor{Code: c})
	}
	return m
}

func (m *mockFactorRepo) FetchFactors(_ context.Context) ([]Factor, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	return append([]Factor{}, m.factors...), nil
}

func (m *mockFactorRepo) CreateFactor(_ context.Context, f *Factor) error {
	for _, existing := range m.factors {
		if existing.Code == f.Code {
			return fmt.Errorf("%w: %s", ErrFactorExists, f.Code)
		}
	}
	f.CreatedAt = baseTime
	m.factors = append(m.factors, *f)
	return nil
}

type mockPriceRepo struct {
	lists map[string]PriceList
	gets  int
	fail  error
}

func newMockPriceRepo() *mockPriceRepo {
	return &mockPriceRepo{lists: make(map[string]PriceList)}
}

func (m *mockPriceRepo) GetBasePrice(ctx context.Context, id string) (float64, error) {
	pl, err := m.GetPriceList(ctx, id)
	if err != nil {
		return 0, err
	}
	return pl.BaseUnitPrice, nil
}

func (m *mockPriceRepo) GetPriceList(_ context.Context, id string) (*PriceList, error) {
	m.gets++
	if m.fail != nil {
		return nil, m.fail
	}
	pl, ok := m.lists[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPriceListNotFound, id)
	}
	return &pl, nil
}

func (m *mockPriceRepo) UpsertPriceList(_ context.Context, p *PriceList) error {
	if m.fail != nil {
		return m.fail
	}
	p.UpdatedAt = baseTime
	m.lists[p.ID] = *p
	return nil
}

type recordingNotifier struct {
	packs []string
	fail  error
}

func (n *recordingNotifier) PackChanged(_ context.Context, packID string) error {
	n.packs = append(n.packs, packID)
	return n.fail
}

type mapBundleSource map[string]string

func (m mapBundleSource) Open(_ context.Context, key string) (io.ReadCloser, error) {
	doc, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", key, fs.ErrNotExist)
	}
	return io.NopCloser(strings.NewReader(doc)), nil
}
