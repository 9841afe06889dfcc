package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alqaisi42/medexaTPA-sub004/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// =========== Rule Repository ===========

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository {
	return &ruleRepoPG{pool: pool}
}

const drugRuleCols = `id, pack_id, rule_type, priority, conditions, valid_from, valid_to,
	max_quantity, adjustment_value, eligibility, status, description, created_at, updated_at`

func scanDrugRule(row pgx.Row) (*DrugRule, error) {
	var r DrugRule
	err := row.Scan(&r.ID, &r.PackID, &r.RuleType, &r.Priority, &r.Conditions, &r.ValidFrom, &r.ValidTo,
		&r.MaxQuantity, &r.AdjustmentValue, &r.Eligibility, &r.Status, &r.Description, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return &r, err
}

func (r *ruleRepoPG) FetchRulesByPack(ctx context.Context, packID string) ([]DrugRule, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+drugRuleCols+` FROM drug_rule
		WHERE pack_id = $1 ORDER BY priority, created_at, id`, packID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []DrugRule{}
	for rows.Next() {
		dr, err := scanDrugRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *dr)
	}
	return items, rows.Err()
}

func (r *ruleRepoPG) CreateDrugRule(ctx context.Context, dr *DrugRule) error {
	dr.ID = uuid.New()
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO drug_rule (id, pack_id, rule_type, priority, conditions, valid_from, valid_to,
			max_quantity, adjustment_value, eligibility, status, description)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		dr.ID, dr.PackID, dr.RuleType, dr.Priority, dr.Conditions, dr.ValidFrom, dr.ValidTo,
		dr.MaxQuantity, dr.AdjustmentValue, dr.Eligibility, dr.Status, dr.Description,
	).Scan(&dr.CreatedAt, &dr.UpdatedAt)
}

func (r *ruleRepoPG) GetDrugRule(ctx context.Context, id uuid.UUID) (*DrugRule, error) {
	return scanDrugRule(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+drugRuleCols+` FROM drug_rule WHERE id = $1`, id))
}

func (r *ruleRepoPG) UpdateDrugRule(ctx context.Context, dr *DrugRule) error {
	err := conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE drug_rule SET pack_id=$2, rule_type=$3, priority=$4, conditions=$5,
			valid_from=$6, valid_to=$7, max_quantity=$8, adjustment_value=$9,
			eligibility=$10, status=$11, description=$12, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		dr.ID, dr.PackID, dr.RuleType, dr.Priority, dr.Conditions,
		dr.ValidFrom, dr.ValidTo, dr.MaxQuantity, dr.AdjustmentValue,
		dr.Eligibility, dr.Status, dr.Description,
	).Scan(&dr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRuleNotFound
	}
	return err
}

const dosageRuleCols = `id, pack_id, rule_name, dosage_amount, dosage_unit, notes, priority,
	conditions, frequencies, valid_from, valid_to, status, created_at, updated_at`

func scanDosageRule(row pgx.Row) (*DosageRule, error) {
	var r DosageRule
	err := row.Scan(&r.ID, &r.PackID, &r.RuleName, &r.DosageAmount, &r.DosageUnit, &r.Notes, &r.Priority,
		&r.Conditions, &r.Frequencies, &r.ValidFrom, &r.ValidTo, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return &r, err
}

func (r *ruleRepoPG) FetchDosageRulesByPack(ctx context.Context, packID string) ([]DosageRule, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+dosageRuleCols+` FROM dosage_rule
		WHERE pack_id = $1 ORDER BY priority, created_at, id`, packID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []DosageRule{}
	for rows.Next() {
		dr, err := scanDosageRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *dr)
	}
	return items, rows.Err()
}

func (r *ruleRepoPG) CreateDosageRule(ctx context.Context, dr *DosageRule) error {
	dr.ID = uuid.New()
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO dosage_rule (id, pack_id, rule_name, dosage_amount, dosage_unit, notes, priority,
			conditions, frequencies, valid_from, valid_to, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		dr.ID, dr.PackID, dr.RuleName, dr.DosageAmount, dr.DosageUnit, dr.Notes, dr.Priority,
		dr.Conditions, dr.Frequencies, dr.ValidFrom, dr.ValidTo, dr.Status,
	).Scan(&dr.CreatedAt, &dr.UpdatedAt)
}

func (r *ruleRepoPG) GetDosageRule(ctx context.Context, id uuid.UUID) (*DosageRule, error) {
	return scanDosageRule(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+dosageRuleCols+` FROM dosage_rule WHERE id = $1`, id))
}

func (r *ruleRepoPG) UpdateDosageRule(ctx context.Context, dr *DosageRule) error {
	err := conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE dosage_rule SET pack_id=$2, rule_name=$3, dosage_amount=$4, dosage_unit=$5,
			notes=$6, priority=$7, conditions=$8, frequencies=$9,
			valid_from=$10, valid_to=$11, status=$12, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		dr.ID, dr.PackID, dr.RuleName, dr.DosageAmount, dr.DosageUnit,
		dr.Notes, dr.Priority, dr.Conditions, dr.Frequencies,
		dr.ValidFrom, dr.ValidTo, dr.Status,
	).Scan(&dr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRuleNotFound
	}
	return err
}

func (r *ruleRepoPG) ListPacks(ctx context.Context) ([]string, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT pack_id FROM drug_rule
		UNION
		SELECT pack_id FROM dosage_rule
		ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	packs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		packs = append(packs, id)
	}
	return packs, rows.Err()
}

// =========== Factor Catalog ===========

type factorRepoPG struct{ pool *pgxpool.Pool }

func NewFactorRepoPG(pool *pgxpool.Pool) FactorCatalog {
	return &factorRepoPG{pool: pool}
}

func (r *factorRepoPG) FetchFactors(ctx context.Context) ([]Factor, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT code, description, created_at FROM factor ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	factors := []Factor{}
	for rows.Next() {
		var f Factor
		if err := rows.Scan(&f.Code, &f.Description, &f.CreatedAt); err != nil {
			return nil, err
		}
		factors = append(factors, f)
	}
	return factors, rows.Err()
}

func (r *factorRepoPG) CreateFactor(ctx context.Context, f *Factor) error {
	err := conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO factor (code, description) VALUES ($1, $2)
		RETURNING created_at`, f.Code, f.Description).Scan(&f.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrFactorExists, f.Code)
	}
	return err
}

// =========== Price Lists ===========

type priceListRepoPG struct{ pool *pgxpool.Pool }

func NewPriceListRepoPG(pool *pgxpool.Pool) PriceListRepository {
	return &priceListRepoPG{pool: pool}
}

func (r *priceListRepoPG) GetPriceList(ctx context.Context, id string) (*PriceList, error) {
	var p PriceList
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, name, base_unit_price, currency, updated_at FROM price_list WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.BaseUnitPrice, &p.Currency, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPriceListNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *priceListRepoPG) GetBasePrice(ctx context.Context, id string) (float64, error) {
	p, err := r.GetPriceList(ctx, id)
	if err != nil {
		return 0, err
	}
	return p.BaseUnitPrice, nil
}

func (r *priceListRepoPG) UpsertPriceList(ctx context.Context, p *PriceList) error {
	if p.Currency == "" {
		p.Currency = "USD"
	}
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO price_list (id, name, base_unit_price, currency)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
			base_unit_price = EXCLUDED.base_unit_price,
			currency = EXCLUDED.currency, updated_at = NOW()
		RETURNING updated_at`,
		p.ID, p.Name, p.BaseUnitPrice, p.Currency,
	).Scan(&p.UpdatedAt)
}
