package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// FinancialTable is a classified financial statement table of a filing.
type FinancialTable struct {
	FilingID int64  `db:"filing_id"`
	Ordinal  int    `db:"ordinal"`
	Kind     string `db:"kind"`
	Content  string `db:"content"`
}

// Fact is a numeric inline XBRL fact of a filing.
type Fact struct {
	FilingID    int64   `db:"filing_id"`
	Ordinal     int     `db:"ordinal"`
	Concept     string  `db:"concept"`
	Value       float64 `db:"value"`
	RawValue    string  `db:"raw_value"`
	ContextRef  string  `db:"context_ref"`
	UnitRef     string  `db:"unit_ref"`
	Scale       int     `db:"scale"`
	Decimals    string  `db:"decimals"`
	PeriodEnd   string  `db:"period_end"`
	Dimensional bool    `db:"dimensional"`
}

// SaveFinancials replaces a filing's statement tables and facts in one
// transaction.
func (s *Store) SaveFinancials(ctx context.Context, filingID int64, tables []FinancialTable, facts []Fact) error {
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM financial_tables WHERE filing_id = ?`, filingID); err != nil {
			return fmt.Errorf("delete tables: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM xbrl_facts WHERE filing_id = ?`, filingID); err != nil {
			return fmt.Errorf("delete facts: %w", err)
		}
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, `INSERT INTO financial_tables(filing_id, ordinal, kind, content) VALUES(?, ?, ?, ?)`,
				filingID, t.Ordinal, t.Kind, t.Content); err != nil {
				return fmt.Errorf("insert table %d: %w", t.Ordinal, err)
			}
		}
		for _, f := range facts {
			_, err := tx.ExecContext(ctx, `INSERT INTO xbrl_facts(filing_id, ordinal, concept, value, raw_value, context_ref, unit_ref, scale, decimals, period_end, dimensional)
				VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				filingID, f.Ordinal, f.Concept, f.Value, f.RawValue, f.ContextRef, f.UnitRef, f.Scale, f.Decimals, f.PeriodEnd, f.Dimensional)
			if err != nil {
				return fmt.Errorf("insert fact %d: %w", f.Ordinal, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save financials of filing %d: %w", filingID, err)
	}
	return nil
}

// LoadFinancials returns a filing's statement tables and facts in document
// order.
func (s *Store) LoadFinancials(ctx context.Context, filingID int64) ([]FinancialTable, []Fact, error) {
	tables := []FinancialTable{}
	if err := s.db.SelectContext(ctx, &tables, `SELECT filing_id, ordinal, kind, content
		FROM financial_tables WHERE filing_id = ? ORDER BY ordinal`, filingID); err != nil {
		return nil, nil, fmt.Errorf("load tables of filing %d: %w", filingID, err)
	}
	facts := []Fact{}
	if err := s.db.SelectContext(ctx, &facts, `SELECT filing_id, ordinal, concept, value, raw_value, context_ref, unit_ref, scale, decimals, period_end, dimensional
		FROM xbrl_facts WHERE filing_id = ? ORDER BY ordinal`, filingID); err != nil {
		return nil, nil, fmt.Errorf("load facts of filing %d: %w", filingID, err)
	}
	return tables, facts, nil
}
