package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Company is a registrant row.
type Company struct {
	ID     int64  `db:"id"`
	CIK    string `db:"cik"`
	Name   string `db:"name"`
	Ticker string `db:"ticker"`
}

// Filing is a filing row. FilingDate is YYYY-MM-DD.
type Filing struct {
	ID               int64  `db:"id"`
	CompanyID        int64  `db:"company_id"`
	FormType         string `db:"form_type"`
	FilingDate       string `db:"filing_date"`
	Accession        string `db:"accession"`
	DocumentURL      string `db:"document_url"`
	IndexURL         string `db:"index_url"`
	Status           string `db:"status"`
	Error            string `db:"error"`
	RawDigest        string `db:"raw_digest"`
	ExtractorVersion string `db:"extractor_version"`
	SectionsDigest   string `db:"sections_digest"`
	Revision         int64  `db:"revision"`
}

const companyColumns = `id, cik, name, ticker`

const filingColumns = `id, company_id, form_type, filing_date, accession, document_url, index_url,
	status, error, raw_digest, extractor_version, sections_digest, revision`

// UpsertCompany creates the company on first sight. An existing row keeps its
// name and ticker; only blanks are filled in.
func (s *Store) UpsertCompany(ctx context.Context, c Company) (Company, error) {
	cik := strings.TrimSpace(c.CIK)
	if cik == "" {
		return Company{}, fmt.Errorf("company CIK required")
	}
	query := `INSERT INTO companies(cik, name, ticker) VALUES(?, ?, ?)
		ON CONFLICT(cik) DO UPDATE SET
			name = CASE WHEN companies.name = '' THEN excluded.name ELSE companies.name END,
			ticker = CASE WHEN companies.ticker = '' THEN excluded.ticker ELSE companies.ticker END`
	if _, err := s.db.ExecContext(ctx, query, cik, strings.TrimSpace(c.Name), strings.TrimSpace(c.Ticker)); err != nil {
		return Company{}, fmt.Errorf("upsert company %s: %w", cik, err)
	}
	return s.CompanyByCIK(ctx, cik)
}

// UpdateCompany is the administrative edit of a company's display fields.
func (s *Store) UpdateCompany(ctx context.Context, cik, name, ticker string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE companies SET name = ?, ticker = ?, updated_at = CURRENT_TIMESTAMP WHERE cik = ?`,
		strings.TrimSpace(name), strings.TrimSpace(ticker), cik)
	if err != nil {
		return fmt.Errorf("update company %s: %w", cik, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update company %s: %w", cik, ErrNotFound)
	}
	return nil
}

// CompanyByCIK looks a company up by its padded registry identifier.
func (s *Store) CompanyByCIK(ctx context.Context, cik string) (Company, error) {
	var c Company
	if err := s.db.GetContext(ctx, &c, `SELECT `+companyColumns+` FROM companies WHERE cik = ?`, cik); err != nil {
		return Company{}, notFound(err, "company "+cik)
	}
	return c, nil
}

// UpsertFiling records a discovered filing. Re-discovery of a known accession
// leaves its status and extraction state alone and only fills missing URLs.
func (s *Store) UpsertFiling(ctx context.Context, f Filing) (Filing, error) {
	if strings.TrimSpace(f.Accession) == "" {
		return Filing{}, fmt.Errorf("filing accession required")
	}
	query := `INSERT INTO filings(company_id, form_type, filing_date, accession, document_url, index_url, status)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(accession) DO UPDATE SET
			document_url = CASE WHEN filings.document_url = '' THEN excluded.document_url ELSE filings.document_url END,
			index_url = CASE WHEN filings.index_url = '' THEN excluded.index_url ELSE filings.index_url END`
	if _, err := s.db.ExecContext(ctx, query, f.CompanyID, f.FormType, f.FilingDate, f.Accession, f.DocumentURL, f.IndexURL, f.Status); err != nil {
		return Filing{}, fmt.Errorf("upsert filing %s: %w", f.Accession, err)
	}
	return s.FilingByAccession(ctx, f.Accession)
}

// FilingByAccession looks a filing up by its accession identifier.
func (s *Store) FilingByAccession(ctx context.Context, accession string) (Filing, error) {
	var f Filing
	if err := s.db.GetContext(ctx, &f, `SELECT `+filingColumns+` FROM filings WHERE accession = ?`, accession); err != nil {
		return Filing{}, notFound(err, "filing "+accession)
	}
	return f, nil
}

// Filing loads a filing by id.
func (s *Store) Filing(ctx context.Context, id int64) (Filing, error) {
	var f Filing
	if err := s.db.GetContext(ctx, &f, `SELECT `+filingColumns+` FROM filings WHERE id = ?`, id); err != nil {
		return Filing{}, notFound(err, fmt.Sprintf("filing %d", id))
	}
	return f, nil
}

// SetStatus persists a state transition together with its error detail.
func (s *Store) SetStatus(ctx context.Context, id int64, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE filings SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("set status of filing %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set status of filing %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetDocument records the resolved primary document and the digest of the
// raw bytes fetched from it.
func (s *Store) SetDocument(ctx context.Context, id int64, documentURL, rawDigest string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE filings SET document_url = ?, raw_digest = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, documentURL, rawDigest, id)
	if err != nil {
		return fmt.Errorf("set document of filing %d: %w", id, err)
	}
	return nil
}

// AccessionsWithVersion returns the subset of accessions whose stored
// extraction was produced by version.
func (s *Store) AccessionsWithVersion(ctx context.Context, accessions []string, version string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(accessions) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT accession FROM filings WHERE extractor_version = ? AND accession IN (?)`, version, accessions)
	if err != nil {
		return nil, fmt.Errorf("build accession query: %w", err)
	}
	var found []string
	if err := s.db.SelectContext(ctx, &found, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select accessions: %w", err)
	}
	for _, a := range found {
		out[a] = true
	}
	return out, nil
}

// Stale lists filings whose stored extraction came from a version other than
// version.
func (s *Store) Stale(ctx context.Context, version string) ([]Filing, error) {
	filings := []Filing{}
	err := s.db.SelectContext(ctx, &filings, `SELECT `+filingColumns+` FROM filings
		WHERE extractor_version != '' AND extractor_version != ? ORDER BY id`, version)
	if err != nil {
		return nil, fmt.Errorf("select stale filings: %w", err)
	}
	return filings, nil
}

// FilingsByStatus lists filings currently in status, oldest first.
func (s *Store) FilingsByStatus(ctx context.Context, status string) ([]Filing, error) {
	filings := []Filing{}
	if err := s.db.SelectContext(ctx, &filings, `SELECT `+filingColumns+` FROM filings WHERE status = ? ORDER BY id`, status); err != nil {
		return nil, fmt.Errorf("select filings by status: %w", err)
	}
	return filings, nil
}
