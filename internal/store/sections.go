package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
)

// Section is a persisted section row.
type Section struct {
	FilingID   int64   `db:"filing_id"`
	Ordinal    int     `db:"ordinal"`
	Label      string  `db:"label"`
	Heading    string  `db:"heading"`
	Content    string  `db:"content"`
	Confidence float64 `db:"confidence"`
}

// StoreConflict reports that a filing's sections were replaced by another
// writer between the caller reading the filing and saving. The later save
// still wins.
type StoreConflict struct {
	FilingID int64
	Expected int64
	Actual   int64
}

func (e *StoreConflict) Error() string {
	return fmt.Sprintf("filing %d: sections revision %d changed to %d by a concurrent writer", e.FilingID, e.Expected, e.Actual)
}

// SaveResult describes a completed SaveSections call.
type SaveResult struct {
	Revision int64
	// Unchanged is true when the stored sections already matched.
	Unchanged bool
	// Conflict is set when the expected revision was stale.
	Conflict *StoreConflict
}

// AnyRevision disables the concurrent-writer check in SaveSections.
const AnyRevision int64 = -1

// SaveSections atomically replaces every section of a filing and records the
// extractor version that produced them. Saving the same sections under the
// same version again is a no-op.
func (s *Store) SaveSections(ctx context.Context, filingID int64, version string, expectedRevision int64, secs []Section) (SaveResult, error) {
	digest := DigestSections(secs)
	var result SaveResult
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var cur struct {
			Revision int64  `db:"revision"`
			Version  string `db:"extractor_version"`
			Digest   string `db:"sections_digest"`
		}
		if err := tx.GetContext(ctx, &cur, `SELECT revision, extractor_version, sections_digest FROM filings WHERE id = ?`, filingID); err != nil {
			return notFound(err, fmt.Sprintf("filing %d", filingID))
		}
		if cur.Version == version && cur.Digest == digest {
			result = SaveResult{Revision: cur.Revision, Unchanged: true}
			return nil
		}
		if expectedRevision != AnyRevision && cur.Revision != expectedRevision {
			result.Conflict = &StoreConflict{FilingID: filingID, Expected: expectedRevision, Actual: cur.Revision}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE filing_id = ?`, filingID); err != nil {
			return fmt.Errorf("delete sections: %w", err)
		}
		for _, sec := range secs {
			_, err := tx.ExecContext(ctx, `INSERT INTO sections(filing_id, ordinal, label, heading, content, confidence) VALUES(?, ?, ?, ?, ?, ?)`,
				filingID, sec.Ordinal, sec.Label, sec.Heading, sec.Content, sec.Confidence)
			if err != nil {
				return fmt.Errorf("insert section %d: %w", sec.Ordinal, err)
			}
		}
		result.Revision = cur.Revision + 1
		_, err := tx.ExecContext(ctx, `UPDATE filings SET extractor_version = ?, sections_digest = ?, revision = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			version, digest, result.Revision, filingID)
		if err != nil {
			return fmt.Errorf("record extraction: %w", err)
		}
		return nil
	})
	if err != nil {
		return SaveResult{}, fmt.Errorf("save sections of filing %d: %w", filingID, err)
	}
	return result, nil
}

// LoadSections returns a filing's sections in ordinal order, read in one
// statement so a concurrent save is seen entirely or not at all.
func (s *Store) LoadSections(ctx context.Context, filingID int64) ([]Section, error) {
	secs := []Section{}
	err := s.db.SelectContext(ctx, &secs, `SELECT filing_id, ordinal, label, heading, content, confidence
		FROM sections WHERE filing_id = ? ORDER BY ordinal`, filingID)
	if err != nil {
		return nil, fmt.Errorf("load sections of filing %d: %w", filingID, err)
	}
	return secs, nil
}

// Exists reports whether an extraction has been recorded for the filing.
func (s *Store) Exists(ctx context.Context, filingID int64) (bool, error) {
	var version string
	err := s.db.GetContext(ctx, &version, `SELECT extractor_version FROM filings WHERE id = ?`, filingID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check filing %d: %w", filingID, err)
	}
	return version != "", nil
}

// DigestSections fingerprints a section set independent of filing id.
func DigestSections(secs []Section) string {
	h := sha256.New()
	for _, sec := range secs {
		h.Write([]byte(strconv.Itoa(sec.Ordinal)))
		h.Write([]byte{0})
		h.Write([]byte(sec.Label))
		h.Write([]byte{0})
		h.Write([]byte(sec.Heading))
		h.Write([]byte{0})
		h.Write([]byte(sec.Content))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatFloat(sec.Confidence, 'g', -1, 64)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
