package advisory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS advisories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cve_id TEXT NOT NULL,
	product TEXT NOT NULL,
	version_start TEXT,
	version_end TEXT,
	cvss REAL,
	summary TEXT,
	UNIQUE (cve_id, product)
);
CREATE INDEX IF NOT EXISTS idx_advisories_product ON advisories(product);
`

// SQLite is an advisory database file, typically synced from NVD feeds out of band.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the advisory database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create advisory db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open advisory db: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init advisory schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// Upsert inserts or replaces advisories in one transaction.
func (s *SQLite) Upsert(ctx context.Context, advs []Advisory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, a := range advs {
		var score sql.NullFloat64
		if a.CVSS != nil {
			score = sql.NullFloat64{Float64: *a.CVSS, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO advisories (cve_id, product, version_start, version_end, cvss, summary)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, normalizeProduct(a.Product), a.VersionStart, a.VersionEnd, score, a.Summary); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) Lookup(ctx context.Context, product, version string) ([]Advisory, error) {
	p := normalizeProduct(product)
	if p == "" {
		return nil, nil
	}
	// candidates are stored products contained in the detected product string
	rows, err := s.db.QueryContext(ctx, `
		SELECT cve_id, product, COALESCE(version_start, ''), COALESCE(version_end, ''), cvss, COALESCE(summary, '')
		FROM advisories WHERE instr(?, product) > 0`, p)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Advisory
	for rows.Next() {
		var a Advisory
		var score sql.NullFloat64
		if err := rows.Scan(&a.ID, &a.Product, &a.VersionStart, &a.VersionEnd, &score, &a.Summary); err != nil {
			return nil, err
		}
		if score.Valid {
			a.CVSS = cvss(score.Float64)
		}
		if a.Affects(version) {
			out = append(out, a)
		}
	}
	return out, rows.Err()
}
