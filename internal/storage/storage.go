package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/mail-cci/headerguard/internal/metrics"
	"github.com/mail-cci/headerguard/internal/types"
)

// Schema creates the tables used by Store.
const Schema = `
CREATE TABLE IF NOT EXISTS analyses (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	correlation_id VARCHAR(64) NOT NULL,
	source VARCHAR(32) NOT NULL,
	header_hash CHAR(64) NOT NULL,
	spf VARCHAR(8) NOT NULL,
	dkim VARCHAR(8) NOT NULL,
	dmarc VARCHAR(8) NOT NULL,
	threat_score INT NOT NULL,
	level VARCHAR(8) NOT NULL,
	created_at DATETIME NOT NULL,
	INDEX idx_analyses_hash (header_hash)
);
CREATE TABLE IF NOT EXISTS analysis_indicators (
	analysis_id BIGINT NOT NULL,
	position INT NOT NULL,
	indicator VARCHAR(255) NOT NULL,
	PRIMARY KEY (analysis_id, position),
	FOREIGN KEY (analysis_id) REFERENCES analyses(id) ON DELETE CASCADE
);`

// New opens a MySQL connection using the provided URL and limits the number of
// open connections.
func New(dbURL string, maxConns int) (*sql.DB, error) {
	dsn, err := DSN(dbURL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

// DSN normalizes dbURL so DATETIME columns are returned as time.Time in UTC.
func DSN(dbURL string) (string, error) {
	c, err := mysql.ParseDSN(dbURL)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}
	c.ParseTime = true
	c.Loc = time.UTC
	return c.FormatDSN(), nil
}

const dateTimeLayout = "2006-01-02 15:04:05"

// dbTime scans DATETIME values whether the driver hands back time.Time or
// raw text.
type dbTime struct{ t *time.Time }

func (d dbTime) Scan(v any) error {
	switch x := v.(type) {
	case time.Time:
		*d.t = x
	case []byte:
		return d.parse(string(x))
	case string:
		return d.parse(x)
	case nil:
		*d.t = time.Time{}
	default:
		return fmt.Errorf("unsupported created_at type %T", v)
	}
	return nil
}

func (d dbTime) parse(s string) error {
	layout := dateTimeLayout
	if len(s) > len(dateTimeLayout) {
		layout += ".999999"
	}
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return err
	}
	*d.t = t
	return nil
}

// Store persists analysis results.
type Store struct{ DB *sql.DB }

// NewStore creates a Store using the provided DB.
func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

func observe(query string, err error) {
	metrics.DatabaseQueries.WithLabelValues(query, fmt.Sprintf("%t", err == nil)).Inc()
}

// SaveAnalysis stores rec and its indicators in a single transaction and
// returns the generated analysis ID.
func (s *Store) SaveAnalysis(ctx context.Context, rec *types.AnalysisRecord) (id int64, err error) {
	defer func() { observe("insert", err) }()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO analyses (correlation_id, source, header_hash, spf, dkim, dmarc, threat_score, level, created_at)
        VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.CorrelationID, rec.Source, rec.HeaderHash,
		string(rec.Result.SPF), string(rec.Result.DKIM), string(rec.Result.DMARC),
		rec.Result.ThreatScore, string(rec.Level), rec.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert analysis: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, ind := range rec.Result.Indicators {
		if _, err = tx.ExecContext(ctx, `INSERT INTO analysis_indicators (analysis_id, position, indicator) VALUES (?,?,?)`,
			id, i, ind); err != nil {
			return 0, fmt.Errorf("insert indicator: %w", err)
		}
	}

	rec.ID = id
	return id, nil
}

// RecentAnalyses returns up to limit analyses, newest first, with their
// indicators in their original order.
func (s *Store) RecentAnalyses(ctx context.Context, limit int) (out []types.AnalysisRecord, err error) {
	defer func() { observe("select", err) }()

	rows, err := s.DB.QueryContext(ctx, `SELECT id, correlation_id, source, header_hash, spf, dkim, dmarc, threat_score, level, created_at
        FROM analyses ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec types.AnalysisRecord
		var spf, dkim, dmarc, level string
		if err = rows.Scan(&rec.ID, &rec.CorrelationID, &rec.Source, &rec.HeaderHash,
			&spf, &dkim, &dmarc, &rec.Result.ThreatScore, &level, dbTime{&rec.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		rec.Result.SPF = types.Verdict(spf)
		rec.Result.DKIM = types.Verdict(dkim)
		rec.Result.DMARC = types.Verdict(dmarc)
		rec.Level = types.ThreatLevel(level)
		out = append(out, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range out {
		if out[i].Result.Indicators, err = s.indicators(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) indicators(ctx context.Context, analysisID int64) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT indicator FROM analysis_indicators WHERE analysis_id = ? ORDER BY position`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("query indicators: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var ind string
		if err := rows.Scan(&ind); err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}
