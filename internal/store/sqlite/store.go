// Package sqlite implements the visitid data store backed by a SQLite
// database. It persists fingerprint records per tracked link and the
// cross-browser correlation entries derived from them.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/koltyakov/visitid/internal/domain"
)

// Store wraps a SQLite database connection for all visitid persistence
// operations.
type Store struct {
	db *sql.DB
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10
const defaultPurgeLimit = 1000

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	// foreign_keys and synchronous are per-connection and are handled via DSN _pragma parameters.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS enhanced_fingerprints (
	link_id TEXT NOT NULL,
	browser_hash TEXT NOT NULL,
	device_hash TEXT NOT NULL,
	session_hash TEXT NOT NULL,
	os_family TEXT NOT NULL,
	device_category TEXT NOT NULL,
	browser_type TEXT NOT NULL,
	timezone TEXT NOT NULL DEFAULT '',
	country TEXT NOT NULL DEFAULT '',
	region TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	geo_source TEXT NOT NULL DEFAULT '',
	geo_confidence INTEGER NOT NULL DEFAULT 0,
	confidence INTEGER NOT NULL,
	correlation_factors TEXT NOT NULL DEFAULT '',
	visit_count INTEGER NOT NULL DEFAULT 1,
	first_seen DATETIME NOT NULL,
	last_seen DATETIME NOT NULL,
	PRIMARY KEY (link_id, browser_hash)
);
CREATE TABLE IF NOT EXISTS fingerprint_correlations (
	device_cluster_id TEXT NOT NULL,
	fingerprint_hash TEXT NOT NULL,
	correlation_type TEXT NOT NULL,
	confidence_score INTEGER NOT NULL,
	first_correlated DATETIME NOT NULL,
	last_confirmed DATETIME NOT NULL,
	PRIMARY KEY (device_cluster_id, fingerprint_hash)
);
CREATE INDEX IF NOT EXISTS idx_fingerprints_device ON enhanced_fingerprints(link_id, device_hash);
CREATE INDEX IF NOT EXISTS idx_fingerprints_last_seen ON enhanced_fingerprints(last_seen);
CREATE INDEX IF NOT EXISTS idx_fingerprints_environment ON enhanced_fingerprints(timezone, country, os_family);
CREATE INDEX IF NOT EXISTS idx_correlations_cluster ON fingerprint_correlations(device_cluster_id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// UpsertFingerprint records a hit for (link, browser). A first hit inserts
// the record; a repeat hit bumps visit_count, refreshes last_seen and the
// session hash, and only ever raises the stored confidence. Returns the
// visit count after the write.
func (s *Store) UpsertFingerprint(ctx context.Context, rec domain.FingerprintRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `
INSERT INTO enhanced_fingerprints(
	link_id, browser_hash, device_hash, session_hash,
	os_family, device_category, browser_type, timezone,
	country, region, city, geo_source, geo_confidence,
	confidence, correlation_factors, visit_count, first_seen, last_seen)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(link_id, browser_hash) DO UPDATE SET
	device_hash = excluded.device_hash,
	session_hash = excluded.session_hash,
	timezone = excluded.timezone,
	country = excluded.country,
	region = excluded.region,
	city = excluded.city,
	geo_source = excluded.geo_source,
	geo_confidence = excluded.geo_confidence,
	confidence = MAX(confidence, excluded.confidence),
	correlation_factors = excluded.correlation_factors,
	visit_count = visit_count + 1,
	last_seen = excluded.last_seen`,
		rec.LinkID, rec.BrowserHash, rec.DeviceHash, rec.SessionHash,
		rec.OSFamily, rec.DeviceCategory, rec.BrowserType, rec.Timezone,
		rec.Country, rec.Region, rec.City, rec.GeoSource, rec.GeoConfidence,
		rec.Confidence, joinFactors(rec.CorrelationFactors),
		rec.FirstSeen.UTC(), rec.LastSeen.UTC()); err != nil {
		return 0, err
	}

	var visitCount int
	if err = tx.QueryRowContext(ctx, `
SELECT visit_count FROM enhanced_fingerprints
WHERE link_id = ? AND browser_hash = ?`, rec.LinkID, rec.BrowserHash).Scan(&visitCount); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return visitCount, nil
}

// GetFingerprint returns the stored record for (link, browser) or
// [domain.ErrFingerprintNotFound].
func (s *Store) GetFingerprint(ctx context.Context, linkID, browserHash string) (domain.FingerprintRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT link_id, browser_hash, device_hash, session_hash,
 os_family, device_category, browser_type, timezone,
 country, region, city, geo_source, geo_confidence,
 confidence, correlation_factors, visit_count, first_seen, last_seen
FROM enhanced_fingerprints
WHERE link_id = ? AND browser_hash = ?`, linkID, browserHash)

	rec, err := scanFingerprint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FingerprintRecord{}, domain.ErrFingerprintNotFound
	}
	return rec, err
}

// SiblingFingerprints returns the other browser records sharing a device
// hash on the same link, newest first.
func (s *Store) SiblingFingerprints(ctx context.Context, linkID, deviceHash, excludeBrowserHash string) ([]domain.FingerprintRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT link_id, browser_hash, device_hash, session_hash,
 os_family, device_category, browser_type, timezone,
 country, region, city, geo_source, geo_confidence,
 confidence, correlation_factors, visit_count, first_seen, last_seen
FROM enhanced_fingerprints
WHERE link_id = ? AND device_hash = ? AND browser_hash != ?
ORDER BY last_seen DESC`, linkID, deviceHash, excludeBrowserHash)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectFingerprints(rows)
}

// EnvironmentMatches returns records seen since the cutoff whose
// environment (timezone, country, region, OS family, device category)
// matches the query, excluding the query's own device. Used as the weak
// fallback when no exact device-hash sibling exists.
func (s *Store) EnvironmentMatches(ctx context.Context, linkID string, q domain.EnvironmentQuery, since time.Time) ([]domain.FingerprintRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT link_id, browser_hash, device_hash, session_hash,
 os_family, device_category, browser_type, timezone,
 country, region, city, geo_source, geo_confidence,
 confidence, correlation_factors, visit_count, first_seen, last_seen
FROM enhanced_fingerprints
WHERE link_id = ?
 AND timezone = ? AND country = ? AND region = ?
 AND os_family = ? AND device_category = ?
 AND device_hash != ?
 AND last_seen >= ?
ORDER BY last_seen DESC`,
		linkID, q.Timezone, q.Country, q.Region, q.OSFamily, q.DeviceCategory,
		q.ExcludeDeviceHash, since.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectFingerprints(rows)
}

// UpsertCorrelations writes a batch of correlation entries in one
// transaction. Repeated confirmations refresh last_confirmed; the stored
// confidence only moves up, never down.
func (s *Store) UpsertCorrelations(ctx context.Context, entries []domain.CorrelationEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO fingerprint_correlations(
	device_cluster_id, fingerprint_hash, correlation_type,
	confidence_score, first_correlated, last_confirmed)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(device_cluster_id, fingerprint_hash) DO UPDATE SET
	correlation_type = excluded.correlation_type,
	confidence_score = MAX(confidence_score, excluded.confidence_score),
	last_confirmed = excluded.last_confirmed`,
			e.DeviceClusterID, e.FingerprintHash, e.CorrelationType,
			e.ConfidenceScore, e.FirstCorrelated.UTC(), e.LastConfirmed.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CorrelationsByCluster returns all entries of a device cluster, strongest
// first.
func (s *Store) CorrelationsByCluster(ctx context.Context, clusterID string) ([]domain.CorrelationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT device_cluster_id, fingerprint_hash, correlation_type,
 confidence_score, first_correlated, last_confirmed
FROM fingerprint_correlations
WHERE device_cluster_id = ?
ORDER BY confidence_score DESC, last_confirmed DESC`, clusterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.CorrelationEntry
	for rows.Next() {
		var e domain.CorrelationEntry
		if err := rows.Scan(&e.DeviceClusterID, &e.FingerprintHash, &e.CorrelationType,
			&e.ConfidenceScore, &e.FirstCorrelated, &e.LastConfirmed); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeStaleFingerprints removes fingerprint records not seen since the
// cutoff, along with correlation entries not confirmed since then. Each run
// is limited to avoid long write transactions.
func (s *Store) PurgeStaleFingerprints(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultPurgeLimit
	}
	cutoff := olderThan.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
DELETE FROM enhanced_fingerprints
WHERE rowid IN (
	SELECT rowid
	FROM enhanced_fingerprints
	WHERE last_seen < ?
	ORDER BY last_seen ASC
	LIMIT ?
)`, cutoff, limit)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err = tx.ExecContext(ctx, `
DELETE FROM fingerprint_correlations
WHERE rowid IN (
	SELECT rowid
	FROM fingerprint_correlations
	WHERE last_confirmed < ?
	ORDER BY last_confirmed ASC
	LIMIT ?
)`, cutoff, limit); err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFingerprint(row rowScanner) (domain.FingerprintRecord, error) {
	var rec domain.FingerprintRecord
	var factors string
	err := row.Scan(
		&rec.LinkID, &rec.BrowserHash, &rec.DeviceHash, &rec.SessionHash,
		&rec.OSFamily, &rec.DeviceCategory, &rec.BrowserType, &rec.Timezone,
		&rec.Country, &rec.Region, &rec.City, &rec.GeoSource, &rec.GeoConfidence,
		&rec.Confidence, &factors, &rec.VisitCount, &rec.FirstSeen, &rec.LastSeen,
	)
	if err != nil {
		return domain.FingerprintRecord{}, err
	}
	rec.CorrelationFactors = splitFactors(factors)
	return rec, nil
}

func collectFingerprints(rows *sql.Rows) ([]domain.FingerprintRecord, error) {
	var out []domain.FingerprintRecord
	for rows.Next() {
		rec, err := scanFingerprint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func joinFactors(factors []string) string {
	return strings.Join(factors, ",")
}

func splitFactors(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
