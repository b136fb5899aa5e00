package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding jobs, the crawled catalog, crawl
// runs, and idempotency keys. It is the durable source of truth; the
// in-memory catalog index is derived from it and rebuilt on demand.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "lookcast.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// fmtTime serializes a timestamp; zero times become the empty string so
// optional columns (completed_at, started_at) round-trip cleanly.
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// --- Jobs ---

const jobColumns = `id, status, quality_mode, look_count, progress, attempts, parent_job_id,
	tone, theme, items_json, failure_code, preview_url, video_url, publish_url,
	publish_status, upload_path, created_at, completed_at`

// SaveJob inserts a new job record.
func (s *Store) SaveJob(j Job) error {
	itemsJSON := j.ItemsJSON
	if itemsJSON == "" {
		itemsJSON = "[]"
	}
	publishStatus := j.PublishStatus
	if publishStatus == "" {
		publishStatus = PublishPending
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Status, j.QualityMode, j.LookCount, j.Progress, j.Attempts, j.ParentJobID,
		j.Tone, j.Theme, itemsJSON, j.FailureCode, j.PreviewURL, j.VideoURL, j.PublishURL,
		publishStatus, j.UploadPath, fmtTime(j.CreatedAt), fmtTime(j.CompletedAt),
	)
	return err
}

// UpdateJob rewrites every mutable column of an existing job. Each state
// transition calls this before the next stage begins.
func (s *Store) UpdateJob(j Job) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, progress = ?, items_json = ?, failure_code = ?,
			preview_url = ?, video_url = ?, publish_url = ?, publish_status = ?,
			completed_at = ?
		WHERE id = ?`,
		j.Status, j.Progress, j.ItemsJSON, j.FailureCode,
		j.PreviewURL, j.VideoURL, j.PublishURL, j.PublishStatus,
		fmtTime(j.CompletedAt), j.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(scan func(dest ...any) error) (Job, error) {
	var j Job
	var createdAt, completedAt string
	err := scan(
		&j.ID, &j.Status, &j.QualityMode, &j.LookCount, &j.Progress, &j.Attempts, &j.ParentJobID,
		&j.Tone, &j.Theme, &j.ItemsJSON, &j.FailureCode, &j.PreviewURL, &j.VideoURL, &j.PublishURL,
		&j.PublishStatus, &j.UploadPath, &createdAt, &completedAt,
	)
	if err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.CompletedAt, err = parseTime(completedAt); err != nil {
		return Job{}, fmt.Errorf("parsing completed_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

// GetJob returns a job by ID, or ErrNotFound.
func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListRecentJobs returns up to limit jobs, most recently created first.
func (s *Store) ListRecentJobs(limit int) ([]Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// JobTotals aggregates job history for rebuilding the metrics ledger on startup.
func (s *Store) JobTotals() (JobTotals, error) {
	var t JobTotals
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(status = 'COMPLETED'), 0),
			COALESCE(SUM(status = 'FAILED'), 0),
			COALESCE(SUM(parent_job_id != ''), 0),
			COALESCE(SUM(publish_status = 'uploaded'), 0)
		FROM jobs`,
	).Scan(&t.Created, &t.Completed, &t.Failed, &t.Retried, &t.Published)
	if err != nil {
		return JobTotals{}, fmt.Errorf("aggregating jobs: %w", err)
	}

	// Average duration computed in Go: timestamps are RFC3339 text.
	rows, err := s.db.Query(`SELECT created_at, completed_at FROM jobs WHERE completed_at != ''`)
	if err != nil {
		return JobTotals{}, err
	}
	defer rows.Close()

	var sum float64
	var n int
	for rows.Next() {
		var created, completed string
		if err := rows.Scan(&created, &completed); err != nil {
			return JobTotals{}, err
		}
		c, err1 := parseTime(created)
		d, err2 := parseTime(completed)
		if err1 != nil || err2 != nil || d.Before(c) {
			continue
		}
		sum += d.Sub(c).Seconds()
		n++
	}
	if err := rows.Err(); err != nil {
		return JobTotals{}, err
	}
	if n > 0 {
		t.AvgSeconds = sum / float64(n)
	}
	return t, nil
}

// --- Idempotency keys ---

// LookupIdempotencyKey returns the job ID previously recorded for key, or ErrNotFound.
func (s *Store) LookupIdempotencyKey(key string) (string, error) {
	var jobID string
	err := s.db.QueryRow(`SELECT job_id FROM idempotency_keys WHERE key = ?`, key).Scan(&jobID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// SaveIdempotencyKey records key -> jobID. The first writer wins; a
// concurrent duplicate insert is reported as an error by SQLite and the
// caller re-reads under its creation lock.
func (s *Store) SaveIdempotencyKey(key, jobID string) error {
	_, err := s.db.Exec(`INSERT INTO idempotency_keys (key, job_id, created_at) VALUES (?, ?, ?)`,
		key, jobID, fmtTime(time.Now()))
	return err
}

// --- Catalog products ---

// UpsertProducts writes products by product_id, last write wins. Existing
// rows keep their rowid so catalog insertion order is stable across
// incremental crawls.
func (s *Store) UpsertProducts(items []CatalogProduct) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO catalog_products (product_id, category, brand, name, price, image_url, product_url, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			category = excluded.category, brand = excluded.brand, name = excluded.name,
			price = excluded.price, image_url = excluded.image_url,
			product_url = excluded.product_url, embedding = excluded.embedding,
			updated_at = excluded.updated_at`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range items {
		updatedAt := p.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(p.ProductID, p.Category, p.Brand, p.Name, p.Price,
			p.ImageURL, p.ProductURL, encodeFloat32s(p.Embedding), fmtTime(updatedAt)); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting product %s: %w", p.ProductID, err)
		}
	}

	return tx.Commit()
}

// ReplaceProducts deletes the whole catalog and inserts items in one
// transaction (full crawl mode).
func (s *Store) ReplaceProducts(items []CatalogProduct) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM catalog_products`); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing catalog: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO catalog_products (product_id, category, brand, name, price, image_url, product_url, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range items {
		updatedAt := p.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(p.ProductID, p.Category, p.Brand, p.Name, p.Price,
			p.ImageURL, p.ProductURL, encodeFloat32s(p.Embedding), fmtTime(updatedAt)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting product %s: %w", p.ProductID, err)
		}
	}

	return tx.Commit()
}

// SnapshotProducts returns the whole catalog in insertion order. The index
// builder works from this point-in-time copy.
func (s *Store) SnapshotProducts() ([]CatalogProduct, error) {
	rows, err := s.db.Query(`
		SELECT product_id, category, brand, name, price, image_url, product_url, embedding, updated_at
		FROM catalog_products ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying catalog: %w", err)
	}
	defer rows.Close()

	var items []CatalogProduct
	for rows.Next() {
		var p CatalogProduct
		var blob []byte
		var updatedAt string
		if err := rows.Scan(&p.ProductID, &p.Category, &p.Brand, &p.Name, &p.Price,
			&p.ImageURL, &p.ProductURL, &blob, &updatedAt); err != nil {
			return nil, err
		}
		if p.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", p.ProductID, err)
		}
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for %s: %w", p.ProductID, err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// CountProducts returns total products and how many carry an embedding.
func (s *Store) CountProducts() (total, indexed int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(embedding IS NOT NULL AND LENGTH(embedding) > 0), 0)
		FROM catalog_products`).Scan(&total, &indexed)
	return total, indexed, err
}

// --- Crawl jobs ---

// SaveCrawlJob inserts a new crawl job record.
func (s *Store) SaveCrawlJob(c CrawlJob) error {
	_, err := s.db.Exec(`
		INSERT INTO crawl_jobs (id, status, mode, started_at, completed_at, total_discovered, total_indexed, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Status, c.Mode, fmtTime(c.StartedAt), fmtTime(c.CompletedAt),
		c.TotalDiscovered, c.TotalIndexed, c.ErrorMessage,
	)
	return err
}

// UpdateCrawlJob rewrites a crawl job's progress columns.
func (s *Store) UpdateCrawlJob(c CrawlJob) error {
	res, err := s.db.Exec(`
		UPDATE crawl_jobs SET status = ?, started_at = ?, completed_at = ?,
			total_discovered = ?, total_indexed = ?, error_message = ?
		WHERE id = ?`,
		c.Status, fmtTime(c.StartedAt), fmtTime(c.CompletedAt),
		c.TotalDiscovered, c.TotalIndexed, c.ErrorMessage, c.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCrawlJob returns a crawl job by ID, or ErrNotFound.
func (s *Store) GetCrawlJob(id string) (CrawlJob, error) {
	var c CrawlJob
	var startedAt, completedAt string
	err := s.db.QueryRow(`
		SELECT id, status, mode, started_at, completed_at, total_discovered, total_indexed, error_message
		FROM crawl_jobs WHERE id = ?`, id,
	).Scan(&c.ID, &c.Status, &c.Mode, &startedAt, &completedAt, &c.TotalDiscovered, &c.TotalIndexed, &c.ErrorMessage)
	if err == sql.ErrNoRows {
		return CrawlJob{}, ErrNotFound
	}
	if err != nil {
		return CrawlJob{}, err
	}
	if c.StartedAt, err = parseTime(startedAt); err != nil {
		return CrawlJob{}, fmt.Errorf("parsing started_at for crawl job %s: %w", c.ID, err)
	}
	if c.CompletedAt, err = parseTime(completedAt); err != nil {
		return CrawlJob{}, fmt.Errorf("parsing completed_at for crawl job %s: %w", c.ID, err)
	}
	return c, nil
}

// LastCrawlCompletedAt returns the completion time of the newest successful
// crawl, or the zero time when none has completed.
func (s *Store) LastCrawlCompletedAt() (time.Time, error) {
	var completedAt string
	err := s.db.QueryRow(`
		SELECT completed_at FROM crawl_jobs
		WHERE status = 'COMPLETED' AND completed_at != ''
		ORDER BY completed_at DESC LIMIT 1`).Scan(&completedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(completedAt)
}
