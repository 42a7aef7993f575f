package product

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// Concurrent pipeline writes go through one connection; an in-memory database
	// would otherwise be private to each pooled connection.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS products (
			id                     TEXT PRIMARY KEY,
			tenant                 TEXT NOT NULL,
			code                   TEXT NOT NULL,
			name                   TEXT NOT NULL,
			description            TEXT NOT NULL DEFAULT '',
			weight                 REAL,
			country_of_origin      TEXT NOT NULL DEFAULT '',
			image_url              TEXT NOT NULL DEFAULT '',
			status                 TEXT NOT NULL DEFAULT 'pending',
			category               TEXT NOT NULL DEFAULT '',
			subcategory            TEXT NOT NULL DEFAULT '',
			materials              TEXT,
			processes              TEXT,
			raw_material_emissions REAL NOT NULL DEFAULT 0,
			process_emissions      REAL NOT NULL DEFAULT 0,
			total_emissions        REAL NOT NULL DEFAULT 0,
			error                  TEXT NOT NULL DEFAULT '',
			created_at             DATETIME NOT NULL,
			started_at             DATETIME,
			last_processed_at      DATETIME
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_products_tenant_code   ON products(tenant, code);
		CREATE INDEX IF NOT EXISTS idx_products_tenant_status        ON products(tenant, status);
		CREATE INDEX IF NOT EXISTS idx_products_status_started_at    ON products(status, started_at);
	`)
	return err
}

const productColumns = `id, tenant, code, name, description, weight, country_of_origin, image_url,
	status, category, subcategory, materials, processes,
	raw_material_emissions, process_emissions, total_emissions, error,
	created_at, started_at, last_processed_at`

func (s *SQLiteStore) Create(ctx context.Context, p *Product) error {
	var weight any
	if p.Weight != nil {
		weight = *p.Weight
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products
			(id, tenant, code, name, description, weight, country_of_origin, image_url, status, created_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		string(p.Tenant),
		p.Code,
		p.Name,
		p.Description,
		weight,
		p.CountryOfOrigin,
		p.ImageURL,
		StatusPending,
		p.CreatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("create product %s: %w", p.Code, ErrDuplicateCode)
		}
		return fmt.Errorf("create product %s: %w", p.Code, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, tenant Tenant, id string) (*Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE tenant = ? AND id = ?`,
		string(tenant), id)

	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	return p, nil
}

// List returns products ordered by created_at DESC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, tenant Tenant, limit, offset int) ([]*Product, int, error) {
	limit, offset = ClampPage(limit, offset)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE tenant = ?`, string(tenant)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count products: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE tenant = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, string(tenant), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products, err := scanProducts(rows)
	if err != nil {
		return nil, 0, err
	}
	return products, total, nil
}

func (s *SQLiteStore) FindPending(ctx context.Context, tenant Tenant) ([]*Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE tenant = ? AND status = ?
		ORDER BY created_at ASC
	`, string(tenant), StatusPending)
	if err != nil {
		return nil, fmt.Errorf("find pending products: %w", err)
	}
	defer rows.Close()
	return scanProducts(rows)
}

func (s *SQLiteStore) UpdateClassification(ctx context.Context, tenant Tenant, id string, c Classification) error {
	materials, err := json.Marshal(c.Materials)
	if err != nil {
		return fmt.Errorf("encode materials: %w", err)
	}
	processes, err := json.Marshal(c.Processes)
	if err != nil {
		return fmt.Errorf("encode processes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE products SET
			status = ?, category = ?, subcategory = ?, materials = ?, processes = ?,
			raw_material_emissions = ?, process_emissions = ?, total_emissions = ?,
			error = '', last_processed_at = ?
		WHERE tenant = ? AND id = ?
	`,
		StatusCompleted, c.Category, c.Subcategory, string(materials), string(processes),
		c.RawMaterialEmissions, c.ProcessEmissions, c.TotalEmissions,
		c.ProcessedAt.UTC(),
		string(tenant), id,
	)
	if err != nil {
		return fmt.Errorf("update classification for product %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, tenant Tenant, id string, status Status, errMsg string) error {
	now := time.Now().UTC()

	var err error
	if status == StatusProcessing {
		_, err = s.db.ExecContext(ctx, `
			UPDATE products SET status = ?, started_at = ? WHERE tenant = ? AND id = ?
		`, status, now, string(tenant), id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE products SET status = ?, error = ?, last_processed_at = ? WHERE tenant = ? AND id = ?
		`, status, errMsg, now, string(tenant), id)
	}
	if err != nil {
		return fmt.Errorf("update status for product %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, tenant Tenant) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM products WHERE tenant = ? GROUP BY status
	`, string(tenant))
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) ResetStale(ctx context.Context, before time.Time, skip func(*Product) bool) ([]*Product, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE status = ? AND (started_at IS NULL OR started_at < ?)
		ORDER BY created_at ASC
	`, StatusProcessing, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("query stale products: %w", err)
	}
	found, err := scanProducts(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	stale := skipWhere(found, skip)
	if len(stale) == 0 {
		return nil, nil
	}

	for _, p := range stale {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET status = ?, started_at = NULL WHERE id = ?
		`, StatusPending, p.ID); err != nil {
			return nil, fmt.Errorf("reset product %s: %w", p.ID, err)
		}
		p.Status = StatusPending
		p.StartedAt = nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reset: %w", err)
	}
	return stale, nil
}

func skipWhere(products []*Product, skip func(*Product) bool) []*Product {
	if skip == nil {
		return products
	}
	kept := products[:0]
	for _, p := range products {
		if !skip(p) {
			kept = append(kept, p)
		}
	}
	return kept
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*Product, error) {
	p := &Product{}
	var tenant string
	var weight sql.NullFloat64
	var materials, processes sql.NullString
	var startedAt, lastProcessedAt sql.NullTime

	err := row.Scan(
		&p.ID, &tenant, &p.Code, &p.Name, &p.Description, &weight, &p.CountryOfOrigin, &p.ImageURL,
		&p.Status, &p.Category, &p.Subcategory, &materials, &processes,
		&p.RawMaterialEmissions, &p.ProcessEmissions, &p.TotalEmissions, &p.Error,
		&p.CreatedAt, &startedAt, &lastProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Tenant = Tenant(tenant)
	if weight.Valid {
		w := weight.Float64
		p.Weight = &w
	}
	if materials.Valid && materials.String != "" {
		if err := json.Unmarshal([]byte(materials.String), &p.Materials); err != nil {
			return nil, fmt.Errorf("decode materials: %w", err)
		}
	}
	if processes.Valid && processes.String != "" {
		if err := json.Unmarshal([]byte(processes.String), &p.Processes); err != nil {
			return nil, fmt.Errorf("decode processes: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		p.StartedAt = &t
	}
	if lastProcessedAt.Valid {
		t := lastProcessedAt.Time
		p.LastProcessedAt = &t
	}
	return p, nil
}

func scanProducts(rows *sql.Rows) ([]*Product, error) {
	var products []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}
