package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/cozy-insight/composer/internal/composition"
)

var (
	// ErrNotFound is returned when no snapshot is stored for a dashboard
	ErrNotFound = errors.New("store: snapshot not found")
	// ErrExists is returned by Create when the dashboard already has a snapshot
	ErrExists = errors.New("store: snapshot already exists")
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Drivers lists the database/sql driver names the store accepts
var Drivers = []string{"sqlite3", "postgres", "pgx"}

// Config holds snapshot store configuration
type Config struct {
	// DB is the database connection
	DB *sql.DB

	// Table is the name of the snapshots table
	Table string
}

// DefaultConfig returns the default configuration for db
func DefaultConfig(db *sql.DB) Config {
	return Config{DB: db, Table: "dashboard_snapshots"}
}

// Summary describes a stored snapshot without decoding it
type Summary struct {
	DashboardID string    `json:"dashboardId"`
	ChartID     string    `json:"chartId,omitempty"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists composition snapshots, one per dashboard, as JSON documents
type Store struct {
	db     *sql.DB
	table  string
	ownsDB bool
}

// Open connects with one of Drivers and prepares the table. The connection
// is closed by Close.
func Open(ctx context.Context, driver, dsn, table string) (*Store, error) {
	if !supported(driver) {
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}
	cfg := DefaultConfig(db)
	if table != "" {
		cfg.Table = table
	}
	s, err := New(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

func supported(driver string) bool {
	for _, d := range Drivers {
		if d == driver {
			return true
		}
	}
	return false
}

// New wraps an existing connection and creates the table if needed
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, errors.New("store: nil database")
	}
	if cfg.Table == "" {
		cfg.Table = "dashboard_snapshots"
	}
	if !identifier.MatchString(cfg.Table) {
		return nil, fmt.Errorf("store: invalid table name %q", cfg.Table)
	}
	s := &Store{db: cfg.DB, table: cfg.Table}
	if err := s.createTable(ctx); err != nil {
		return nil, fmt.Errorf("store: create table %s: %w", s.table, err)
	}
	return s, nil
}

func (s *Store) createTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			dashboard_id VARCHAR(255) PRIMARY KEY,
			chart_id VARCHAR(255),
			version INTEGER NOT NULL,
			document TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`, s.table)
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func encode(snap composition.Snapshot) (string, error) {
	if snap.DashboardID == "" {
		return "", errors.New("store: snapshot has no dashboard id")
	}
	data, err := snap.Marshal()
	if err != nil {
		return "", fmt.Errorf("store: encode snapshot: %w", err)
	}
	return string(data), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Save stores the snapshot of its dashboard, replacing any previous one
func (s *Store) Save(ctx context.Context, snap composition.Snapshot) error {
	doc, err := encode(snap)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		INSERT INTO %s (dashboard_id, chart_id, version, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dashboard_id) DO UPDATE SET
			chart_id = EXCLUDED.chart_id,
			version = EXCLUDED.version,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at
	`, s.table)

	if _, err := s.db.ExecContext(ctx, query, snap.DashboardID, nullable(snap.ChartID), snap.Version, doc, now, now); err != nil {
		return fmt.Errorf("store: save %s: %w", snap.DashboardID, err)
	}
	return nil
}

// Create stores the snapshot only if its dashboard has none yet
func (s *Store) Create(ctx context.Context, snap composition.Snapshot) error {
	doc, err := encode(snap)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		INSERT INTO %s (dashboard_id, chart_id, version, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.table)

	if _, err := s.db.ExecContext(ctx, query, snap.DashboardID, nullable(snap.ChartID), snap.Version, doc, now, now); err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return fmt.Errorf("store: create %s: %w", snap.DashboardID, err)
	}
	return nil
}

// Load reads the snapshot of a dashboard
func (s *Store) Load(ctx context.Context, dashboardID string) (composition.Snapshot, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE dashboard_id = $1`, s.table)

	var doc string
	err := s.db.QueryRowContext(ctx, query, dashboardID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return composition.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return composition.Snapshot{}, fmt.Errorf("store: load %s: %w", dashboardID, err)
	}
	snap, err := composition.DecodeSnapshot([]byte(doc))
	if err != nil {
		return composition.Snapshot{}, fmt.Errorf("store: load %s: %w", dashboardID, err)
	}
	return snap, nil
}

// Delete removes the snapshot of a dashboard
func (s *Store) Delete(ctx context.Context, dashboardID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE dashboard_id = $1`, s.table)

	result, err := s.db.ExecContext(ctx, query, dashboardID)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", dashboardID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", dashboardID, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every stored snapshot, most recently updated first
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	query := fmt.Sprintf(`
		SELECT dashboard_id, chart_id, version, updated_at
		FROM %s
		ORDER BY updated_at DESC, dashboard_id
	`, s.table)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var chartID sql.NullString
		if err := rows.Scan(&sum.DashboardID, &chartID, &sum.Version, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: list: %w", err)
		}
		sum.ChartID = chartID.String
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

// Close releases the connection if the store opened it
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// isUniqueViolation recognises primary key conflicts from every supported driver
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

