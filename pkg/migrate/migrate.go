// Package migrate runs the embedded SQL schema migrations for docvault.
package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/lgulliver/docvault/pkg/config"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// Migration is one versioned schema change with its rollback.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// Migrator applies migrations from an embedded filesystem against Postgres.
type Migrator struct {
	db  *sql.DB
	src fs.FS
	dir string
}

// NewMigrator connects to the configured database.
func NewMigrator(cfg *config.DatabaseConfig, src fs.FS, dir string) (*Migrator, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Migrator{db: db, src: src, dir: dir}, nil
}

// Close releases the database connection.
func (m *Migrator) Close() error {
	return m.db.Close()
}

func (m *Migrator) ensureVersionTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions() (map[int]bool, []int, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	var order []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
		order = append(order, v)
	}
	return applied, order, rows.Err()
}

// load reads and parses every *.sql file in the migrations directory,
// ordered by version.
func (m *Migrator) load() ([]*Migration, error) {
	entries, err := fs.ReadDir(m.src, m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []*Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		mig, err := m.parse(entry.Name())
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping invalid migration file")
			continue
		}
		migrations = append(migrations, mig)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// parse expects file names like 0001_init.sql with "-- +migrate Up" and
// "-- +migrate Down" section markers inside.
func (m *Migrator) parse(filename string) (*Migration, error) {
	version, name, ok := strings.Cut(filename, "_")
	if !ok {
		return nil, fmt.Errorf("invalid migration filename: %s", filename)
	}

	var v int
	if _, err := fmt.Sscanf(version, "%d", &v); err != nil {
		return nil, fmt.Errorf("invalid version in filename %s: %w", filename, err)
	}

	content, err := fs.ReadFile(m.src, m.dir+"/"+filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration %s: %w", filename, err)
	}

	var up, down []string
	section := &up
	for _, line := range strings.Split(string(content), "\n") {
		switch strings.TrimSpace(line) {
		case "-- +migrate Up":
			section = &up
		case "-- +migrate Down":
			section = &down
		default:
			*section = append(*section, line)
		}
	}

	return &Migration{
		Version: v,
		Name:    strings.TrimSuffix(name, ".sql"),
		UpSQL:   strings.Join(up, "\n"),
		DownSQL: strings.Join(down, "\n"),
	}, nil
}

// Up applies every pending migration in version order.
func (m *Migrator) Up() error {
	if err := m.ensureVersionTable(); err != nil {
		return err
	}
	applied, _, err := m.appliedVersions()
	if err != nil {
		return err
	}
	migrations, err := m.load()
	if err != nil {
		return err
	}

	pending := 0
	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		if err := m.inTx(mig.UpSQL, "INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", mig.Version, mig.Name); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Name, err)
		}
		log.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("applied migration")
		pending++
	}

	if pending == 0 {
		log.Info().Msg("no pending migrations")
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down() error {
	if err := m.ensureVersionTable(); err != nil {
		return err
	}
	_, order, err := m.appliedVersions()
	if err != nil {
		return err
	}
	if len(order) == 0 {
		log.Info().Msg("no migrations to roll back")
		return nil
	}
	last := order[len(order)-1]

	migrations, err := m.load()
	if err != nil {
		return err
	}
	for _, mig := range migrations {
		if mig.Version != last {
			continue
		}
		if err := m.inTx(mig.DownSQL, "DELETE FROM schema_migrations WHERE version = $1", mig.Version); err != nil {
			return fmt.Errorf("rollback of %d (%s) failed: %w", mig.Version, mig.Name, err)
		}
		log.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("rolled back migration")
		return nil
	}
	return fmt.Errorf("migration file for version %d not found", last)
}

// inTx runs the migration SQL and its bookkeeping statement in one
// transaction.
func (m *Migrator) inTx(migrationSQL, recordSQL string, args ...any) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migrationSQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec(recordSQL, args...); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
