package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jackcrane/eventpilot-v3-sub001/migrations"
)

// MigrationStatus is one embedded schema file and whether it has run.
type MigrationStatus struct {
	Version   string
	Checksum  string
	Applied   bool
	AppliedAt *time.Time
	Duration  time.Duration
}

// schemaFile is an embedded migration ready to run.
type schemaFile struct {
	version  string
	checksum string
	body     string
}

// The ledger's applied_at is RFC 3339 text on sqlite and a timestamp on
// postgres.
const (
	ledgerSqlite = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version     TEXT PRIMARY KEY,
	checksum    TEXT NOT NULL,
	applied_at  TEXT NOT NULL,
	duration_ms INTEGER NOT NULL
)`
	ledgerPostgres = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version     TEXT PRIMARY KEY,
	checksum    TEXT NOT NULL,
	applied_at  TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL
)`
)

// MigrateUp runs every schema file not yet in the ledger, each in its own
// transaction, and returns the versions it ran. If an applied file no longer
// matches its recorded checksum nothing runs.
func MigrateUp(ctx context.Context, conn *sqlx.DB, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	files, ledger, err := readSchemaState(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := verifyLedger(files, ledger); err != nil {
		return nil, err
	}

	var ran []string
	for _, f := range files {
		if _, ok := ledger[f.version]; ok {
			continue
		}
		took, err := runSchemaFile(ctx, conn, f)
		if err != nil {
			return ran, err
		}
		logger.Info("schema migration applied",
			zap.String("version", f.version),
			zap.Duration("took", took),
		)
		ran = append(ran, f.version)
	}
	return ran, nil
}

// MigrateStatus lists every embedded schema file in order with its ledger
// entry, if any.
func MigrateStatus(ctx context.Context, conn *sqlx.DB) ([]MigrationStatus, error) {
	files, ledger, err := readSchemaState(ctx, conn)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		if s, ok := ledger[f.version]; ok {
			out = append(out, s)
			continue
		}
		out = append(out, MigrationStatus{Version: f.version, Checksum: f.checksum})
	}
	return out, nil
}

// readSchemaState makes sure the ledger exists and returns the embedded files
// for conn's driver next to the ledger rows.
func readSchemaState(ctx context.Context, conn *sqlx.DB) ([]schemaFile, map[string]MigrationStatus, error) {
	var (
		fsys   fs.FS
		ledger string
	)
	switch conn.DriverName() {
	case driverSqlite:
		fsys, ledger = migrations.SqliteMigrations, ledgerSqlite
	case driverPostgres:
		fsys, ledger = migrations.PostgresMigrations, ledgerPostgres
	default:
		return nil, nil, fmt.Errorf("no migrations for driver %q", conn.DriverName())
	}

	if _, err := conn.ExecContext(ctx, ledger); err != nil {
		return nil, nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	files, err := embeddedSchemaFiles(fsys)
	if err != nil {
		return nil, nil, err
	}
	rows, err := ledgerRows(ctx, conn)
	if err != nil {
		return nil, nil, err
	}
	return files, rows, nil
}

// embeddedSchemaFiles returns every .sql file under fsys sorted by name.
func embeddedSchemaFiles(fsys fs.FS) ([]schemaFile, error) {
	var files []schemaFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || path.Ext(p) != ".sql" {
			return err
		}
		body, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		sum := sha256.Sum256(body)
		files = append(files, schemaFile{
			version:  path.Base(p),
			checksum: hex.EncodeToString(sum[:]),
			body:     string(body),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

func ledgerRows(ctx context.Context, conn *sqlx.DB) (map[string]MigrationStatus, error) {
	rows, err := conn.QueryxContext(ctx, "SELECT version, checksum, applied_at, duration_ms FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]MigrationStatus)
	for rows.Next() {
		var (
			s      MigrationStatus
			stamp  any
			tookMs int64
		)
		if err := rows.Scan(&s.Version, &s.Checksum, &stamp, &tookMs); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		s.Applied = true
		s.AppliedAt = ledgerTime(stamp)
		s.Duration = time.Duration(tookMs) * time.Millisecond
		out[s.Version] = s
	}
	return out, rows.Err()
}

// ledgerTime normalizes applied_at whichever way the driver returned it.
func ledgerTime(stamp any) *time.Time {
	var t time.Time
	switch v := stamp.(type) {
	case time.Time:
		t = v
	case string:
		t, _ = time.Parse(time.RFC3339, v)
	case []byte:
		t, _ = time.Parse(time.RFC3339, string(v))
	}
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

// verifyLedger rejects ledger rows whose file vanished or changed.
func verifyLedger(files []schemaFile, ledger map[string]MigrationStatus) error {
	sums := make(map[string]string, len(files))
	for _, f := range files {
		sums[f.version] = f.checksum
	}
	for version, s := range ledger {
		want, ok := sums[version]
		switch {
		case !ok:
			return fmt.Errorf("migration %s is recorded as applied but no longer embedded", version)
		case s.Checksum != want:
			return fmt.Errorf("checksum mismatch for migration %s: file %s, recorded %s", version, want, s.Checksum)
		}
	}
	return nil
}

// runSchemaFile executes f and its ledger row in one transaction.
func runSchemaFile(ctx context.Context, conn *sqlx.DB, f schemaFile) (time.Duration, error) {
	start := time.Now()
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("migration %s: begin: %w", f.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range splitStatements(f.body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("migration %s: statement %d: %w", f.version, i+1, err)
		}
	}
	took := time.Since(start)

	var stamp any = start.UTC()
	if tx.DriverName() == driverSqlite {
		stamp = start.UTC().Format(time.RFC3339)
	}
	if _, err := tx.ExecContext(ctx,
		tx.Rebind("INSERT INTO schema_migrations (version, checksum, applied_at, duration_ms) VALUES (?, ?, ?, ?)"),
		f.version, f.checksum, stamp, took.Milliseconds(),
	); err != nil {
		return 0, fmt.Errorf("migration %s: record: %w", f.version, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("migration %s: commit: %w", f.version, err)
	}
	return took, nil
}

// splitStatements drops full-line comments and splits on semicolons, since
// lib/pq runs one statement per Exec.
func splitStatements(src string) []string {
	var b strings.Builder
	for _, line := range strings.Split(src, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var out []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
