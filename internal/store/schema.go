package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lychee-technology/formsync"
	"go.uber.org/zap"
)

const (
	TableSchemaVersions     = "schema_versions"
	TableFormIdentifiers    = "form_identifiers"
	TableOfflineSubmissions = "offline_submissions"
	TableApplications       = "applications"
	TableFormDefinitions    = "form_definitions"
	TableActiveForm         = "active_form"
)

// ReferenceTable returns the table name holding one reference category.
func ReferenceTable(category formsync.ReferenceCategory) string {
	return "reference_" + string(category)
}

// Migration is one additive schema step for a table. Applied steps are never edited;
// changes are appended as a new version.
type Migration struct {
	Table      string
	Version    int
	Statements []string
	// Upgrade runs after Statements in the same transaction when existing rows need rewriting.
	Upgrade func(ctx context.Context, tx *sql.Tx) error
}

// Schema returns the full, ordered migration list.
func Schema() []Migration {
	migrations := []Migration{
		{
			Table:   TableFormIdentifiers,
			Version: 1,
			Statements: []string{`CREATE TABLE IF NOT EXISTS form_identifiers (
				id TEXT PRIMARY KEY,
				form_type TEXT NOT NULL,
				leased BOOLEAN NOT NULL DEFAULT FALSE,
				user_guid TEXT,
				lease_expiry BIGINT,
				printed_ts BIGINT,
				spoiled_ts BIGINT,
				last_updated BIGINT NOT NULL
			)`},
		},
		{
			Table:   TableOfflineSubmissions,
			Version: 1,
			Statements: []string{`CREATE TABLE IF NOT EXISTS offline_submissions (
				id TEXT PRIMARY KEY,
				form_id TEXT NOT NULL,
				data TEXT NOT NULL,
				record_type TEXT NOT NULL,
				local_draft_id TEXT,
				server_draft_id TEXT,
				local_submission_id TEXT,
				server_application_id TEXT,
				draft_data TEXT,
				submission_data TEXT,
				created BIGINT NOT NULL,
				modified BIGINT
			)`},
		},
		{
			Table:   TableApplications,
			Version: 1,
			Statements: []string{`CREATE TABLE IF NOT EXISTS applications (
				id TEXT PRIMARY KEY,
				application_name TEXT,
				application_status TEXT,
				form_id TEXT,
				submission_id TEXT NOT NULL,
				created BIGINT NOT NULL,
				modified BIGINT NOT NULL
			)`},
		},
		{
			Table:   TableFormDefinitions,
			Version: 1,
			Statements: []string{`CREATE TABLE IF NOT EXISTS form_definitions (
				id TEXT PRIMARY KEY,
				title TEXT,
				definition TEXT NOT NULL,
				fetched BIGINT NOT NULL
			)`},
		},
		{
			Table:   TableActiveForm,
			Version: 1,
			Statements: []string{`CREATE TABLE IF NOT EXISTS active_form (
				slot INTEGER PRIMARY KEY,
				local_draft_id TEXT,
				server_draft_id TEXT
			)`},
		},
		{
			Table:      TableOfflineSubmissions,
			Version:    2,
			Statements: []string{`ALTER TABLE offline_submissions ADD COLUMN server_submission_id TEXT`},
		},
		{
			Table:   TableOfflineSubmissions,
			Version: 3,
			Upgrade: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					`UPDATE offline_submissions SET modified = created WHERE modified IS NULL`)
				return err
			},
		},
	}

	for _, category := range formsync.AllReferenceCategories() {
		table := ReferenceTable(category)
		migrations = append(migrations, Migration{
			Table:   table,
			Version: 1,
			// no primary key: wholesale replacement deletes and re-inserts the same keys in one transaction
			Statements: []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				ref_key TEXT NOT NULL,
				fields TEXT NOT NULL
			)`, table)},
		})
	}
	return migrations
}

const createSchemaVersions = `CREATE TABLE IF NOT EXISTS schema_versions (
	table_name TEXT NOT NULL,
	version INTEGER NOT NULL,
	applied_at BIGINT NOT NULL,
	PRIMARY KEY (table_name, version)
)`

func migrate(ctx context.Context, db *sql.DB, migrations []Migration) error {
	if _, err := db.ExecContext(ctx, createSchemaVersions); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		key := versionKey(m.Table, m.Version)
		if _, ok := applied[key]; ok {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("%s v%d: %w", m.Table, m.Version, err)
		}
		applied[key] = struct{}{}
		zap.S().Infow("store: migration applied", "table", m.Table, "version", m.Version)
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if m.Upgrade != nil {
		if err := m.Upgrade(ctx, tx); err != nil {
			return fmt.Errorf("upgrade: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_versions (table_name, version, applied_at) VALUES (?, ?, ?)",
		m.Table, m.Version, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, "SELECT table_name, version FROM schema_versions")
	if err != nil {
		return nil, fmt.Errorf("load schema_versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var table string
		var version int
		if err := rows.Scan(&table, &version); err != nil {
			return nil, err
		}
		applied[versionKey(table, version)] = struct{}{}
	}
	return applied, rows.Err()
}

func versionKey(table string, version int) string {
	return fmt.Sprintf("%s@%d", table, version)
}
