// Package dbtest opens isolated in-memory sqlite databases carrying the
// sitebridge schema for package tests.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a fresh database named after the test. The pool is pinned to
// one connection so concurrent goroutines serialize on sqlite instead of
// failing with SQLITE_BUSY.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", name)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = conn.Exec("PRAGMA busy_timeout = 5000").Error

	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v\n%s", err, stmt)
		}
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return conn
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		job_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		run_at DATETIME NOT NULL,
		locked_by TEXT,
		locked_at DATETIME,
		dedupe_key TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_outbox_live_dedupe ON outbox (dedupe_key)
		WHERE dedupe_key IS NOT NULL AND status IN ('pending', 'processing')`,
	`CREATE TABLE IF NOT EXISTS accounting_connections (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		provider TEXT NOT NULL DEFAULT 'qbo',
		realm_id TEXT NOT NULL,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		token_expires_at DATETIME NOT NULL,
		refresh_token_expires_at DATETIME,
		refresh_failure_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		settings TEXT NOT NULL DEFAULT '{}',
		last_error TEXT,
		last_refreshed_at DATETIME,
		last_synced_at DATETIME,
		connected_at DATETIME NOT NULL,
		disconnected_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_accounting_connections_active
		ON accounting_connections (org_id) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS sync_records (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		connection_id INTEGER,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		external_id TEXT,
		external_sync_token TEXT,
		status TEXT NOT NULL,
		error_message TEXT,
		last_synced_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_sync_records_entity ON sync_records (org_id, entity_type, entity_id)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		client_name TEXT,
		client_email TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		project_id INTEGER,
		invoice_number TEXT NOT NULL,
		bill_to_name TEXT,
		bill_to_email TEXT,
		issue_date DATETIME,
		due_date DATETIME,
		total_cents INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'USD',
		metadata TEXT NOT NULL DEFAULT '{}',
		qbo_invoice_id TEXT,
		qbo_sync_status TEXT,
		qbo_synced_at DATETIME,
		qbo_last_error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS invoice_lines (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		invoice_id INTEGER NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL,
		quantity TEXT NOT NULL DEFAULT '1',
		unit_price_cents INTEGER NOT NULL DEFAULT 0,
		amount_cents INTEGER NOT NULL DEFAULT 0,
		income_account_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		invoice_id INTEGER NOT NULL,
		amount_cents INTEGER NOT NULL,
		received_at DATETIME NOT NULL,
		method TEXT,
		reference TEXT,
		qbo_payment_id TEXT,
		qbo_sync_status TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		org_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		recipient_email TEXT NOT NULL,
		subject TEXT NOT NULL,
		body TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		sent_at DATETIME,
		last_error TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS drawing_sheet_versions (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		sheet_id INTEGER NOT NULL,
		file_url TEXT NOT NULL,
		tile_status TEXT NOT NULL DEFAULT 'pending',
		tile_error TEXT,
		tiles_generated_at DATETIME,
		deleted_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS portal_access_tokens (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		project_id INTEGER NOT NULL,
		portal_type TEXT NOT NULL,
		token TEXT NOT NULL UNIQUE,
		pin_hash TEXT,
		pin_attempts INTEGER NOT NULL DEFAULT 0,
		pin_locked_until DATETIME,
		expires_at DATETIME,
		revoked_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bid_invites (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		bid_package_id INTEGER NOT NULL,
		company_name TEXT,
		contact_email TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		paused_at DATETIME,
		revoked_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bid_access_tokens (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		bid_invite_id INTEGER NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		expires_at DATETIME,
		paused_at DATETIME,
		revoked_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS external_portal_accounts (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		email TEXT NOT NULL,
		full_name TEXT,
		password_hash TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		paused_at DATETIME,
		revoked_at DATETIME,
		last_login_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_external_portal_accounts_email ON external_portal_accounts (org_id, email)`,
	`CREATE TABLE IF NOT EXISTS external_portal_sessions (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		session_token_hash TEXT NOT NULL UNIQUE,
		expires_at DATETIME NOT NULL,
		revoked_at DATETIME,
		last_seen_at DATETIME,
		ip_address TEXT,
		user_agent TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS external_portal_account_grants (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		token_type TEXT NOT NULL,
		access_token_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		paused_at DATETIME,
		revoked_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_external_portal_account_grants
		ON external_portal_account_grants (account_id, token_type, access_token_id)`,
}
