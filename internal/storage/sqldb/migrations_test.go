package sqldb

import (
	"context"
	"testing"
	"time"
)

func TestMigrateSQLiteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Dialect: DialectSQLite, DSN: "file:migrate_test?mode=memory&cache=shared"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, db, DialectSQLite); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one applied migration, got %d", count)
	}
}

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	files, err := loadMigrationFiles(string(DialectMySQL))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) < 2 || files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected migration order: %+v", files)
	}
}

func TestParseDialect(t *testing.T) {
	if d, err := ParseDialect("SQLite3"); err != nil || d != DialectSQLite {
		t.Fatalf("unexpected dialect %q err %v", d, err)
	}
	if _, err := ParseDialect("oracle"); err == nil {
		t.Fatalf("expected error for unsupported dialect")
	}
}

func TestSplitSQLStatements(t *testing.T) {
	got := splitSQLStatements("CREATE TABLE a (x INT);\n\n CREATE INDEX i ON a (x);  ")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
}

func TestPoolForSQLiteKeepsSingleConnection(t *testing.T) {
	p := poolFor(Config{Dialect: DialectSQLite, ConnMaxLifetime: time.Minute, MaxOpenConns: 8})
	if p.maxOpen != 1 || p.maxIdle != 1 {
		t.Fatalf("sqlite pool must hold one connection: %+v", p)
	}
	if p.lifetime != 0 || p.idleTime != 0 {
		t.Fatalf("sqlite connection must never be recycled: %+v", p)
	}

	mysql := poolFor(Config{Dialect: DialectMySQL})
	if mysql.lifetime != 30*time.Minute || mysql.maxOpen != 20 {
		t.Fatalf("unexpected mysql defaults: %+v", mysql)
	}
}

func TestInMemorySQLiteKeepsDataAcrossQueries(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Dialect: DialectSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	if err := Migrate(ctx, db, DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if got := db.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("max open connections = %d, want 1", got)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO decision_records (id, trace_id, seq, decision_type, hash, created_at) VALUES ('r1', 't1', 1, 'planning', 'h', 0)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_records`).Scan(&count); err != nil {
		t.Fatalf("count records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one record, got %d", count)
	}
}
