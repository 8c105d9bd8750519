package lockwarden

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("lockwarden_locks_it")
	pg.ownerKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, pg.dsn, pg.tableName)
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	saved := NewLockSet()
	saved.GroupNames["t1"] = "Room"
	saved.Nicknames["t1"] = map[string]string{"u1": "Ace"}
	saved.GroupPics["t1"] = GroupPic{File: "/tmp/t1.jpg", URL: "https://example.com/t1.jpg"}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	saved.GroupNames["t1"] = "Renamed"
	if err := backend.Save(saved); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if !reflect.DeepEqual(loaded, saved) {
		t.Fatalf("expected %+v, got %+v", saved, loaded)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LOCKWARDEN_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set LOCKWARDEN_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
