//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/domain/registry"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/migrations"
)

// connStr points at the shared test database, set once in TestMain.
var connStr string

func TestMain(m *testing.M) {
	ctx := context.Background()

	// An existing database skips the container.
	cleanup := func() {}
	connStr = os.Getenv("INTAKE_TEST_DATABASE_URL")
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgres(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
			os.Exit(1)
		}
	}

	code := m.Run()
	cleanup()
	os.Exit(code)
}

// seeded is a migrated schema with the reference rows the registration
// tests rely on.
type seeded struct {
	Pool     *pgxpool.Pool
	Store    registry.Registry
	Schema   string
	Clerk    *registry.Operator
	Provider *registry.Operator
	Location *registry.Location
}

// newSchema migrates a fresh schema and returns a pool whose connections
// all use it. The schema is dropped when the test ends.
func newSchema(t *testing.T) *seeded {
	t.Helper()
	ctx := context.Background()
	schema := "t_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	admin, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer admin.Close()

	if _, err := db.NewMigrator(admin, migrations.FS, schema).Up(ctx); err != nil {
		t.Fatalf("migrate schema %s: %v", schema, err)
	}

	pool, err := db.NewPool(ctx, withSearchPath(t, connStr, schema), 5, 1)
	if err != nil {
		t.Fatalf("open schema pool: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		drop, err := pgxpool.New(context.Background(), connStr)
		if err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
			return
		}
		defer drop.Close()
		if _, err := drop.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
	})

	s := &seeded{Pool: pool, Store: registry.NewStore(pool), Schema: schema}
	s.Location = &registry.Location{ID: "1001", UUID: uuid.New(), Name: "Moi Teaching and Referral Hospital"}
	mustExec(t, pool, `INSERT INTO location (id, uuid, name) VALUES ($1, $2, $3)`,
		s.Location.ID, s.Location.UUID, s.Location.Name)
	s.Clerk = insertOperator(t, pool, "clerk")
	s.Provider = insertOperator(t, pool, "provider7")
	return s
}

func withSearchPath(t *testing.T, conn, schema string) string {
	t.Helper()
	u, err := url.Parse(conn)
	if err != nil {
		t.Fatalf("parse connection string: %v", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}

func insertOperator(t *testing.T, pool *pgxpool.Pool, username string) *registry.Operator {
	t.Helper()
	op := &registry.Operator{UUID: uuid.New(), Username: username}
	err := pool.QueryRow(context.Background(),
		`INSERT INTO operator (uuid, username) VALUES ($1, $2) RETURNING id`, op.UUID, op.Username,
	).Scan(&op.ID)
	if err != nil {
		t.Fatalf("insert operator %s: %v", username, err)
	}
	return op
}

func mustExec(t *testing.T, pool *pgxpool.Pool, sql string, args ...interface{}) {
	t.Helper()
	if _, err := pool.Exec(context.Background(), sql, args...); err != nil {
		t.Fatalf("exec %q: %v", sql, err)
	}
}
