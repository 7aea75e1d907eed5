package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/orquestra/pkg/persistence/postgresql"
	"github.com/dukex/orquestra/pkg/testutil"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	container     *postgres.PostgresContainer
	containerOnce sync.Once
	containerErr  error
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// databaseURL starts one shared container and hands each test an empty schema.
func databaseURL(t *testing.T) string {
	t.Helper()

	testcontainers.SkipIfProviderIsNotHealthy(t)

	containerOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		container, containerErr = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("orquestra_test"),
			postgres.WithUsername("orquestra"),
			postgres.WithPassword("orquestra"),
			postgres.BasicWaitStrategies(),
		)
	})
	require.NoError(t, containerErr)

	url, err := container.ConnectionString(t.Context(), "sslmode=disable")
	require.NoError(t, err)

	resetSchema(t, url)
	t.Cleanup(func() { resetSchema(t, url) })

	return url
}

func resetSchema(t *testing.T, url string) {
	t.Helper()

	db, err := sql.Open("postgres", url)
	require.NoError(t, err)

	defer db.Close()

	_, err = db.ExecContext(context.Background(),
		"DROP TABLE IF EXISTS task_executions, workflow_executions, schema_migrations CASCADE")
	require.NoError(t, err)
}

func open(t *testing.T, url string) *postgresql.Persistence {
	t.Helper()

	p, err := postgresql.NewPersistence(t.Context(), testLogger(), url)
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, p.Close(context.Background())) })

	return p
}

func TestNewPersistence_Migrates(t *testing.T) {
	url := databaseURL(t)
	p := open(t, url)

	require.NoError(t, p.HealthCheck(t.Context()))

	db, err := sql.Open("postgres", url)
	require.NoError(t, err)

	defer db.Close()

	rows, err := db.QueryContext(t.Context(), "SELECT version, name FROM schema_migrations ORDER BY version")
	require.NoError(t, err)

	defer rows.Close()

	applied := map[int]string{}

	for rows.Next() {
		var (
			version int
			name    string
		)

		require.NoError(t, rows.Scan(&version, &name))
		applied[version] = name
	}

	require.NoError(t, rows.Err())
	assert.Equal(t, map[int]string{
		1: "create_workflow_executions",
		2: "create_task_executions",
	}, applied)
}

func TestNewPersistence_ConcurrentEngines(t *testing.T) {
	url := databaseURL(t)

	var wg sync.WaitGroup

	errs := make([]error, 4)

	for i := range errs {
		wg.Add(1)

		go func() {
			defer wg.Done()

			p, err := postgresql.NewPersistence(t.Context(), testLogger(), url)
			if err == nil {
				err = p.Close(context.Background())
			}

			errs[i] = err
		}()
	}

	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestNewPersistence_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	_, err := postgresql.NewPersistence(ctx, testLogger(), "postgres://nobody@127.0.0.1:1/none?sslmode=disable")
	require.ErrorContains(t, err, "failed to ping database")
}

func TestPersistence(t *testing.T) {
	p := open(t, databaseURL(t))

	testutil.RunPersistenceSuite(t, t.Context(), p)
}
