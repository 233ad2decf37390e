package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/ticketflow/internal/adapters/storetest"
	"github.com/manthysbr/ticketflow/internal/core/domain"
)

func newDuckDB(t *testing.T) storetest.Store {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "ticketflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_DuckDB(t *testing.T) {
	storetest.Run(t, newDuckDB)
}

// Set TICKETFLOW_TEST_POSTGRES_DSN to run against a disposable database.
func TestRepository_Postgres(t *testing.T) {
	dsn := os.Getenv("TICKETFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TICKETFLOW_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) storetest.Store {
		repo, err := Open(context.Background(), "postgres", dsn)
		require.NoError(t, err)
		for _, table := range []string{"checkpoints", "conversation_turns", "project_contexts"} {
			_, err := repo.db.Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { repo.Close() })
		return repo
	})
}

func TestRepository_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	repo, err := NewRepository(path)
	require.NoError(t, err)
	require.NoError(t, repo.AppendInteraction(ctx, domain.Interaction{ProjectID: "P1", WorkflowID: "wf", UserQuestion: "q", AgentResponse: "a", Tokens: 1}))
	require.NoError(t, repo.Close())

	repo, err = NewRepository(path)
	require.NoError(t, err)
	defer repo.Close()

	pc, err := repo.GetProjectContext(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, pc.TotalInteractions)
	assert.Len(t, pc.RawHistory, 1)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "sqlite", "x")
	assert.ErrorContains(t, err, "unsupported storage driver")
}

func TestRepository_Rebind(t *testing.T) {
	q := `UPDATE t SET a = ?, b = ? WHERE id = ?`

	duck := &Repository{driver: "duckdb"}
	assert.Equal(t, q, duck.rebind(q))

	pg := &Repository{driver: "postgres"}
	assert.Equal(t, `UPDATE t SET a = $1, b = $2 WHERE id = $3`, pg.rebind(q))
	assert.Equal(t, `SELECT 1`, pg.rebind(`SELECT 1`))
}
