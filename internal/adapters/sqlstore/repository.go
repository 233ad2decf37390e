package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/ticketflow/internal/core/ports"
)

// Repository implements the context and checkpoint stores over database/sql.
// Queries are written with ? placeholders and rebound per driver.
type Repository struct {
	db     *sql.DB
	driver string
}

// Ensure Repository implements the store ports
var (
	_ ports.ContextStore    = (*Repository)(nil)
	_ ports.CheckpointStore = (*Repository)(nil)
)

// NewRepository opens an embedded DuckDB database at path ("" for in-memory).
func NewRepository(path string) (*Repository, error) {
	return Open(context.Background(), "duckdb", path)
}

// Open connects to "duckdb" or "postgres" and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Repository, error) {
	var sqlDriver string
	switch driver {
	case "duckdb":
		sqlDriver = "duckdb"
	case "postgres":
		sqlDriver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	r := &Repository{db: db, driver: driver}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// rebind rewrites ? placeholders as $1..$n for Postgres. Queries must not
// contain a literal question mark.
func (r *Repository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS project_contexts (
		project_id TEXT PRIMARY KEY,
		compressed_context TEXT,
		raw_history TEXT NOT NULL,
		compressed_turns INTEGER NOT NULL DEFAULT 0,
		total_interactions INTEGER NOT NULL DEFAULT 0,
		total_tokens BIGINT NOT NULL DEFAULT 0,
		last_classification TEXT,
		created_at TIMESTAMP NOT NULL,
		last_updated TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_turns (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		user_question TEXT NOT NULL,
		classification TEXT,
		agent_response TEXT NOT NULL,
		quality_score DOUBLE PRECISION,
		token_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_project ON conversation_turns (project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_created ON conversation_turns (created_at)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		node TEXT NOT NULL,
		phase TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints (thread_id)`,
}

func (r *Repository) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
