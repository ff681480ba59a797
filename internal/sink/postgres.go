package sink

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/miradorstack/resolve-sim/internal/emitter"
)

//go:embed migrations/*.sql
var postgresFS embed.FS

// rowsPerInsert keeps a statement well under the 65535 parameter limit.
const rowsPerInsert = 500

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresSink appends documents to the resolve_documents table.
type PostgresSink struct {
	db     *sql.DB
	exec   execer
	prefix string
}

// NewPostgresSink opens dsn, checks connectivity and applies the schema.
func NewPostgresSink(ctx context.Context, dsn, indexPrefix string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &PostgresSink{db: db, exec: db, prefix: indexPrefix}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *PostgresSink) migrate(ctx context.Context) error {
	schema, err := postgresFS.ReadFile("migrations/001_documents.sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := s.exec.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// WriteBatch inserts docs in chunks. A failed chunk reports its rows and
// every later row as failed so a retry resubmits only what was not stored.
func (s *PostgresSink) WriteBatch(ctx context.Context, category emitter.Category, docs []emitter.Document) (Ack, error) {
	index := emitter.IndexName(s.prefix, category)
	for start := 0; start < len(docs); start += rowsPerInsert {
		end := start + rowsPerInsert
		if end > len(docs) {
			end = len(docs)
		}
		query, args := insertStatement(index, category, docs[start:end])
		if _, err := s.exec.ExecContext(ctx, query, args...); err != nil {
			if start == 0 {
				return Ack{}, fmt.Errorf("insert %s: %w", category, err)
			}
			var ack Ack
			for i := start; i < len(docs); i++ {
				ack.Failed = append(ack.Failed, i)
			}
			return ack, nil
		}
	}
	return Ack{}, nil
}

func insertStatement(index string, category emitter.Category, docs []emitter.Document) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO resolve_documents (index_name, category, ts, correlation_id, body) VALUES ")
	args := make([]any, 0, len(docs)*5)
	for i, doc := range docs {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * 5
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5)

		var ts sql.NullTime
		if !doc.Timestamp.IsZero() {
			ts = sql.NullTime{Time: doc.Timestamp.UTC(), Valid: true}
		}
		var corr sql.NullString
		if doc.CorrelationID != "" {
			corr = sql.NullString{String: doc.CorrelationID, Valid: true}
		}
		args = append(args, index, string(category), ts, corr, string(doc.Source))
	}
	return b.String(), args
}

// Close closes the database handle.
func (s *PostgresSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
