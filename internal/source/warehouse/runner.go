// Package warehouse runs read-only SQL against the analytics Postgres.
package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/Synthetixio/snx-api/internal/config"
	"github.com/Synthetixio/snx-api/internal/observ"
	"github.com/Synthetixio/snx-api/internal/source"
)

// Runner implements source.QueryRunner on a sqlx handle.
type Runner struct {
	db      *sqlx.DB
	timeout time.Duration
}

var _ source.QueryRunner = (*Runner)(nil)

func New(db *sqlx.DB, timeout time.Duration) *Runner {
	return &Runner{db: db, timeout: timeout}
}

// Open connects with lib/pq and verifies the connection.
func Open(ctx context.Context, cfg config.Warehouse) (*Runner, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	return New(db, time.Duration(cfg.QueryTimeoutMs)*time.Millisecond), nil
}

func (r *Runner) RunQuery(ctx context.Context, query string, params ...any) ([]source.Row, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := r.db.QueryxContext(ctx, query, params...)
	if err != nil {
		r.fail(query, err)
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []source.Row
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			r.fail(query, err)
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		r.fail(query, err)
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	observ.RecordDuration("warehouse_query", time.Since(start), map[string]string{"result": "ok"})
	return out, nil
}

func (r *Runner) fail(query string, err error) {
	observ.IncCounter("warehouse_query_errors_total", nil)
	observ.Error("warehouse_query_failed", err, map[string]any{"sql": compact(query)})
}

func (r *Runner) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Runner) Close() error {
	return r.db.Close()
}

// compact collapses whitespace so queries log on one line.
func compact(q string) string {
	return strings.Join(strings.Fields(q), " ")
}
