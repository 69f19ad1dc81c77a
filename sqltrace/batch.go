package sqltrace

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/zoobzio/agentz"
)

// ExecBatch prepares query once on c and executes it for every row of
// args, reporting all executions as one span. It returns the total number
// of affected rows.
func ExecBatch(ctx context.Context, c *sql.Conn, query string, args [][]any) (int64, error) {
	var total int64
	err := c.Raw(func(dc any) error {
		tc, ok := dc.(*conn)
		if !ok {
			return ErrNotTraced
		}
		n, err := tc.execBatch(ctx, query, args)
		total = n
		return err
	})
	return total, err
}

// ExecScript executes queries in order on c without preparing them,
// reporting them as one span. It stops at the first failure.
func ExecScript(ctx context.Context, c *sql.Conn, queries ...string) (int64, error) {
	var total int64
	err := c.Raw(func(dc any) error {
		tc, ok := dc.(*conn)
		if !ok {
			return ErrNotTraced
		}
		n, err := tc.execScript(ctx, queries)
		total = n
		return err
	})
	return total, err
}

func (c *conn) execBatch(ctx context.Context, query string, args [][]any) (total int64, err error) {
	ds, err := c.PrepareContext(ctx, query)
	if err != nil {
		return 0, err
	}
	s := ds.(*stmt)
	defer func() {
		err = errors.Join(err, s.Close())
	}()

	mirror := c.tracer.preparedMirror(ctx, s)
	rows := make([][]driver.NamedValue, len(args))
	for i, row := range args {
		named, err := convertRow(row)
		if err != nil {
			return 0, fmt.Errorf("sqltrace: batch row %d: %w", i, err)
		}
		rows[i] = named
		c.tracer.bind(ctx, s, named)
		mirror.AddBatch()
	}

	return agentz.Invoke(ctx, c.tracer.batchAdvice, batchCall{stmt: s, mirror: mirror, rows: rows},
		func(ctx context.Context, call batchCall) (int64, error) {
			var total int64
			for _, row := range call.rows {
				res, err := execStmt(ctx, call.stmt.base, row)
				if err != nil {
					return total, err
				}
				if n, err := res.RowsAffected(); err == nil {
					total += n
				}
			}
			return total, nil
		})
}

func (c *conn) execScript(ctx context.Context, queries []string) (int64, error) {
	execer, ok := c.base.(driver.ExecerContext)
	if !ok {
		return 0, errors.New("sqltrace: driver cannot execute unprepared statements")
	}
	mirror := c.tracer.statements.GetOrCreate(c, NewStatementMirror)
	for _, q := range queries {
		mirror.AddBatch(q)
	}

	return agentz.Invoke(ctx, c.tracer.scriptAdvice, scriptCall{conn: c, queries: queries},
		func(ctx context.Context, call scriptCall) (int64, error) {
			var total int64
			for _, q := range call.queries {
				res, err := execer.ExecContext(ctx, q, nil)
				if err != nil {
					return total, err
				}
				if n, err := res.RowsAffected(); err == nil {
					total += n
				}
			}
			return total, nil
		})
}

func convertRow(row []any) ([]driver.NamedValue, error) {
	named := make([]driver.NamedValue, len(row))
	for i, v := range row {
		dv, err := driver.DefaultParameterConverter.ConvertValue(v)
		if err != nil {
			return nil, err
		}
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: dv}
	}
	return named, nil
}
