package sqltrace

import (
	"context"
	"database/sql/driver"
	"errors"

	"github.com/zoobzio/agentz"
)

var errNamedArgs = errors.New("sqltrace: driver does not support named parameters")

// stmt traces a prepared statement. Its shadow state lives in the
// tracer's registry, keyed by the stmt itself.
type stmt struct {
	base   driver.Stmt
	tracer *Tracer
}

var (
	_ driver.Stmt              = (*stmt)(nil)
	_ driver.StmtExecContext   = (*stmt)(nil)
	_ driver.StmtQueryContext  = (*stmt)(nil)
	_ driver.NamedValueChecker = (*stmt)(nil)
)

// Close clears the statement's shadow state before closing it. The
// association is kept: pooled statements may be used again.
func (s *stmt) Close() error {
	s.tracer.prepared.Clear(s)
	return agentz.Run(context.Background(), s.tracer.closeAdvice, s, func(context.Context, *stmt) error {
		return s.base.Close()
	})
}

func (s *stmt) NumInput() int {
	return s.base.NumInput()
}

//nolint:staticcheck // driver.Stmt requires Exec
func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), namedValues(args))
}

//nolint:staticcheck // driver.Stmt requires Query
func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), namedValues(args))
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	s.tracer.bind(ctx, s, args)
	return agentz.Invoke(ctx, s.tracer.stmtExecAdvice, stmtCall{stmt: s, args: args},
		func(ctx context.Context, call stmtCall) (driver.Result, error) {
			return execStmt(ctx, call.stmt.base, call.args)
		})
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	mirror := s.tracer.bind(ctx, s, args)
	rows, err := agentz.Invoke(ctx, s.tracer.stmtQueryAdvice, stmtCall{stmt: s, args: args},
		func(ctx context.Context, call stmtCall) (driver.Rows, error) {
			return queryStmt(ctx, call.stmt.base, call.args)
		})
	if err != nil {
		return nil, err
	}
	return newRows(rows, mirror), nil
}

func (s *stmt) CheckNamedValue(nv *driver.NamedValue) error {
	if nc, ok := s.base.(driver.NamedValueChecker); ok {
		return nc.CheckNamedValue(nv)
	}
	return driver.ErrSkip
}

func execStmt(ctx context.Context, base driver.Stmt, args []driver.NamedValue) (driver.Result, error) {
	if ec, ok := base.(driver.StmtExecContext); ok {
		return ec.ExecContext(ctx, args)
	}
	values, err := plainValues(args)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return base.Exec(values) //nolint:staticcheck // fallback for drivers without StmtExecContext
}

func queryStmt(ctx context.Context, base driver.Stmt, args []driver.NamedValue) (driver.Rows, error) {
	if qc, ok := base.(driver.StmtQueryContext); ok {
		return qc.QueryContext(ctx, args)
	}
	values, err := plainValues(args)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return base.Query(values) //nolint:staticcheck // fallback for drivers without StmtQueryContext
}

func namedValues(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

func plainValues(args []driver.NamedValue) ([]driver.Value, error) {
	values := make([]driver.Value, len(args))
	for i, a := range args {
		if a.Name != "" {
			return nil, errNamedArgs
		}
		values[i] = a.Value
	}
	return values, nil
}
