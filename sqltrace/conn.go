package sqltrace

import (
	"context"
	"database/sql/driver"
	"errors"

	"github.com/zoobzio/agentz"
)

// conn traces a driver connection. Optional driver interfaces are
// forwarded when the underlying connection implements them; otherwise the
// fallback documented by database/sql is used.
type conn struct {
	base   driver.Conn
	tracer *Tracer
}

var (
	_ driver.Conn               = (*conn)(nil)
	_ driver.ConnPrepareContext = (*conn)(nil)
	_ driver.ConnBeginTx        = (*conn)(nil)
	_ driver.ExecerContext      = (*conn)(nil)
	_ driver.QueryerContext     = (*conn)(nil)
	_ driver.Pinger             = (*conn)(nil)
	_ driver.NamedValueChecker  = (*conn)(nil)
	_ driver.SessionResetter    = (*conn)(nil)
	_ driver.Validator          = (*conn)(nil)
)

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	s, err := agentz.Invoke(ctx, c.tracer.prepareAdvice, prepareCall{conn: c, query: query}, c.prepare)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *conn) prepare(ctx context.Context, call prepareCall) (*stmt, error) {
	var base driver.Stmt
	var err error
	if pc, ok := c.base.(driver.ConnPrepareContext); ok {
		base, err = pc.PrepareContext(ctx, call.query)
	} else {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		base, err = c.base.Prepare(call.query)
	}
	if err != nil {
		return nil, err
	}
	return &stmt{base: base, tracer: c.tracer}, nil
}

// Close releases the connection and the payload of its shadow state.
func (c *conn) Close() error {
	c.tracer.statements.Clear(c)
	return c.base.Close()
}

//nolint:staticcheck // driver.Conn requires Begin
func (c *conn) Begin() (driver.Tx, error) {
	return c.base.Begin()
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bt, ok := c.base.(driver.ConnBeginTx); ok {
		return bt.BeginTx(ctx, opts)
	}
	if opts.ReadOnly || opts.Isolation != driver.IsolationLevel(0) {
		return nil, errors.New("sqltrace: driver does not support non-default transaction options")
	}
	return c.base.Begin() //nolint:staticcheck // fallback for drivers without BeginTx
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	execer, ok := c.base.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	return agentz.Invoke(ctx, c.tracer.connExecAdvice, connCall{conn: c, query: query, args: args},
		func(ctx context.Context, call connCall) (driver.Result, error) {
			return execer.ExecContext(ctx, call.query, call.args)
		})
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	queryer, ok := c.base.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	mirror := c.tracer.statements.GetOrCreate(c, NewStatementMirror)
	rows, err := agentz.Invoke(ctx, c.tracer.connQueryAdvice, connCall{conn: c, query: query, args: args},
		func(ctx context.Context, call connCall) (driver.Rows, error) {
			return queryer.QueryContext(ctx, call.query, call.args)
		})
	if err != nil {
		return nil, err
	}
	return newRows(rows, mirror), nil
}

func (c *conn) Ping(ctx context.Context) error {
	if p, ok := c.base.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	if nc, ok := c.base.(driver.NamedValueChecker); ok {
		return nc.CheckNamedValue(nv)
	}
	return driver.ErrSkip
}

func (c *conn) ResetSession(ctx context.Context) error {
	if r, ok := c.base.(driver.SessionResetter); ok {
		return r.ResetSession(ctx)
	}
	return nil
}

func (c *conn) IsValid() bool {
	if v, ok := c.base.(driver.Validator); ok {
		return v.IsValid()
	}
	return true
}
