package sqltrace

import (
	"database/sql/driver"
	"io"
	"reflect"
)

// rows counts every row read into the message of the most recent traced
// execution of the statement that produced it.
type rows struct {
	base   driver.Rows
	holder lastHolder
}

func newRows(base driver.Rows, holder lastHolder) *rows {
	if msg := holder.Last(); msg != nil {
		msg.markResult()
	}
	return &rows{base: base, holder: holder}
}

var (
	_ driver.Rows                           = (*rows)(nil)
	_ driver.RowsNextResultSet              = (*rows)(nil)
	_ driver.RowsColumnTypeDatabaseTypeName = (*rows)(nil)
	_ driver.RowsColumnTypeScanType         = (*rows)(nil)
	_ driver.RowsColumnTypeNullable         = (*rows)(nil)
	_ driver.RowsColumnTypeLength           = (*rows)(nil)
	_ driver.RowsColumnTypePrecisionScale   = (*rows)(nil)
)

func (r *rows) Columns() []string {
	return r.base.Columns()
}

func (r *rows) Close() error {
	return r.base.Close()
}

func (r *rows) Next(dest []driver.Value) error {
	if err := r.base.Next(dest); err != nil {
		return err
	}
	if msg := r.holder.Last(); msg != nil {
		msg.AddRow()
	}
	return nil
}

func (r *rows) HasNextResultSet() bool {
	if n, ok := r.base.(driver.RowsNextResultSet); ok {
		return n.HasNextResultSet()
	}
	return false
}

func (r *rows) NextResultSet() error {
	if n, ok := r.base.(driver.RowsNextResultSet); ok {
		return n.NextResultSet()
	}
	return io.EOF
}

func (r *rows) ColumnTypeDatabaseTypeName(index int) string {
	if c, ok := r.base.(driver.RowsColumnTypeDatabaseTypeName); ok {
		return c.ColumnTypeDatabaseTypeName(index)
	}
	return ""
}

var anyType = reflect.TypeOf((*any)(nil)).Elem()

func (r *rows) ColumnTypeScanType(index int) reflect.Type {
	if c, ok := r.base.(driver.RowsColumnTypeScanType); ok {
		return c.ColumnTypeScanType(index)
	}
	return anyType
}

func (r *rows) ColumnTypeNullable(index int) (nullable, ok bool) {
	if c, ok := r.base.(driver.RowsColumnTypeNullable); ok {
		return c.ColumnTypeNullable(index)
	}
	return false, false
}

func (r *rows) ColumnTypeLength(index int) (length int64, ok bool) {
	if c, ok := r.base.(driver.RowsColumnTypeLength); ok {
		return c.ColumnTypeLength(index)
	}
	return 0, false
}

func (r *rows) ColumnTypePrecisionScale(index int) (precision, scale int64, ok bool) {
	if c, ok := r.base.(driver.RowsColumnTypePrecisionScale); ok {
		return c.ColumnTypePrecisionScale(index)
	}
	return 0, 0, false
}
