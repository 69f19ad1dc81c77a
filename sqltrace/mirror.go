package sqltrace

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

type bindKind uint8

const (
	bindUnset bindKind = iota
	bindValue
	bindNull
	bindBytes
	bindStream
)

// BindValue is a captured bind parameter. The zero value is an ordinal
// that has not been bound, which is distinct from an explicit NULL.
type BindValue struct {
	value any
	kind  bindKind
	hex   bool
}

// NewBindValue classifies v the way it is rendered in span messages.
func NewBindValue(v any, displayHex bool) BindValue {
	switch x := v.(type) {
	case nil:
		return BindValue{kind: bindNull}
	case []byte:
		b := make([]byte, len(x))
		copy(b, x)
		return BindValue{kind: bindBytes, value: b, hex: displayHex}
	case io.Reader:
		return BindValue{kind: bindStream, value: fmt.Sprintf("%T", x)}
	default:
		return BindValue{kind: bindValue, value: x}
	}
}

// IsSet reports whether the ordinal was bound.
func (v BindValue) IsSet() bool {
	return v.kind != bindUnset
}

// IsNull reports whether the ordinal was explicitly bound to NULL.
func (v BindValue) IsNull() bool {
	return v.kind == bindNull
}

// Value returns the bound value. Byte arrays are a copy of the bound
// slice; streams are represented by their type name.
func (v BindValue) Value() any {
	return v.value
}

func (v BindValue) String() string {
	switch v.kind {
	case bindUnset:
		return "?"
	case bindNull:
		return "NULL"
	case bindBytes:
		b, _ := v.value.([]byte)
		if v.hex {
			return "0x" + hex.EncodeToString(b)
		}
		return "{" + strconv.Itoa(len(b)) + " bytes}"
	case bindStream:
		return "{stream:" + v.value.(string) + "}"
	}
	switch x := v.value.(type) {
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case time.Time:
		return "'" + x.Format(time.RFC3339Nano) + "'"
	default:
		return fmt.Sprint(x)
	}
}

func formatParams(params []BindValue) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, p := range params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
	}
	sb.WriteByte(']')
	return sb.String()
}

// PreparedMirror is the shadow state of a prepared statement: its SQL text,
// the parameters bound for the next execution, accumulated batch entries
// and the message of the most recent execution.
type PreparedMirror struct {
	mu      sync.Mutex
	sql     string
	params  []BindValue
	batches [][]BindValue
	last    *ExecMessage
}

// NewPreparedMirror returns a mirror for a statement prepared from sql.
func NewPreparedMirror(sql string) *PreparedMirror {
	return &PreparedMirror{sql: sql}
}

// SQL returns the statement text.
func (m *PreparedMirror) SQL() string {
	return m.sql
}

func (m *PreparedMirror) setParamLocked(ordinal int, v BindValue) {
	for len(m.params) < ordinal {
		m.params = append(m.params, BindValue{})
	}
	m.params[ordinal-1] = v
}

// Bind replaces the bound parameters with the arguments of one execution.
func (m *PreparedMirror) Bind(args []driver.NamedValue, displayHex bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = m.params[:0]
	for _, a := range args {
		if a.Ordinal < 1 {
			continue
		}
		m.setParamLocked(a.Ordinal, NewBindValue(a.Value, displayHex))
	}
}

// Params returns a copy of the bound parameters, indexed by ordinal-1.
func (m *PreparedMirror) Params() []BindValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.params) == 0 {
		return nil
	}
	out := make([]BindValue, len(m.params))
	copy(out, m.params)
	return out
}

// AddBatch appends the currently bound parameters as a batch entry.
func (m *PreparedMirror) AddBatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := make([]BindValue, len(m.params))
	copy(entry, m.params)
	m.batches = append(m.batches, entry)
}

// Batches returns the accumulated batch entries.
func (m *PreparedMirror) Batches() [][]BindValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]BindValue, len(m.batches))
	copy(out, m.batches)
	return out
}

// ClearBatch drops the accumulated batch entries.
func (m *PreparedMirror) ClearBatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = nil
}

// Last returns the message of the most recent traced execution.
func (m *PreparedMirror) Last() *ExecMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// SetLast replaces the message rows are counted into. nil stops counting.
func (m *PreparedMirror) SetLast(msg *ExecMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = msg
}

// Clear releases the captured payload. The SQL text is kept so the mirror
// stays usable if the statement is reused.
func (m *PreparedMirror) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = nil
	m.batches = nil
	m.last = nil
}

// StatementMirror is the shadow state of a connection used for statements
// executed without preparation.
type StatementMirror struct {
	mu    sync.Mutex
	batch []string
	last  *ExecMessage
}

// NewStatementMirror returns an empty mirror.
func NewStatementMirror() *StatementMirror {
	return &StatementMirror{}
}

// AddBatch appends sql to the batch.
func (m *StatementMirror) AddBatch(sql string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batch = append(m.batch, sql)
}

// Batch returns the batched statements.
func (m *StatementMirror) Batch() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.batch))
	copy(out, m.batch)
	return out
}

// ClearBatch drops the batched statements.
func (m *StatementMirror) ClearBatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batch = nil
}

// Last returns the message of the most recent traced execution.
func (m *StatementMirror) Last() *ExecMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// SetLast replaces the message rows are counted into.
func (m *StatementMirror) SetLast(msg *ExecMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = msg
}

// Clear releases the captured payload.
func (m *StatementMirror) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batch = nil
	m.last = nil
}

// lastHolder is implemented by both mirrors.
type lastHolder interface {
	Last() *ExecMessage
}
