package sqltrace

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/zoobzio/agentz"
)

// ExecMessage describes one traced execution. It is rendered only when the
// trace holding its span is reported.
type ExecMessage struct {
	sql     string
	params  []BindValue
	batches [][]BindValue
	sqls    []string
	rows    atomic.Int64
	hasRows atomic.Bool
}

// NewExecMessage describes an execution of sql. params is nil when bind
// parameters are not captured.
func NewExecMessage(sql string, params []BindValue) *ExecMessage {
	return &ExecMessage{sql: sql, params: params}
}

// NewBatchMessage describes a batched execution of a prepared statement.
func NewBatchMessage(sql string, batches [][]BindValue) *ExecMessage {
	return &ExecMessage{sql: sql, batches: batches}
}

// NewScriptMessage describes statements executed together.
func NewScriptMessage(sqls []string) *ExecMessage {
	return &ExecMessage{sqls: sqls}
}

// AddRow counts one row read from the result.
func (m *ExecMessage) AddRow() {
	m.hasRows.Store(true)
	m.rows.Add(1)
}

// Rows returns the rows counted so far and whether any result was read.
func (m *ExecMessage) Rows() (int64, bool) {
	return m.rows.Load(), m.hasRows.Load()
}

// markResult records that a result set was opened, so an empty one
// renders as "0 rows".
func (m *ExecMessage) markResult() {
	m.hasRows.Store(true)
}

// Supplier returns the lazy supplier for the span.
func (m *ExecMessage) Supplier() agentz.MessageSupplier {
	return m.Message
}

// Message renders the execution.
func (m *ExecMessage) Message() agentz.Message {
	var sb strings.Builder
	sb.WriteString("sql execution: ")
	switch {
	case len(m.sqls) > 0:
		sb.WriteString(strings.Join(m.sqls, "; "))
	case len(m.batches) > 0:
		sb.WriteString(strconv.Itoa(len(m.batches)))
		sb.WriteString(" x ")
		sb.WriteString(m.sql)
		for _, b := range m.batches {
			sb.WriteByte(' ')
			sb.WriteString(formatParams(b))
		}
	default:
		sb.WriteString(m.sql)
		if len(m.params) > 0 {
			sb.WriteByte(' ')
			sb.WriteString(formatParams(m.params))
		}
	}

	detail := map[string]string{}
	if n, ok := m.Rows(); ok {
		sb.WriteString(" => ")
		sb.WriteString(strconv.FormatInt(n, 10))
		if n == 1 {
			sb.WriteString(" row")
		} else {
			sb.WriteString(" rows")
		}
		detail["rows"] = strconv.FormatInt(n, 10)
	}
	if len(detail) == 0 {
		detail = nil
	}
	return agentz.Message{Text: sb.String(), Detail: detail}
}
