package benchmarks

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/zoobzio/agentz"
	"github.com/zoobzio/agentz/config"
	"github.com/zoobzio/agentz/sqltrace"
	_ "modernc.org/sqlite"
)

// BenchmarkSpanCreationRate measures raw span throughput inside one trace
// per iteration.
func BenchmarkSpanCreationRate(b *testing.B) {
	agent := agentz.New()
	defer agent.Close()
	metric := agent.MetricName("bench")

	b.ReportAllocs()
	b.ResetTimer()
	start := time.Now()
	for i := 0; i < b.N; i++ {
		ctx, root := agent.StartTrace(context.Background(), "Job", "rate", agentz.Messagef("rate"), metric)
		agent.StartSpan(ctx, agentz.Messagef("span"), metric).End()
		root.End()
	}
	b.ReportMetric(float64(b.N)/time.Since(start).Seconds(), "traces/sec")
}

// BenchmarkSpanCreationRateParallel measures trace throughput from many
// goroutines at once.
func BenchmarkSpanCreationRateParallel(b *testing.B) {
	agent := agentz.New()
	defer agent.Close()
	metric := agent.MetricName("bench")

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			ctx, root := agent.StartTrace(context.Background(), "Job", "rate", agentz.Messagef("rate"), metric)
			agent.StartSpan(ctx, agentz.Messagef("span"), metric).End()
			root.End()
		}
	})
}

// BenchmarkInvokeTraced measures an advised call that opens a span, one
// trace per call.
func BenchmarkInvokeTraced(b *testing.B) {
	agent := agentz.New()
	defer agent.Close()
	plugin := agent.Plugin("bench")
	metric := plugin.MetricName("call")
	advice := &agentz.Advice[int, int, *agentz.Span]{
		Name:             "call",
		IgnoreSelfNested: true,
		IsEnabled:        func(context.Context) bool { return plugin.IsEnabled() },
		Before: func(ctx context.Context, n int) agentz.Traveler[*agentz.Span] {
			return agentz.Some(plugin.StartSpan(ctx, agentz.Messagef("call %d", n), metric))
		},
		After: func(_ context.Context, _ int, tr agentz.Traveler[*agentz.Span]) {
			span, _ := tr.Get()
			span.End()
		},
	}
	op := func(_ context.Context, n int) (int, error) { return n * 2, nil }

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx, root := agent.StartTrace(context.Background(), "Job", "invoke", agentz.Messagef("invoke"), nil)
		if _, err := agentz.Invoke(ctx, advice, i, op); err != nil {
			b.Fatal(err)
		}
		root.End()
	}
}

// BenchmarkShadowGetOrCreate measures shadow lookups on a hot object.
func BenchmarkShadowGetOrCreate(b *testing.B) {
	type object struct{ id int }
	registry := agentz.NewShadowRegistry[object, *sqltrace.StatementMirror]()
	objects := make([]*object, 64)
	for i := range objects {
		objects[i] = &object{id: i}
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			registry.GetOrCreate(objects[i%len(objects)], sqltrace.NewStatementMirror)
			i++
		}
	})
}

// BenchmarkSQLExec compares a traced insert with bind capture against the
// same insert outside any trace.
func BenchmarkSQLExec(b *testing.B) {
	gate, err := config.NewFromBytes([]byte("plugins:\n  sql:\n    properties:\n      captureBindParameters: true\n"), config.FormatYAML)
	if err != nil {
		b.Fatal(err)
	}
	agent := agentz.New().WithConfig(gate)
	defer agent.Close()
	tracer := sqltrace.New(agent)
	defer tracer.Close()

	path := filepath.Join(b.TempDir(), "bench.db")
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		b.Fatal(err)
	}
	drv := raw.Driver()
	_ = raw.Close()
	db := tracer.OpenDB(tracer.Connector(drv, path))
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`create table events (id integer primary key, kind text)`); err != nil {
		b.Fatal(err)
	}
	stmt, err := db.Prepare(`insert into events (kind) values (?)`)
	if err != nil {
		b.Fatal(err)
	}
	defer stmt.Close()

	b.Run("untraced", func(b *testing.B) {
		ctx := context.Background()
		for i := 0; i < b.N; i++ {
			if _, err := stmt.ExecContext(ctx, "click"); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("traced", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			ctx, root := agent.StartTrace(context.Background(), "Job", "insert", agentz.Messagef("insert"), nil)
			if _, err := stmt.ExecContext(ctx, "click"); err != nil {
				b.Fatal(err)
			}
			root.End()
		}
	})
}
