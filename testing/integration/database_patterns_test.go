package integration

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/agentz"
	"github.com/zoobzio/agentz/config"
	"github.com/zoobzio/agentz/httptrace"
	"github.com/zoobzio/agentz/logtrace"
	"github.com/zoobzio/agentz/sqltrace"
	_ "modernc.org/sqlite"
)

const serviceConfig = `enabled: true
plugins:
  sql:
    properties:
      captureBindParameters: %t
  logger:
    properties:
      traceErrorOnWarn: false
  http:
    properties:
      captureStartup: true
`

type userService struct {
	db  *sql.DB
	log *logtrace.Logger
}

func writeServiceConfig(t *testing.T, path string, capture bool) {
	t.Helper()
	// Replace the file atomically so a reload never sees a partial write.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf(serviceConfig, capture)), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

// setupService wires every plugin against one agent the way an application
// would at startup.
func setupService(t *testing.T, capture bool) (*agentz.Agent, *config.Gate, *MockCollector, http.Handler) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentz.yaml")
	writeServiceConfig(t, path, capture)

	gate, err := config.New(path)
	if err != nil {
		t.Fatal(err)
	}
	agent := agentz.New().WithConfig(gate)
	t.Cleanup(agent.Close)
	collector := NewMockCollector(t, agent, "service")

	sqlTracer := sqltrace.New(agent)
	t.Cleanup(sqlTracer.Close)

	dbPath := filepath.Join(t.TempDir(), "users.db")
	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	drv := raw.Driver()
	_ = raw.Close()

	db := sqlTracer.OpenDB(sqlTracer.Connector(drv, dbPath))
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	svc := &userService{db: db, log: logtrace.New(agent, zerolog.New(io.Discard))}
	err = httptrace.Startup(context.Background(), agent, "migration", "create users", func(ctx context.Context) error {
		_, err := db.ExecContext(ctx, `create table users (id integer primary key, name text not null unique)`)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /users", svc.create)
	return agent, gate, collector, httptrace.Middleware(agent)(mux)
}

func (s *userService) create(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	_, err := s.db.ExecContext(r.Context(), `insert into users (name) values (?)`, name)
	if err != nil {
		s.log.Error(r.Context(), err, "create user %s", name)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func post(handler http.Handler, name string) int {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users?name="+name, nil))
	return rec.Code
}

// TestDatabaseRequestLifecycle follows a request from the HTTP middleware
// through the database and the logger.
func TestDatabaseRequestLifecycle(t *testing.T) {
	_, _, collector, handler := setupService(t, true)

	if code := post(handler, "ada"); code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	if code := post(handler, "ada"); code != http.StatusInternalServerError {
		t.Fatalf("Expected duplicate insert to fail, got %d", code)
	}

	traces := collector.AssertTraceCount(3)

	startup := traces[0]
	if startup.Category != httptrace.CategoryStartup || startup.Name != "migration / create users" {
		t.Errorf("Unexpected startup trace %s / %s", startup.Category, startup.Name)
	}
	AssertParentChild(t, startup, "migration: create users", "sql execution: create table users")

	ok := traces[1]
	if ok.Errored() {
		t.Errorf("Expected successful request, got error %s", ok.Error.Text)
	}
	AssertParentChild(t, ok, "POST /users?name=ada", "sql execution: insert into users")
	insert := FindSpan(t, ok, "sql execution: insert into users")
	if insert.Message.Text != "sql execution: insert into users (name) values (?) ['ada']" {
		t.Errorf("Unexpected insert message: %s", insert.Message.Text)
	}
	if _, found := ok.Metrics.Find("sql execute"); !found {
		t.Errorf("Expected sql execute metric in:\n%s", PrintSpanTree(ok))
	}

	failed := traces[2]
	if !failed.Errored() {
		t.Fatal("Expected failed request to flag its trace")
	}
	if !strings.HasPrefix(failed.Error.Text, "create user ada") {
		t.Errorf("Expected the logged error to win, got %q", failed.Error.Text)
	}
	dup := FindSpan(t, failed, "sql execution: insert into users")
	if dup.Status == agentz.StatusNormal {
		t.Error("Expected failed insert span")
	}
	AssertParentChild(t, failed, "POST /users?name=ada", "log error: create user ada")
}

// TestDatabaseConfigReload toggles bind parameter capture by rewriting the
// config file while the service runs.
func TestDatabaseConfigReload(t *testing.T) {
	_, gate, collector, handler := setupService(t, false)

	reloaded := make(chan error, 4)
	watcher, err := config.Watch(gate, func(_ *config.Gate, err error) {
		reloaded <- err
	}, config.WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	watcher.Start()
	defer func() { _ = watcher.Stop() }()

	post(handler, "grace")
	writeServiceConfig(t, gate.Path(), true)

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("Reload failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for config reload")
	}
	post(handler, "linus")

	traces := collector.AssertTraceCount(3)
	before := FindSpan(t, traces[1], "sql execution: insert")
	if before.Message.Text != "sql execution: insert into users (name) values (?)" {
		t.Errorf("Expected parameters hidden before reload, got %s", before.Message.Text)
	}
	after := FindSpan(t, traces[2], "sql execution: insert")
	if after.Message.Text != "sql execution: insert into users (name) values (?) ['linus']" {
		t.Errorf("Expected parameters captured after reload, got %s", after.Message.Text)
	}
}

// TestDatabaseOutsideTrace runs queries with no unit of work in progress.
func TestDatabaseOutsideTrace(t *testing.T) {
	agent := agentz.New()
	defer agent.Close()
	collector := NewMockCollector(t, agent, "untraced")

	tracer := sqltrace.New(agent)
	defer tracer.Close()

	dbPath := filepath.Join(t.TempDir(), "plain.db")
	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	drv := raw.Driver()
	_ = raw.Close()
	db := tracer.OpenDB(tracer.Connector(drv, dbPath))
	defer db.Close()

	if _, err := db.Exec(`create table t (v integer)`); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := db.QueryRow(`select count(*) from t`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if got := collector.GetAll(); len(got) != 0 {
		t.Errorf("Expected no traces, got %d", len(got))
	}
}
