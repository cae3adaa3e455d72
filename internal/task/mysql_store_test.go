package task

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"AgentVault/internal/agent"
)

var intentTaskColumns = []string{"id", "user_id", "intent", "status", "attempts", "max_retries", "last_error", "error_code", "outcome", "result", "created_at", "updated_at"}

func taskRow(t *testing.T, id, status string, attempts, maxRetries int, result *agent.PipelineResult) mockRowsData {
	t.Helper()
	intent, err := json.Marshal(testIntent(id, "alice"))
	if err != nil {
		t.Fatalf("marshal intent: %v", err)
	}
	var (
		resultValue  driver.Value
		outcomeValue = ""
	)
	if result != nil {
		payload, err := json.Marshal(result)
		if err != nil {
			t.Fatalf("marshal result: %v", err)
		}
		resultValue = string(payload)
		outcomeValue = string(result.Outcome)
	}
	return mockRowsData{
		columns: intentTaskColumns,
		values: [][]driver.Value{{
			id, "alice", string(intent), status, int64(attempts), int64(maxRetries),
			nil, "", outcomeValue, resultValue, int64(1_700_000_000), int64(1_700_000_060),
		}},
	}
}

func newTestMySQLStore(db *sql.DB) *MySQLStore {
	store := NewMySQLStore(db)
	store.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return store
}

func TestMySQLStoreCreate(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(insertTaskSQL, mockResult{rowsAffected: 1}),
		{typ: opExec, query: insertTaskSQL, err: &gomysql.MySQLError{Number: 1062, Message: "Duplicate entry"}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTestMySQLStore(db)
	task := newTestTask("t1", "alice")
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.CreatedAt != 1_700_000_000 || task.UpdatedAt != task.CreatedAt {
		t.Fatalf("unexpected timestamps %+v", task)
	}
	if err := store.Create(context.Background(), newTestTask("t1", "alice")); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMySQLStoreGetDecodesResult(t *testing.T) {
	result := &agent.PipelineResult{IntentID: "t1", UserID: "alice", Outcome: agent.OutcomeVetoed, Error: "risk score too high", ErrorCode: "STRATEGY_VETOED"}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectTaskSQL, taskRow(t, "t1", "completed", 1, 3, result)),
		queryOp(selectTaskSQL, mockRowsData{columns: intentTaskColumns}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTestMySQLStore(db)
	task, err := store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusCompleted || task.Outcome != agent.OutcomeVetoed {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.Intent.UserID != "alice" || len(task.Intent.Assets) != 2 {
		t.Fatalf("unexpected intent %+v", task.Intent)
	}
	if task.Result == nil || task.Result.Error != "risk score too high" {
		t.Fatalf("unexpected result %+v", task.Result)
	}

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMySQLStoreClaim(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(claimTaskSQL, mockResult{rowsAffected: 1}),
		queryOp(selectTaskSQL, taskRow(t, "t1", "running", 1, 3, nil)),
		execOp(claimTaskSQL, mockResult{rowsAffected: 0}),
		queryOp(selectTaskSQL, taskRow(t, "t2", "completed", 1, 3, &agent.PipelineResult{Outcome: agent.OutcomeApproved})),
		execOp(claimTaskSQL, mockResult{rowsAffected: 0}),
		queryOp(selectTaskSQL, taskRow(t, "t3", "failed", 2, 2, nil)),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTestMySQLStore(db)
	ctx := context.Background()

	task, err := store.Claim(ctx, "t1")
	if err != nil || task.Status != StatusRunning {
		t.Fatalf("expected claimed task, got %+v %v", task, err)
	}
	if _, err := store.Claim(ctx, "t2"); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if _, err := store.Claim(ctx, "t3"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
}

func TestMySQLStoreMarkCompletedAndFailed(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(completeTaskSQL, mockResult{rowsAffected: 1}),
		execOp(failTaskSQL, mockResult{rowsAffected: 1}),
		execOp(failTaskSQL, mockResult{rowsAffected: 0}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTestMySQLStore(db)
	ctx := context.Background()

	if err := store.MarkCompleted(ctx, "t1", &agent.PipelineResult{Outcome: agent.OutcomeApproved}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkFailed(ctx, "ghost", CodeTaskProcessing, "boom", false); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.MarkCompleted(ctx, "t1", nil); err == nil {
		t.Fatalf("expected error for nil result")
	}
}

func TestMySQLStoreListAndStats(t *testing.T) {
	opts := ListOptions{UserID: "alice", Statuses: []Status{StatusCompleted}, Query: "veto"}
	opts.applyDefaults()
	clause, _ := buildFilterClause(opts)

	listSQL := `SELECT ` + taskColumns + ` FROM intent_tasks WHERE ` + clause +
		` ORDER BY updated_at DESC, created_at DESC, id ASC LIMIT ? OFFSET ?`
	statsSQL := statsTaskSQL + ` WHERE ` + clause
	outcomesSQL := outcomeStatsSQL + ` WHERE ` + clause + ` GROUP BY outcome`

	stats := mockRowsData{
		columns: []string{"total", "pending", "running", "completed", "failed", "oldest", "newest"},
		values:  [][]driver.Value{{int64(2), int64(0), int64(0), int64(2), int64(0), int64(1_700_000_000), int64(1_700_000_060)}},
	}
	outcomes := mockRowsData{
		columns: []string{"outcome", "count"},
		values:  [][]driver.Value{{"vetoed", int64(1)}, {"approved", int64(1)}},
	}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(listSQL, taskRow(t, "t1", "completed", 1, 3, &agent.PipelineResult{Outcome: agent.OutcomeVetoed})),
		queryOp(statsSQL, stats),
		queryOp(outcomesSQL, outcomes),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTestMySQLStore(db)
	ctx := context.Background()

	tasks, err := store.List(ctx, opts)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Outcome != agent.OutcomeVetoed {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
	got, err := store.Stats(ctx, opts)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got.Total != 2 || got.Completed != 2 || got.Outcomes["vetoed"] != 1 || got.Outcomes["approved"] != 1 {
		t.Fatalf("unexpected stats %+v", got)
	}
}

func TestBuildFilterClause(t *testing.T) {
	hasResult := false
	clause, args := buildFilterClause(ListOptions{
		UserID:     "alice",
		Statuses:   []Status{StatusPending, StatusFailed},
		Outcome:    "external_error",
		UpdatedGTE: 10,
		HasResult:  &hasResult,
		Query:      "feed",
	})
	want := "user_id = ? AND status IN (?,?) AND outcome = ? AND updated_at >= ? AND result IS NULL AND (id LIKE ? OR user_id LIKE ? OR outcome LIKE ? OR last_error LIKE ?)"
	if clause != want {
		t.Fatalf("unexpected clause:\n%s", clause)
	}
	if len(args) != 9 || args[0] != "alice" || args[1] != "pending" || args[5] != "%feed%" {
		t.Fatalf("unexpected args %v", args)
	}
	if clause, args := buildFilterClause(ListOptions{}); clause != "" || args != nil {
		t.Fatalf("expected empty clause, got %q %v", clause, args)
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-task-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions not supported")
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
