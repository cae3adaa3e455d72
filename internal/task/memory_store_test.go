package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"AgentVault/internal/agent"
	"AgentVault/internal/model"
)

func testIntent(id, userID string) model.UserIntent {
	return model.UserIntent{
		ID:            id,
		UserID:        userID,
		Goal:          "grow savings",
		RiskTolerance: 40,
		TimeHorizon:   model.HorizonMedium,
		Assets:        []string{"USDC", "WETH"},
	}
}

func newTestTask(id, userID string) *Task {
	return &Task{ID: id, UserID: userID, Intent: testIntent(id, userID), Status: StatusPending, MaxRetries: 3}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	clock := base
	store.now = func() time.Time { return clock }

	for _, task := range []*Task{newTestTask("t1", "alice"), newTestTask("t2", "bob"), newTestTask("t3", "alice")} {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}

	clock = base.Add(30 * time.Second)
	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	clock = base.Add(60 * time.Second)
	if err := store.MarkCompleted(ctx, "t3", &agent.PipelineResult{IntentID: "t3", Outcome: agent.OutcomeVetoed, Error: "risk too high"}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "t3" || all[1].ID != "t2" || all[2].ID != "t1" {
		t.Fatalf("expected newest task first, got %s %s %s", all[0].ID, all[1].ID, all[2].ID)
	}

	cases := []struct {
		name string
		opts []ListOption
		want []string
	}{
		{name: "status", opts: []ListOption{WithStatuses(StatusFailed)}, want: []string{"t2"}},
		{name: "result", opts: []ListOption{WithResultPresence(true)}, want: []string{"t3"}},
		{name: "user", opts: []ListOption{WithUserID("alice"), WithSortOrder(SortByUpdatedAsc)}, want: []string{"t1", "t3"}},
		{name: "outcome", opts: []ListOption{WithOutcome("VETOED")}, want: []string{"t3"}},
		{name: "since", opts: []ListOption{WithUpdatedSince(base.Add(15 * time.Second))}, want: []string{"t3", "t2"}},
		{name: "query", opts: []ListOption{WithQuery("boom")}, want: []string{"t2"}},
		{name: "offset", opts: []ListOption{WithOffset(1), WithLimit(1)}, want: []string{"t2"}},
		{name: "offset past end", opts: []ListOption{WithOffset(10)}, want: nil},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.List(ctx, buildListOptions(tc.opts))
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %d tasks", tc.want, len(got))
			}
			for i, id := range tc.want {
				if got[i].ID != id {
					t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	clock := base
	store.now = func() time.Time { return clock }

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := store.Create(ctx, newTestTask(id, "alice")); err != nil {
			t.Fatalf("create task %s: %v", id, err)
		}
	}
	clock = base.Add(30 * time.Second)
	if err := store.MarkFailed(ctx, "b", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	clock = base.Add(2 * time.Minute)
	if err := store.MarkCompleted(ctx, "c", &agent.PipelineResult{Outcome: agent.OutcomeApproved}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := store.MarkCompleted(ctx, "d", &agent.PipelineResult{Outcome: agent.OutcomeAuditRejected}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Pending != 1 || stats.Failed != 1 || stats.Completed != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Outcomes["approved"] != 1 || stats.Outcomes["audit_rejected"] != 1 {
		t.Fatalf("unexpected outcome counts: %+v", stats.Outcomes)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() || stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected timestamps: %+v", stats)
	}

	withoutResults, err := store.Stats(ctx, buildListOptions([]ListOption{WithResultPresence(false)}))
	if err != nil {
		t.Fatalf("stats without result: %v", err)
	}
	if withoutResults.Total != 2 || withoutResults.Pending != 1 || withoutResults.Failed != 1 {
		t.Fatalf("unexpected stats without result: %+v", withoutResults)
	}
}

func TestMemoryStoreClaimTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestTask("t1", "alice")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newTestTask("t1", "alice")); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	claimed, err := store.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task %+v", claimed)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "feed down", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); err != nil {
		t.Fatalf("expected retryable task to be claimable, got %v", err)
	}

	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "feed down", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	task, _ := store.Get(ctx, "t1")
	if !task.Finished() || task.MaxRetries != 2 {
		t.Fatalf("expected terminal failure to cap retries, got %+v", task)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreCompletedIsNotReclaimed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestTask("t1", "alice")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	result := &agent.PipelineResult{IntentID: "t1", Outcome: agent.OutcomeExecutionFailed, Error: "step 2 failed", ErrorCode: "EXECUTION_FAILED"}
	if err := store.MarkCompleted(ctx, "t1", result); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	result.Outcome = agent.OutcomeApproved

	task, err := store.Claim(ctx, "t1")
	if !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if task.Outcome != agent.OutcomeExecutionFailed || task.ErrorCode != "EXECUTION_FAILED" {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.Result.Outcome != agent.OutcomeExecutionFailed {
		t.Fatalf("stored result must not alias the caller's value")
	}
}
