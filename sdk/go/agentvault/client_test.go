package agentvault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSubmitIntentDecodesResult(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/intents" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var intent Intent
		if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
			t.Fatalf("decode intent: %v", err)
		}
		if intent.UserID != "alice" || len(intent.Assets) != 2 {
			t.Fatalf("unexpected intent: %+v", intent)
		}
		_, _ = w.Write([]byte(`{"intentId":"i-1","userId":"alice","outcome":"approved",
			"vault":{"userId":"alice","totalValue":"10250.5","assetAllocation":[{"asset":"ETH","weight":60}]},
			"stages":[{"stage":"proposed","at":"2026-01-01T00:00:00Z"}]}`))
	}))

	result, err := client.SubmitIntent(context.Background(), Intent{
		UserID:        "alice",
		RiskTolerance: 40,
		TimeHorizon:   "medium",
		Assets:        []string{"ETH", "USDC"},
	})
	if err != nil {
		t.Fatalf("submit intent: %v", err)
	}
	if !result.Approved() {
		t.Fatalf("expected approved outcome, got %q", result.Outcome)
	}
	if result.Vault == nil || !result.Vault.TotalValue.Equal(decimal.RequireFromString("10250.5")) {
		t.Fatalf("unexpected vault: %+v", result.Vault)
	}
	if len(result.Stages) != 1 || result.Stages[0].Stage != "proposed" {
		t.Fatalf("unexpected stages: %+v", result.Stages)
	}
}

func TestSubmitIntentKeepsResultOnErrorStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"intentId":"i-2","userId":"bob","outcome":"validation_failed","error":"assets required","errorCode":"VALIDATION_FAILED","stages":[]}`))
	}))

	result, err := client.SubmitIntent(context.Background(), Intent{UserID: "bob"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
	if result.Outcome != "validation_failed" || result.ErrorCode != "VALIDATION_FAILED" {
		t.Fatalf("expected result to be decoded, got %+v", result)
	}
}

func TestGetVaultNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/vaults/ghost" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"VAULT_NOT_FOUND","message":"vault not found","metadata":{"user_id":"ghost"}}}`))
	}))

	_, err := client.GetVault(context.Background(), "ghost")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "VAULT_NOT_FOUND" || apiErr.Metadata["user_id"] != "ghost" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestListTasksEncodesFilter(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("user_id") != "alice" || q.Get("status") != "pending,failed" || q.Get("limit") != "5" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Task{{ID: "t-1", UserID: "alice", Status: "pending"}})
	}))

	tasks, err := client.ListTasks(context.Background(), TaskFilter{
		UserID:   "alice",
		Statuses: []string{"pending", "failed"},
		Limit:    5,
	})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t-1" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestWaitForTaskPollsUntilDone(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		task := Task{ID: "t-9", Status: "running", MaxRetries: 3}
		if calls.Add(1) >= 3 {
			task.Status = "completed"
			task.Outcome = "vetoed"
		}
		_ = json.NewEncoder(w).Encode(task)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := client.WaitForTask(ctx, "t-9", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for task: %v", err)
	}
	if task.Outcome != "vetoed" || calls.Load() != 3 {
		t.Fatalf("unexpected task %+v after %d calls", task, calls.Load())
	}
}

func TestRuleManagement(t *testing.T) {
	var deleted string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			deleted = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost:
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["id"] != "blacklist" {
				t.Fatalf("unexpected restore body: %v", body)
			}
			_ = json.NewEncoder(w).Encode([]Rule{{ID: "max_risk"}, {ID: "blacklist"}})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))

	if err := client.DisableRule(context.Background(), "blacklist"); err != nil {
		t.Fatalf("disable rule: %v", err)
	}
	if deleted != "/api/v1/compliance/rules/blacklist" {
		t.Fatalf("unexpected delete path: %s", deleted)
	}
	rules, err := client.RestoreRule(context.Background(), "blacklist")
	if err != nil {
		t.Fatalf("restore rule: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
}
