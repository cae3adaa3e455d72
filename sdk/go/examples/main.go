package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentVault/sdk/go/agentvault"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		var intent agentvault.Intent
		_ = json.NewDecoder(r.Body).Decode(&intent)
		_ = json.NewEncoder(w).Encode(agentvault.Task{
			ID:         "task-demo",
			UserID:     intent.UserID,
			Intent:     intent,
			Status:     "pending",
			MaxRetries: 3,
			CreatedAt:  time.Now().Unix(),
		})
	})
	mux.HandleFunc("GET /api/v1/tasks/task-demo", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(agentvault.Task{
			ID:         "task-demo",
			UserID:     "demo",
			Status:     "completed",
			Attempts:   1,
			MaxRetries: 3,
			Outcome:    "approved",
			Result:     &agentvault.PipelineResult{IntentID: "task-demo", UserID: "demo", Outcome: "approved"},
		})
	})
	mux.HandleFunc("GET /api/v1/vaults/demo/performance", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"userId":"demo","totalValue":"10412.37","riskLevel":38.5,"annualizedReturn":12.4,"volatility":9.1,"sharpeRatio":1.14,"samples":1}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentvault.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, err := client.SubmitTask(ctx, agentvault.Intent{
		UserID:        "demo",
		Goal:          "steady yield",
		RiskTolerance: 40,
		TimeHorizon:   "medium",
		Assets:        []string{"ETH", "USDC"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (%s)\n", task.ID, task.Status)

	done, err := client.WaitForTask(ctx, task.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s finished with outcome %s\n", done.ID, done.Outcome)

	summary, err := client.GetPerformance(ctx, "demo")
	if err != nil {
		panic(err)
	}
	fmt.Printf("vault value %s, sharpe %.2f\n", summary.TotalValue.StringFixed(2), summary.SharpeRatio)
}
