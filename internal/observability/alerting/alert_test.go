package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (n *recordingNotifier) Channel() Channel { return ChannelWebhook }

func (n *recordingNotifier) Notify(_ context.Context, alert Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func TestPublisherFiltersByAlertAttribute(t *testing.T) {
	notifier := &recordingNotifier{}
	publisher := NewPublisher(NewFanout(notifier), "")

	cases := []events.Event{
		{Type: events.TypeDecided, Outcome: "approved"},
		{Type: events.TypeFailed, Code: xerrors.CodeVeto, Severity: xerrors.SeverityInfo},
		{Type: events.TypeFailed, Code: xerrors.CodeExecution, Message: "step 2 failed", UserID: "alice"},
	}
	for _, event := range cases {
		if err := publisher.Publish(context.Background(), event); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if len(notifier.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(notifier.alerts))
	}
	alert := notifier.alerts[0]
	if alert.Code != xerrors.CodeExecution || alert.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected alert: %+v", alert)
	}
}

func TestPublisherMinimumSeverity(t *testing.T) {
	notifier := &recordingNotifier{}
	publisher := NewPublisher(NewFanout(notifier), xerrors.SeverityInfo)

	event := events.Event{Type: events.TypeFailed, Code: xerrors.CodeCompliance, Severity: xerrors.SeverityInfo}
	if !publisher.ShouldAlert(event) {
		t.Fatal("expected info event to alert with info minimum")
	}
	if NewPublisher(nil, xerrors.SeverityWarning).ShouldAlert(event) {
		t.Fatal("did not expect info event to alert with warning minimum")
	}
}

func TestWebhookNotifierFormats(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies = map[string]map[string]any{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		mu.Lock()
		bodies[r.URL.Path] = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	alert := Alert{
		Code:       "TASK_RETRIES_EXHAUSTED",
		Message:    "task retries exhausted",
		Severity:   xerrors.SeverityCritical,
		EventType:  events.TypeTaskFailed,
		TaskID:     "task-1",
		Metadata:   map[string]string{"attempts": "3"},
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	dispatcher := NewFanout(
		&WebhookNotifier{URL: srv.URL + "/slack", Kind: ChannelSlack, HTTPClient: srv.Client()},
		&WebhookNotifier{URL: srv.URL + "/dingtalk", Kind: ChannelDingTalk, HTTPClient: srv.Client()},
		&WebhookNotifier{URL: srv.URL + "/raw", HTTPClient: srv.Client()},
	)
	if err := dispatcher.Notify(context.Background(), alert); err != nil {
		t.Fatalf("notify: %v", err)
	}

	text, _ := bodies["/slack"]["text"].(string)
	if !strings.Contains(text, "TASK_RETRIES_EXHAUSTED") || !strings.Contains(text, "attempts: 3") {
		t.Fatalf("unexpected slack text: %q", text)
	}
	if bodies["/dingtalk"]["msgtype"] != "text" {
		t.Fatalf("unexpected dingtalk body: %v", bodies["/dingtalk"])
	}
	if bodies["/raw"]["taskId"] != "task-1" {
		t.Fatalf("unexpected raw body: %v", bodies["/raw"])
	}
}

func TestWebhookNotifierReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := &WebhookNotifier{URL: srv.URL, HTTPClient: srv.Client()}
	if err := notifier.Notify(context.Background(), Alert{Code: xerrors.CodeExecution}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}
