package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AgentVault/internal/agent"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/internal/model"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration

	mu       sync.Mutex
	outcomes []agent.Outcome
}

func (f *fakeExecutor) SubmitIntent(ctx context.Context, intent model.UserIntent) *agent.PipelineResult {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
		}
	}
	n := int(f.processed.Add(1))
	outcome := agent.OutcomeApproved
	f.mu.Lock()
	if n <= len(f.outcomes) {
		outcome = f.outcomes[n-1]
	}
	f.mu.Unlock()
	result := &agent.PipelineResult{IntentID: intent.ID, UserID: intent.UserID, Outcome: outcome}
	if outcome == agent.OutcomeExternalError {
		result.Error = "market feed unavailable"
		result.ErrorCode = xerrors.CodeExternalService
	}
	return result
}

type recordingProducer struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *recordingProducer) Publish(_ context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, taskID)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) Published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, testIntent("", fmt.Sprintf("user-%d", i%10))); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, err := service.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Completed == total {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("tasks not processed in time, completed %d", stats.Completed)
		case <-time.After(20 * time.Millisecond):
		}
	}
	if got := int(executor.processed.Load()); got != total {
		t.Fatalf("expected each task to run once, ran %d", got)
	}
}

func TestProcessorRetriesExternalErrors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	executor := &fakeExecutor{outcomes: []agent.Outcome{agent.OutcomeExternalError, agent.OutcomeApproved}}
	processor := NewProcessor(executor, store, nil, producer)

	if err := store.Create(ctx, newTestTask("t1", "alice")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.handle(ctx, "t1"); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	task, _ := store.Get(ctx, "t1")
	if task.Status != StatusFailed || task.ErrorCode != string(xerrors.CodeExternalService) {
		t.Fatalf("expected retryable failure, got %+v", task)
	}
	if got := producer.Published(); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("expected the task to be requeued, got %v", got)
	}

	if err := processor.handle(ctx, "t1"); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	task, _ = store.Get(ctx, "t1")
	if task.Status != StatusCompleted || task.Outcome != agent.OutcomeApproved || task.Attempts != 2 {
		t.Fatalf("expected completed task, got %+v", task)
	}
}

func TestProcessorDoesNotRetryExecutedOutcomes(t *testing.T) {
	ctx := context.Background()
	for _, outcome := range []agent.Outcome{agent.OutcomeExecutionFailed, agent.OutcomeVetoed, agent.OutcomeAuditRejected} {
		store := NewMemoryStore()
		producer := &recordingProducer{}
		executor := &fakeExecutor{outcomes: []agent.Outcome{outcome}}
		processor := NewProcessor(executor, store, nil, producer)

		if err := store.Create(ctx, newTestTask("t1", "alice")); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := processor.handle(ctx, "t1"); err != nil {
			t.Fatalf("handle: %v", err)
		}
		task, _ := store.Get(ctx, "t1")
		if task.Status != StatusCompleted || task.Outcome != outcome {
			t.Fatalf("%s: unexpected task %+v", outcome, task)
		}
		if len(producer.Published()) != 0 {
			t.Fatalf("%s: task must not be requeued", outcome)
		}

		// A redelivered message must not run the pipeline again.
		if err := processor.handle(ctx, "t1"); err != nil {
			t.Fatalf("redelivery: %v", err)
		}
		if got := executor.processed.Load(); got != 1 {
			t.Fatalf("%s: expected a single run, got %d", outcome, got)
		}
	}
}

func TestProcessorEmitsEventWhenRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	executor := &fakeExecutor{outcomes: []agent.Outcome{agent.OutcomeExternalError, agent.OutcomeExternalError}}
	sink := events.NewMemoryPublisher()
	bus := events.NewBus(sink, 8)
	processor := NewProcessor(executor, store, nil, producer, WithEventBus(bus))

	task := newTestTask("t1", "alice")
	task.MaxRetries = 2
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := processor.handle(ctx, "t1"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if err := bus.Close(ctx); err != nil {
		t.Fatalf("close bus: %v", err)
	}

	stored, _ := store.Get(ctx, "t1")
	if stored.Status != StatusCompleted || stored.Outcome != agent.OutcomeExternalError || stored.Attempts != 2 {
		t.Fatalf("unexpected task %+v", stored)
	}
	if got := executor.processed.Load(); got != 2 {
		t.Fatalf("expected two runs, got %d", got)
	}
	published := sink.Events()
	if len(published) != 1 || published[0].Type != events.TypeTaskFailed || published[0].Code != CodeTaskExhausted {
		t.Fatalf("unexpected events %+v", published)
	}
	if published[0].Metadata["attempts"] != "2" {
		t.Fatalf("unexpected metadata %+v", published[0].Metadata)
	}
}

func TestProcessorRequiresConsumer(t *testing.T) {
	processor := NewProcessor(&fakeExecutor{}, NewMemoryStore(), nil, nil)
	if err := processor.Start(context.Background()); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
