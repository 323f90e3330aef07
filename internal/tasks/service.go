// Package tasks is the producer side of the pipeline: it creates task
// records and publishes their ids to the queue. Consumers re-read the
// record; the message itself carries nothing else.
package tasks

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/mlbill/internal/observability"
	"github.com/example/mlbill/internal/state"
)

type Service struct {
	store state.Store
	queue state.Queue
}

func NewService(store state.Store, queue state.Queue) *Service {
	return &Service{store: store, queue: queue}
}

// Submit creates a pending task with the model's cost snapshotted onto it,
// commits it, and then publishes the id. The commit happens first: a
// publish failure leaves the task pending for the republish sweep instead
// of losing it, and a delivered id always resolves to a committed record.
func (s *Service) Submit(ctx context.Context, accountID, modelID, input string) (state.TaskRecord, error) {
	ctx, span := observability.StartSpan(ctx, "tasks.submit",
		attribute.String("account.id", accountID),
		attribute.String("model.id", modelID),
	)
	defer span.End()

	model, ok, err := s.store.GetModel(ctx, modelID)
	if err != nil {
		return state.TaskRecord{}, err
	}
	if !ok {
		return state.TaskRecord{}, fmt.Errorf("model %s: %w", modelID, state.ErrNotFound)
	}
	if _, ok, err := s.store.GetAccount(ctx, accountID); err != nil {
		return state.TaskRecord{}, err
	} else if !ok {
		return state.TaskRecord{}, fmt.Errorf("account %s: %w", accountID, state.ErrNotFound)
	}

	task := state.TaskRecord{
		ID:        uuid.NewString(),
		AccountID: accountID,
		ModelID:   model.ID,
		Cost:      model.CostPerRequest,
		Input:     input,
		Status:    state.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return state.TaskRecord{}, err
	}
	observability.Default.IncCounter("tasks_submitted_total", map[string]string{"model_id": model.ID}, 1)

	if err := s.queue.Enqueue(ctx, state.TaskRef{TaskID: task.ID}); err != nil {
		// The record is committed; the sweep republishes it.
		log.Printf("publish task %s failed, leaving for sweep: %v", task.ID, err)
	}
	return task, nil
}

func (s *Service) Get(ctx context.Context, taskID string) (state.TaskRecord, error) {
	task, ok, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return state.TaskRecord{}, err
	}
	if !ok {
		return state.TaskRecord{}, fmt.Errorf("task %s: %w", taskID, state.ErrNotFound)
	}
	return task, nil
}

func (s *Service) ListByAccount(ctx context.Context, accountID string) ([]state.TaskRecord, error) {
	return s.store.ListTasksByAccount(ctx, accountID)
}

// RepublishStale re-enqueues pending tasks older than age. It closes the
// commit-then-publish gap: a producer that crashed between committing the
// record and publishing the id would otherwise orphan the task forever.
// Double publishes are harmless; consumers drop terminal tasks on sight.
func (s *Service) RepublishStale(ctx context.Context, age time.Duration, limit int) (int, error) {
	olderThan := time.Now().UTC().Add(-age)
	stale, err := s.store.ListStalePendingTasks(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, task := range stale {
		if err := s.queue.Enqueue(ctx, state.TaskRef{TaskID: task.ID}); err != nil {
			return published, err
		}
		published++
	}
	if published > 0 {
		observability.Default.IncCounter("tasks_republished_total", nil, float64(published))
	}
	return published, nil
}
