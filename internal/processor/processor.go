// Package processor drives claimed tasks through validation, prediction,
// and the terminal commit. A message is acknowledged only after the task
// reached a terminal state and the ledger effect, if any, is durable;
// every other path leaves the message for redelivery.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/mlbill/internal/observability"
	"github.com/example/mlbill/internal/state"
)

// Validator checks an input payload and returns the validated input along
// with per-field errors; an empty error map means the input is valid.
type Validator func(input string) (string, map[string]string)

// Predictor runs the actual inference. It must honor ctx cancellation,
// but the processor bounds it with a timeout either way.
type Predictor func(ctx context.Context, input string) (string, error)

// Failure reasons recorded on failed tasks.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonInvalidData       = "invalid_data"
	ReasonPredictionFailure = "prediction_failure"
)

// TaskError is the structured error stored on a failed task.
type TaskError struct {
	Reason  string            `json:"reason"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e TaskError) encode() string {
	b, _ := json.Marshal(e)
	return string(b)
}

type Options struct {
	Workers           int
	Consumer          string
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	PredictTimeout    time.Duration
	RequeueInterval   time.Duration
}

type Processor struct {
	store    state.Store
	queue    state.Queue
	validate Validator
	predict  Predictor
	opts     Options
}

func New(store state.Store, queue state.Queue, validate Validator, predict Predictor, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Consumer == "" {
		opts.Consumer = "worker-local"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.PredictTimeout <= 0 {
		opts.PredictTimeout = 60 * time.Second
	}
	if opts.RequeueInterval <= 0 {
		opts.RequeueInterval = 5 * time.Second
	}
	if validate == nil {
		validate = func(input string) (string, map[string]string) { return input, nil }
	}
	return &Processor{store: store, queue: queue, validate: validate, predict: predict, opts: opts}
}

// Run blocks until ctx is canceled. It starts the worker pool plus a
// maintenance loop that returns expired claims to the queue.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		consumer := p.opts.Consumer + "-" + strconv.Itoa(i)
		go func() {
			defer wg.Done()
			p.consume(ctx, consumer)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.requeueLoop(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

// consume claims one message at a time (prefetch 1): a stuck prediction
// pins only this worker's slot, never a batch of unacked messages.
func (p *Processor) consume(ctx context.Context, consumer string) {
	t := time.NewTicker(p.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		claims, err := p.queue.Claim(ctx, 1, consumer, p.opts.VisibilityTimeout)
		if err != nil {
			log.Printf("claim failed consumer=%s: %v", consumer, err)
			continue
		}
		for _, claim := range claims {
			if err := p.Process(ctx, claim.Ref.TaskID); err != nil {
				// Infrastructure failure: do not ack, redelivery is the
				// recovery mechanism.
				log.Printf("process task %s failed, nacking: %v", claim.Ref.TaskID, err)
				if nerr := p.queue.Nack(ctx, []state.QueueClaim{claim}, "error"); nerr != nil {
					log.Printf("nack task %s failed: %v", claim.Ref.TaskID, nerr)
				}
				continue
			}
			if aerr := p.queue.Ack(ctx, []state.QueueClaim{claim}); aerr != nil {
				log.Printf("ack task %s failed: %v", claim.Ref.TaskID, aerr)
			}
		}
	}
}

func (p *Processor) requeueLoop(ctx context.Context) {
	t := time.NewTicker(p.opts.RequeueInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.queue.RequeueExpired(ctx, time.Now().UTC(), 100); err != nil {
				log.Printf("requeue expired claims failed: %v", err)
			}
		}
	}
}

// Process drives one delivered task id to a terminal state. A nil return
// means the delivery may be acknowledged; a non-nil return means an
// infrastructure failure occurred and the message must be redelivered.
func (p *Processor) Process(ctx context.Context, taskID string) error {
	ctx, span := observability.StartSpan(ctx, "processor.process", attribute.String("task.id", taskID))
	defer span.End()
	started := time.Now()

	task, ok, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		// A message for a task that was never committed. Permanent, drop.
		log.Printf("task %s not found, dropping message", taskID)
		p.countOutcome("dropped", started)
		return nil
	}
	if task.Terminal() {
		// Redelivery of an already-processed message.
		p.countOutcome("duplicate", started)
		return nil
	}

	if _, err := p.store.TransitionTask(ctx, taskID, state.TaskPending, state.TaskProcessing, "", ""); err != nil {
		if errors.Is(err, state.ErrStaleTransition) {
			// Another worker owns this task.
			p.countOutcome("duplicate", started)
			return nil
		}
		return err
	}

	balance, ok, err := p.store.BalanceOf(ctx, task.AccountID)
	if err != nil {
		return err
	}
	if !ok || balance.LessThan(task.Cost) {
		return p.failTask(ctx, taskID, TaskError{
			Reason:  ReasonInsufficientFunds,
			Message: "balance below model cost",
		}, started)
	}

	valid, fieldErrs := p.validate(task.Input)
	if len(fieldErrs) > 0 {
		return p.failTask(ctx, taskID, TaskError{
			Reason: ReasonInvalidData,
			Fields: fieldErrs,
		}, started)
	}

	result, predictErr := p.runPredict(ctx, valid)
	if predictErr != nil {
		return p.failTask(ctx, taskID, TaskError{
			Reason:  ReasonPredictionFailure,
			Message: predictErr.Error(),
		}, started)
	}

	entry := state.LedgerEntryRecord{
		ID:        uuid.NewString(),
		AccountID: task.AccountID,
		Kind:      state.EntryTaskCharge,
		Amount:    task.Cost,
		TaskID:    taskID,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := p.store.CompleteTaskWithCharge(ctx, entry, result); err != nil {
		switch {
		case errors.Is(err, state.ErrInsufficientFunds):
			// A concurrent charge drained the balance between the early
			// check and the commit. Same terminal outcome as step 4.
			return p.failTask(ctx, taskID, TaskError{
				Reason:  ReasonInsufficientFunds,
				Message: "balance below model cost",
			}, started)
		case errors.Is(err, state.ErrStaleTransition):
			p.countOutcome("duplicate", started)
			return nil
		default:
			return err
		}
	}
	p.countOutcome(state.TaskCompleted, started)
	return nil
}

// runPredict bounds the prediction call. The select frees the worker slot
// even if the predictor ignores cancellation; the goroutine then finishes
// on its own and its result is discarded.
func (p *Processor) runPredict(ctx context.Context, input string) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, p.opts.PredictTimeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := p.predict(pctx, input)
		ch <- outcome{result: result, err: err}
	}()
	select {
	case out := <-ch:
		return out.result, out.err
	case <-pctx.Done():
		return "", pctx.Err()
	}
}

// failTask commits a business failure as the task's terminal state. Losing
// the processing -> failed race to another finisher is not an error.
func (p *Processor) failTask(ctx context.Context, taskID string, taskErr TaskError, started time.Time) error {
	if _, err := p.store.TransitionTask(ctx, taskID, state.TaskProcessing, state.TaskFailed, "", taskErr.encode()); err != nil {
		if errors.Is(err, state.ErrStaleTransition) {
			p.countOutcome("duplicate", started)
			return nil
		}
		return err
	}
	p.countOutcome(state.TaskFailed+":"+taskErr.Reason, started)
	return nil
}

func (p *Processor) countOutcome(outcome string, started time.Time) {
	labels := map[string]string{"outcome": outcome}
	observability.Default.IncCounter("tasks_processed_total", labels, 1)
	observability.Default.ObserveDuration("task_process_seconds", labels, time.Since(started))
}
