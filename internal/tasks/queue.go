package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hama-jp/open-harness/internal/orchestrator"
	"github.com/hama-jp/open-harness/pkg/models"
)

// queueBuffer bounds the in-memory FIFO channel; Start() re-seeds it from
// the store's still-queued rows on boot, so a restart never loses a
// submission, only its place ahead of a generously large buffer.
const queueBuffer = 4096

// OrchestratorFactory builds a fresh Orchestrator (with its own reasoner
// loop and context store) for one task, per spec.md §4.12's "no cross-task
// state" requirement.
type OrchestratorFactory func(goal string) (*orchestrator.Orchestrator, error)

// Queue is the single-worker, FIFO, sequential background task runner.
type Queue struct {
	store   *Store
	newOrch OrchestratorFactory
	onEvent func(models.Event)

	ids    chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewQueue builds a Queue backed by store, using factory to construct each
// task's Orchestrator.
func NewQueue(store *Store, factory OrchestratorFactory, onEvent func(models.Event)) *Queue {
	return &Queue{
		store:   store,
		newOrch: factory,
		onEvent: onEvent,
		ids:     make(chan string, queueBuffer),
	}
}

// Start scrubs any running task left over from a previous crash, re-seeds
// the in-memory FIFO from rows still queued on disk, and launches the
// single worker goroutine. Start must only be called once.
func (q *Queue) Start(ctx context.Context) error {
	scrubbed, err := q.store.ScrubRunning(ctx)
	if err != nil {
		return fmt.Errorf("tasks: start: %w", err)
	}
	if scrubbed > 0 {
		slog.Warn("tasks: scrubbed running tasks to failed after restart", "count", scrubbed)
	}

	existing, err := q.store.List(ctx)
	if err != nil {
		return fmt.Errorf("tasks: start: list: %w", err)
	}
	for _, t := range existing {
		if t.Status == models.TaskQueued {
			q.ids <- t.ID
		}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.wg.Add(1)
	go q.run(workerCtx)
	return nil
}

// Stop cancels the worker's context, which also cancels the goal of the task
// it is running (if any), and waits for the worker to exit.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Submit enqueues a new goal and returns its id synchronously; the goal
// itself runs asynchronously on the worker.
func (q *Queue) Submit(ctx context.Context, goal string) (string, error) {
	id := uuid.New().String()
	task := &models.Task{
		ID:        id,
		Goal:      goal,
		Status:    models.TaskQueued,
		CreatedAt: time.Now(),
		LogPath:   fmt.Sprintf("task-%s.log", id),
	}
	if err := q.store.Create(ctx, task); err != nil {
		return "", err
	}
	q.emit(models.Event{Type: models.EventTaskSubmitted, TaskID: id, Text: goal})

	select {
	case q.ids <- id:
	default:
		// Buffer saturated; block rather than silently drop a submission.
		q.ids <- id
	}
	return id, nil
}

// List returns every task, oldest first.
func (q *Queue) List(ctx context.Context) ([]*models.Task, error) {
	return q.store.List(ctx)
}

// Result returns one task by id, or nil if it does not exist.
func (q *Queue) Result(ctx context.Context, id string) (*models.Task, error) {
	return q.store.Get(ctx, id)
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-q.ids:
			if !ok {
				return
			}
			q.runOne(ctx, id)
		}
	}
}

func (q *Queue) runOne(ctx context.Context, id string) {
	task, err := q.store.Get(ctx, id)
	if err != nil || task == nil {
		slog.Error("tasks: worker: could not load task", "task_id", id, "error", err)
		return
	}
	if task.Status != models.TaskQueued {
		return
	}

	if err := q.store.MarkRunning(ctx, id); err != nil {
		slog.Error("tasks: worker: mark running failed", "task_id", id, "error", err)
		return
	}

	orch, err := q.newOrch(task.Goal)
	if err != nil {
		q.finish(ctx, id, models.TaskFailed, "could not build orchestrator: "+err.Error())
		return
	}

	res, err := orch.RunGoal(ctx, task.Goal)
	if err != nil {
		q.finish(ctx, id, models.TaskFailed, err.Error())
		return
	}

	status := models.TaskSucceeded
	if res.Status == orchestrator.StatusFailed {
		status = models.TaskFailed
	}
	q.finish(ctx, id, status, res.Summary)
}

func (q *Queue) finish(ctx context.Context, id string, status models.TaskStatus, result string) {
	if err := q.store.Finish(ctx, id, status, result); err != nil {
		slog.Error("tasks: worker: finish failed", "task_id", id, "error", err)
	}
	// Emitted regardless of outcome; a UI consumer decides whether to ring
	// the terminal bell only on success, per spec.md §4.12.
	q.emit(models.Event{Type: models.EventTaskCompleted, TaskID: id, Text: result})
}

func (q *Queue) emit(e models.Event) {
	if q.onEvent == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	q.onEvent(e)
}
