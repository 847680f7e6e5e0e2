package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/config"
)

// -- Interfaces for Dependency Inversion --

// Worker defines the interface for any component that can process a task.
type Worker interface {
	ProcessTask(ctx context.Context, task schemas.Task) (*schemas.RunEnvelope, error)
}

// Store defines the interface for any component that can persist run results.
type Store interface {
	PersistRun(ctx context.Context, envelope *schemas.RunEnvelope) error
}

// ResultHandler receives every envelope a worker produced, persisted or not.
// It is called from worker goroutines and must be safe for concurrent use.
type ResultHandler func(envelope *schemas.RunEnvelope)

// TaskEngine manages the in-process distribution of tasks to a pool of workers.
type TaskEngine struct {
	cfg          *config.Config
	logger       *zap.Logger
	storeService Store
	worker       Worker
	onResult     ResultHandler
	wg           sync.WaitGroup
}

// New creates a new TaskEngine. storeService may be nil, in which case
// results are only handed to the result handler.
func New(cfg *config.Config, logger *zap.Logger, storeService Store, worker Worker) *TaskEngine {
	return &TaskEngine{
		cfg:          cfg,
		logger:       logger.With(zap.String("component", "task_engine")),
		storeService: storeService,
		worker:       worker,
	}
}

// OnResult registers fn to receive every envelope. Call it before Start.
func (e *TaskEngine) OnResult(fn ResultHandler) {
	e.onResult = fn
}

// Start launches the worker pool and begins consuming tasks from the provided channel.
func (e *TaskEngine) Start(ctx context.Context, taskChan <-chan schemas.Task) {
	concurrency := e.cfg.Engine.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	e.logger.Info("Starting task engine worker pool", zap.Int("concurrency", concurrency))

	for i := 0; i < concurrency; i++ {
		e.wg.Add(1)
		go e.runWorker(ctx, i+1, taskChan)
	}
}

// Stop waits for all workers to finish. The producer closes the channel.
func (e *TaskEngine) Stop() {
	e.logger.Info("Stopping task engine... waiting for workers to finish.")
	e.wg.Wait()
	e.logger.Info("Task engine stopped gracefully.")
}

// runWorker is the main loop for a single worker goroutine.
func (e *TaskEngine) runWorker(ctx context.Context, workerID int, taskChan <-chan schemas.Task) {
	defer e.wg.Done()
	logger := e.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, worker shutting down.")
			return
		case task, ok := <-taskChan:
			if !ok {
				logger.Debug("Task queue closed and drained, worker shutting down.")
				return
			}
			e.process(ctx, task, logger)
		}
	}
}

// process handles the execution of a single task.
func (e *TaskEngine) process(ctx context.Context, task schemas.Task, logger *zap.Logger) {
	logger = logger.With(zap.String("task_id", task.TaskID), zap.String("target", task.Target))
	logger.Info("Processing task", zap.String("task_type", string(task.Type)))

	taskTimeout := e.cfg.Engine.DefaultTaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = 2 * time.Minute
	}
	taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	envelope, err := e.worker.ProcessTask(taskCtx, task)
	if err != nil {
		logger.Error("Task processing failed", zap.Error(err))
		return
	}
	if envelope == nil {
		logger.Debug("Task produced no envelope.")
		return
	}
	if e.onResult != nil {
		e.onResult(envelope)
	}

	if len(envelope.Events) == 0 {
		logger.Debug("Task completed with no interception events.")
		return
	}
	if e.storeService == nil {
		return
	}

	logger.Info("Task generated events, persisting...", zap.Int("events", len(envelope.Events)))
	persistCtx, persistCancel := context.WithTimeout(ctx, 30*time.Second)
	defer persistCancel()

	if err := e.storeService.PersistRun(persistCtx, envelope); err != nil {
		logger.Error("Failed to persist task results", zap.Error(err))
	} else {
		logger.Info("Successfully persisted task results.")
	}
}
