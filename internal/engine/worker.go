package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/browser/session"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/config"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
)

// RuleSource resolves the scriptlets filter rules assign to a hostname.
type RuleSource interface {
	Lookup(hostname string) []schemas.ScriptletCall
}

// Navigator runs a task in a real browser instead of the embedded realm.
type Navigator interface {
	Navigate(ctx context.Context, task schemas.Task, calls []schemas.ScriptletCall) (*schemas.RunEnvelope, error)
}

// ErrNoNavigator is returned for browser tasks when no navigator is set.
var ErrNoNavigator = errors.New("no browser navigator configured")

// PageWorker processes tasks by loading each target into a fresh session.
type PageWorker struct {
	cfg       *config.Config
	logger    *zap.Logger
	transport session.Transport
	injector  session.Injector
	rules     RuleSource
	recorder  jsenv.Recorder
	navigator Navigator
}

// PageWorkerOption customizes a PageWorker.
type PageWorkerOption func(*PageWorker)

// WithRules makes the worker add the scriptlets rules assign to each
// target's hostname ahead of the task's own.
func WithRules(rules RuleSource) PageWorkerOption {
	return func(w *PageWorker) { w.rules = rules }
}

// WithRecorder streams every interception event to recorder as it happens.
func WithRecorder(recorder jsenv.Recorder) PageWorkerOption {
	return func(w *PageWorker) { w.recorder = recorder }
}

// WithNavigator handles TaskBrowserNavigate tasks.
func WithNavigator(navigator Navigator) PageWorkerOption {
	return func(w *PageWorker) { w.navigator = navigator }
}

// NewPageWorker creates a worker that loads pages over transport and
// installs scriptlets with injector.
func NewPageWorker(cfg *config.Config, logger *zap.Logger, transport session.Transport, injector session.Injector, opts ...PageWorkerOption) *PageWorker {
	w := &PageWorker{
		cfg:       cfg,
		logger:    logger.Named("page_worker"),
		transport: transport,
		injector:  injector,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ProcessTask runs task and returns what the page produced.
func (w *PageWorker) ProcessTask(ctx context.Context, task schemas.Task) (*schemas.RunEnvelope, error) {
	target, err := session.NormalizeTarget(task.Target)
	if err != nil {
		return nil, err
	}
	calls := w.Calls(target.Hostname(), task.Scriptlets)

	switch task.Type {
	case schemas.TaskBrowserNavigate:
		if w.navigator == nil {
			return nil, ErrNoNavigator
		}
		return w.navigator.Navigate(ctx, task, calls)
	case schemas.TaskLoadPage, "":
		return w.loadPage(ctx, task, calls)
	default:
		return nil, fmt.Errorf("unknown task type: %s", task.Type)
	}
}

// Calls combines the rule-assigned scriptlets for hostname with explicit ones.
func (w *PageWorker) Calls(hostname string, explicit []schemas.ScriptletCall) []schemas.ScriptletCall {
	var calls []schemas.ScriptletCall
	if w.rules != nil && hostname != "" {
		calls = append(calls, w.rules.Lookup(hostname)...)
	}
	return append(calls, explicit...)
}

func (w *PageWorker) loadPage(ctx context.Context, task schemas.Task, calls []schemas.ScriptletCall) (*schemas.RunEnvelope, error) {
	s, err := session.NewSession(session.Options{
		Logger:        w.logger.With(zap.String("task_id", task.TaskID)),
		Transport:     w.transport,
		Injector:      w.injector,
		Recorder:      w.recorder,
		Settle:        w.cfg.Page.Settle,
		ScriptTimeout: w.cfg.Page.ScriptTimeout,
		UserAgent:     w.cfg.Page.UserAgent,
		RunID:         task.RunID,
		TaskID:        task.TaskID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	w.logger.Debug("Loading page", zap.String("target", task.Target), zap.Int("scriptlets", len(calls)))
	if err := s.Load(ctx, task.Target, calls); err != nil {
		return nil, err
	}
	envelope := s.Envelope(task.Target)
	return &envelope, nil
}
