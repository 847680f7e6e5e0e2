package cdpnet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/config"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
)

// cdpActions issues Fetch commands on the tab bound to its context.
type cdpActions struct{}

// executor returns a context that sends commands to the current target. It
// is needed because event listeners run outside chromedp.Run.
func executor(ctx context.Context) context.Context {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return ctx
	}
	return cdp.WithExecutor(ctx, c.Target)
}

func (cdpActions) ContinueRequest(ctx context.Context, id fetch.RequestID) error {
	return fetch.ContinueRequest(id).Do(executor(ctx))
}

func (cdpActions) ContinueResponse(ctx context.Context, id fetch.RequestID) error {
	return fetch.ContinueResponse(id).Do(executor(ctx))
}

func (cdpActions) FailRequest(ctx context.Context, id fetch.RequestID) error {
	return fetch.FailRequest(id, network.ErrorReasonBlockedByClient).Do(executor(ctx))
}

func (cdpActions) Fulfill(ctx context.Context, id fetch.RequestID, status int64, headers []*fetch.HeaderEntry, body []byte) error {
	return fetch.FulfillRequest(id, status).
		WithResponseHeaders(headers).
		WithBody(encodeBody(body)).
		Do(executor(ctx))
}

func (cdpActions) ResponseBody(ctx context.Context, id fetch.RequestID) ([]byte, error) {
	return fetch.GetResponseBody(id).Do(executor(ctx))
}

// Navigator loads tasks in Chrome with the network-level scriptlets applied.
type Navigator struct {
	cfg      config.CDPConfig
	settle   time.Duration
	logger   *zap.Logger
	recorder jsenv.Recorder
}

// NewNavigator creates a navigator. settle is how long the page may keep
// issuing requests after the load event.
func NewNavigator(cfg config.CDPConfig, settle time.Duration, logger *zap.Logger) *Navigator {
	return &Navigator{cfg: cfg, settle: settle, logger: logger.Named("cdpnet")}
}

// SetRecorder streams events to recorder as they happen.
func (n *Navigator) SetRecorder(recorder jsenv.Recorder) {
	n.recorder = recorder
}

// allocatorOptions configures the flags for the browser executable.
func (n *Navigator) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !n.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if n.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(n.cfg.ExecPath))
	}
	return append(opts,
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", n.cfg.Headless),
	)
}

// patterns lists the stages Chrome should pause script requests at.
func patterns(policy *Policy) []*fetch.RequestPattern {
	var out []*fetch.RequestPattern
	for _, rt := range []network.ResourceType{network.ResourceTypeFetch, network.ResourceTypeXHR} {
		out = append(out, &fetch.RequestPattern{URLPattern: "*", ResourceType: rt, RequestStage: fetch.RequestStageRequest})
		if policy.InterceptsResponses() {
			out = append(out, &fetch.RequestPattern{URLPattern: "*", ResourceType: rt, RequestStage: fetch.RequestStageResponse})
		}
	}
	return out
}

// Navigate opens task.Target in a fresh browser with calls applied.
func (n *Navigator) Navigate(ctx context.Context, task schemas.Task, calls []schemas.ScriptletCall) (*schemas.RunEnvelope, error) {
	logger := n.logger.With(zap.String("task_id", task.TaskID), zap.String("target", task.Target))
	policy, rejected := Compile(calls)
	icpt := newInterceptor(policy, cdpActions{}, task, n.recorder, logger)

	for _, r := range rejected {
		logger.Warn("Scriptlet not installed", zap.String("scriptlet", r.Call.Name), zap.Strings("args", r.Call.Args), zap.Error(r.Err))
		icpt.record(r.Call.Name, schemas.EventRejected, r.Call.Name, r.Err.Error())
	}
	for _, c := range policy.Applied() {
		icpt.record(c.Name, schemas.EventInjected, c.Name, strings.Join(c.Args, ", "))
	}
	for _, c := range policy.PageOnly() {
		logger.Debug("Scriptlet has no network-level effect in browser mode", zap.String("scriptlet", c.Name))
	}

	timeout := n.cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(runCtx, n.allocatorOptions()...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Sugar().Debugf))
	defer cancelTab()

	var errs []string

	tasks := chromedp.Tasks{}
	if !policy.Empty() {
		chromedp.ListenTarget(tabCtx, func(ev interface{}) {
			if paused, ok := ev.(*fetch.EventRequestPaused); ok {
				// Commands cannot be issued from the listener goroutine itself.
				go icpt.handle(tabCtx, paused)
			}
		})
		tasks = append(tasks, fetch.Enable().WithPatterns(patterns(policy)))
	}
	tasks = append(tasks, chromedp.Navigate(task.Target))
	if n.settle > 0 {
		tasks = append(tasks, chromedp.Sleep(n.settle))
	}

	logger.Info("Navigating", zap.Int("network_rules", len(policy.Applied())))
	if err := chromedp.Run(tabCtx, tasks); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, fmt.Sprintf("navigation failed: %v", err))
		logger.Warn("Navigation did not complete", zap.Error(err))
	}

	return &schemas.RunEnvelope{
		RunID:     task.RunID,
		TaskID:    task.TaskID,
		Target:    task.Target,
		Timestamp: time.Now().UTC(),
		Events:    icpt.Events(),
		Errors:    errs,
	}, nil
}
