package cdpnet

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
)

// actions are the Fetch domain commands the interceptor issues.
type actions interface {
	ContinueRequest(ctx context.Context, id fetch.RequestID) error
	ContinueResponse(ctx context.Context, id fetch.RequestID) error
	FailRequest(ctx context.Context, id fetch.RequestID) error
	Fulfill(ctx context.Context, id fetch.RequestID, status int64, headers []*fetch.HeaderEntry, body []byte) error
	ResponseBody(ctx context.Context, id fetch.RequestID) ([]byte, error)
}

// interceptor resolves paused requests against a policy and records what it
// did as interception events.
type interceptor struct {
	policy   *Policy
	actions  actions
	logger   *zap.Logger
	task     schemas.Task
	recorder jsenv.Recorder
	clock    func() time.Time

	mu     sync.Mutex
	events []schemas.InterceptionEvent
}

func newInterceptor(policy *Policy, acts actions, task schemas.Task, recorder jsenv.Recorder, logger *zap.Logger) *interceptor {
	return &interceptor{
		policy:   policy,
		actions:  acts,
		logger:   logger,
		task:     task,
		recorder: recorder,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

func (i *interceptor) record(scriptlet string, kind schemas.EventKind, target, detail string) {
	event := schemas.InterceptionEvent{
		ID:        uuid.NewString(),
		RunID:     i.task.RunID,
		TaskID:    i.task.TaskID,
		Timestamp: i.clock(),
		PageURL:   i.task.Target,
		Scriptlet: scriptlet,
		Kind:      kind,
		Target:    target,
		Detail:    detail,
	}
	i.mu.Lock()
	i.events = append(i.events, event)
	i.mu.Unlock()
	if i.recorder != nil {
		i.recorder.Record(event)
	}
}

// Events returns the events recorded so far.
func (i *interceptor) Events() []schemas.InterceptionEvent {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]schemas.InterceptionEvent(nil), i.events...)
}

func resourceOf(t network.ResourceType) Resource {
	switch t {
	case network.ResourceTypeFetch:
		return ResourceFetch
	case network.ResourceTypeXHR:
		return ResourceXHR
	default:
		return ""
	}
}

// handle resolves one paused request. Every paused request must be resumed,
// so each path ends in exactly one Fetch command.
func (i *interceptor) handle(ctx context.Context, ev *fetch.EventRequestPaused) {
	if ev.Request == nil {
		return
	}
	req := Request{URL: ev.Request.URL, Method: ev.Request.Method, Resource: resourceOf(ev.ResourceType)}
	responseStage := ev.ResponseStatusCode != 0 || ev.ResponseErrorReason != ""

	var err error
	if responseStage {
		err = i.handleResponse(ctx, ev, req)
	} else {
		err = i.handleRequest(ctx, ev, req)
	}
	if err != nil && ctx.Err() == nil {
		i.logger.Warn("Failed to resolve paused request", zap.String("url", req.URL), zap.Error(err))
	}
}

func (i *interceptor) handleRequest(ctx context.Context, ev *fetch.EventRequestPaused, req Request) error {
	f, ok := i.policy.OnRequest(req)
	if !ok {
		return i.actions.ContinueRequest(ctx, ev.RequestID)
	}
	i.logger.Info("Prevented request", zap.String("scriptlet", f.Scriptlet), zap.String("url", req.URL))
	i.record(f.Scriptlet, schemas.EventBlocked, req.URL, string(req.Resource))
	if f.Status == 0 {
		return i.actions.FailRequest(ctx, ev.RequestID)
	}
	headers := []*fetch.HeaderEntry{
		{Name: "Content-Length", Value: strconv.Itoa(len(f.Body))},
		{Name: "Access-Control-Allow-Origin", Value: "*"},
	}
	if f.ContentType != "" {
		headers = append(headers, &fetch.HeaderEntry{Name: "Content-Type", Value: f.ContentType})
	}
	return i.actions.Fulfill(ctx, ev.RequestID, int64(f.Status), headers, f.Body)
}

func (i *interceptor) handleResponse(ctx context.Context, ev *fetch.EventRequestPaused, req Request) error {
	if ev.ResponseErrorReason != "" || !i.policy.MatchesResponse(req) {
		return i.actions.ContinueResponse(ctx, ev.RequestID)
	}
	body, err := i.actions.ResponseBody(ctx, ev.RequestID)
	if err != nil {
		i.logger.Debug("Response body unavailable, passing through", zap.String("url", req.URL), zap.Error(err))
		return i.actions.ContinueResponse(ctx, ev.RequestID)
	}
	pruned, by := i.policy.OnResponse(req, body)
	if len(by) == 0 {
		return i.actions.ContinueResponse(ctx, ev.RequestID)
	}
	for _, scriptlet := range by {
		i.record(scriptlet, schemas.EventPruned, req.URL, string(req.Resource))
	}

	headers := make([]*fetch.HeaderEntry, 0, len(ev.ResponseHeaders))
	for _, h := range ev.ResponseHeaders {
		switch {
		case strings.EqualFold(h.Name, "content-length"), strings.EqualFold(h.Name, "content-encoding"):
			// The body handed back is decoded and has a new length.
		default:
			headers = append(headers, h)
		}
	}
	headers = append(headers, &fetch.HeaderEntry{Name: "Content-Length", Value: strconv.Itoa(len(pruned))})
	return i.actions.Fulfill(ctx, ev.RequestID, ev.ResponseStatusCode, headers, pruned)
}

// encodeBody is the base64 form FulfillRequest expects.
func encodeBody(body []byte) string {
	return base64.StdEncoding.EncodeToString(body)
}
