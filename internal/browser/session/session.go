// Package session loads a page into an embedded JavaScript realm: it fetches
// the document, installs scriptlets before any page script can run, executes
// the page's scripts in document order, fires the load lifecycle, and lets
// timers and network callbacks settle in virtual time.
//
// CONCURRENCY MODEL:
// A Session owns one goja runtime and one event loop. Every JavaScript
// callback, scriptlet hook and DOM mutation runs on the goroutine that calls
// Load. Network requests run in goroutines started through the loop, and
// their completions are posted back to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/browser/eventloop"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/browser/jsbind"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/browser/jsexec"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
)

// Defaults applied to zero Options fields.
const (
	DefaultSettle        = 5 * time.Second
	DefaultScriptTimeout = 10 * time.Second
)

// Injector installs scriptlets into a fresh realm.
type Injector interface {
	Inject(env *jsenv.Env, calls []schemas.ScriptletCall)
}

// Options configures a Session.
type Options struct {
	Logger    *zap.Logger
	Transport Transport
	Injector  Injector
	// Recorder also receives every interception event as it happens.
	Recorder jsenv.Recorder

	// Settle is how much virtual time timers get after the load event.
	Settle        time.Duration
	ScriptTimeout time.Duration
	UserAgent     string
	// Start is the virtual clock origin. Zero means the wall clock at Load.
	Start time.Time

	RunID  string
	TaskID string
}

// ConsoleMessage is one console call made by the page.
type ConsoleMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Session is a single page load. It is not reusable; create one per target.
type Session struct {
	id     string
	logger *zap.Logger
	opts   Options

	harvester *Harvester
	ctx       context.Context
	runtime   *jsexec.Runtime
	bridge    *jsbind.DOMBridge
	env       *jsenv.Env
	pageURL   *url.URL
	deferred  []*html.Node
	inlineSeq int

	// mu guards what the host reads while the page is running.
	mu          sync.Mutex
	events      []schemas.InterceptionEvent
	console     []ConsoleMessage
	navigations []string
	errs        []string
}

// NewSession validates opts and prepares an empty session.
func NewSession(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.New("session requires a transport")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.ScriptTimeout <= 0 {
		opts.ScriptTimeout = DefaultScriptTimeout
	}
	id := uuid.New().String()
	log := opts.Logger.With(zap.String("session_id", id))
	return &Session{
		id:        id,
		logger:    log,
		opts:      opts,
		harvester: NewHarvester(opts.Transport, log),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Load fetches target, installs calls, runs the page and lets it settle.
// Page script errors are not returned; they are reported the way a browser
// reports them and listed by Errors.
func (s *Session) Load(ctx context.Context, target string, calls []schemas.ScriptletCall) error {
	if s.runtime != nil {
		return errors.New("session already loaded a page")
	}
	pageURL, err := NormalizeTarget(target)
	if err != nil {
		return err
	}

	resp, err := s.harvester.ExecuteFetch(WithInitiator(ctx, "document"), schemas.FetchRequest{Method: "GET", URL: pageURL.String()})
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", pageURL, err)
	}
	if resp.Status >= 400 {
		s.logger.Warn("Document responded with an error status", zap.String("url", pageURL.String()), zap.Int("status", resp.Status))
	}
	if final, err := url.Parse(resp.URL); err == nil && resp.URL != "" {
		pageURL = final
	}
	return s.LoadHTML(ctx, pageURL, string(resp.Body), calls)
}

// LoadHTML runs an already fetched document as if it were served from pageURL.
func (s *Session) LoadHTML(ctx context.Context, pageURL *url.URL, document string, calls []schemas.ScriptletCall) error {
	if s.runtime != nil {
		return errors.New("session already loaded a page")
	}
	doc, err := html.Parse(strings.NewReader(document))
	if err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}
	s.ctx = ctx
	s.pageURL = pageURL

	start := s.opts.Start
	if start.IsZero() {
		start = time.Now()
	}
	loop := eventloop.New(s.logger, start)
	s.runtime, err = jsexec.NewRuntime(ctx, s.logger, loop, s, jsbind.Options{
		UserAgent:        s.opts.UserAgent,
		OnConsole:        s.captureConsole,
		OnScriptInserted: s.onScriptInserted,
	})
	if err != nil {
		return fmt.Errorf("failed to create page runtime: %w", err)
	}
	s.bridge = s.runtime.GetBridge()
	s.bridge.SetURL(pageURL)
	s.bridge.UpdateDOM(doc)

	s.env, err = jsenv.New(s.runtime.VM(), jsenv.Options{
		Logger:    s.logger.Named("scriptlet"),
		Recorder:  jsenv.RecorderFunc(s.record),
		Scheduler: loop,
		Clock:     loop.Now,
		PageURL:   pageURL.String(),
		RunID:     s.opts.RunID,
		TaskID:    s.opts.TaskID,
	})
	if err != nil {
		return fmt.Errorf("failed to capture realm intrinsics: %w", err)
	}
	if s.opts.Injector != nil && len(calls) > 0 {
		s.opts.Injector.Inject(s.env, calls)
	}

	s.logger.Debug("Running page", zap.String("url", pageURL.String()), zap.Int("scriptlets", len(calls)))
	s.executePageScripts(doc)

	s.bridge.SetReadyState("interactive")
	for _, node := range s.deferred {
		s.runScript(node)
	}
	s.deferred = nil
	s.bridge.DispatchEventOnNode(doc, "DOMContentLoaded")

	s.bridge.SetReadyState("complete")
	s.bridge.DispatchEvent(s.runtime.VM().GlobalObject(), "load")

	if err := s.runtime.Settle(ctx, s.opts.Settle); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("page did not settle: %w", err)
		}
		s.addError(err)
	}
	return nil
}

// executePageScripts runs parser-inserted scripts in document order. Deferred
// and async scripts are queued until parsing is done.
func (s *Session) executePageScripts(doc *html.Node) {
	gqDoc := goquery.NewDocumentFromNode(doc)
	gqDoc.Find("script").Each(func(i int, sel *goquery.Selection) {
		node := sel.Get(0)
		if !isClassicScript(sel) {
			return
		}
		_, hasSrc := sel.Attr("src")
		_, isDefer := sel.Attr("defer")
		_, isAsync := sel.Attr("async")
		if hasSrc && (isDefer || isAsync) {
			s.deferred = append(s.deferred, node)
			return
		}
		s.runScript(node)
	})
}

func isClassicScript(sel *goquery.Selection) bool {
	scriptType, _ := sel.Attr("type")
	switch strings.ToLower(strings.TrimSpace(scriptType)) {
	case "", "text/javascript", "application/javascript", "module":
		return true
	}
	return false
}

// runScript executes one script element synchronously, fetching it first if
// it is external.
func (s *Session) runScript(node *html.Node) {
	if !s.bridge.ClaimScript(node) {
		return
	}
	sel := goquery.NewDocumentFromNode(node).Selection
	if src, ok := sel.Attr("src"); ok {
		resolved, err := s.ResolveURL(src)
		if err != nil {
			s.logger.Warn("Failed to resolve external script URL", zap.String("src", src), zap.Error(err))
			s.bridge.DispatchEventOnNode(node, "error")
			return
		}
		resp, err := s.harvester.ExecuteFetch(WithInitiator(s.ctx, "script"), schemas.FetchRequest{Method: "GET", URL: resolved.String()})
		s.finishExternal(node, resolved.String(), resp, err)
		return
	}
	s.evaluate(node, s.inlineName(), sel.Text())
}

// onScriptInserted handles scripts added by page script. Inline scripts run
// immediately; external ones are fetched off the loop and run when they
// arrive.
func (s *Session) onScriptInserted(node *html.Node) {
	sel := goquery.NewDocumentFromNode(node).Selection
	if !isClassicScript(sel) {
		return
	}
	src, external := sel.Attr("src")
	if !external {
		if strings.TrimSpace(sel.Text()) == "" {
			return
		}
		if s.bridge.ClaimScript(node) {
			s.evaluate(node, s.inlineName(), sel.Text())
		}
		return
	}
	if !s.bridge.ClaimScript(node) {
		return
	}
	resolved, err := s.ResolveURL(src)
	if err != nil {
		s.runtime.Loop().Post(func() { s.bridge.DispatchEventOnNode(node, "error") })
		return
	}
	ctx := WithInitiator(s.ctx, "script")
	s.runtime.Loop().Go(func() func() {
		resp, err := s.harvester.ExecuteFetch(ctx, schemas.FetchRequest{Method: "GET", URL: resolved.String()})
		return func() { s.finishExternal(node, resolved.String(), resp, err) }
	})
}

func (s *Session) finishExternal(node *html.Node, name string, resp *schemas.FetchResponse, err error) {
	if err != nil || resp.Status < 200 || resp.Status >= 300 {
		if err != nil {
			s.logger.Warn("Failed to fetch external script", zap.String("url", name), zap.Error(err))
		} else {
			s.logger.Debug("External script responded with an error status", zap.String("url", name), zap.Int("status", resp.Status))
		}
		s.bridge.DispatchEventOnNode(node, "error")
		return
	}
	s.evaluate(node, name, string(resp.Body))
	s.bridge.DispatchEventOnNode(node, "load")
}

// evaluate runs source with node as document.currentScript.
func (s *Session) evaluate(node *html.Node, name, source string) {
	previous := s.bridge.CurrentScript()
	s.bridge.SetCurrentScript(node)
	defer s.bridge.SetCurrentScript(previous)

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.ScriptTimeout)
	defer cancel()
	err := s.runtime.RunPageScript(ctx, name, source)
	switch {
	case errors.Is(err, jsexec.ErrHandled):
		s.logger.Debug("Page script stopped by a handled error", zap.String("script", name), zap.Error(err))
	case err != nil:
		s.logger.Debug("Page script failed", zap.String("script", name), zap.Error(err))
		s.addError(err)
	}
}

func (s *Session) inlineName() string {
	s.inlineSeq++
	if s.inlineSeq == 1 {
		return s.pageURL.String()
	}
	return s.pageURL.String() + "#inline-" + strconv.Itoa(s.inlineSeq)
}

// -- BrowserEnvironment --

// ExecuteFetch sends a page request through the harvested transport.
func (s *Session) ExecuteFetch(ctx context.Context, req schemas.FetchRequest) (*schemas.FetchResponse, error) {
	resolved, err := s.ResolveURL(req.URL)
	if err != nil {
		return nil, err
	}
	req.URL = resolved.String()
	return s.harvester.ExecuteFetch(ctx, req)
}

// JSNavigate records a navigation requested by the page. The session stays
// on the loaded document.
func (s *Session) JSNavigate(targetURL string) {
	s.mu.Lock()
	s.navigations = append(s.navigations, targetURL)
	s.mu.Unlock()
	s.logger.Info("Page requested navigation", zap.String("url", targetURL))
}

// ResolveURL resolves targetURL against the page address.
func (s *Session) ResolveURL(targetURL string) (*url.URL, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(targetURL))
	if err != nil {
		return nil, err
	}
	if s.pageURL != nil {
		return s.pageURL.ResolveReference(parsedURL), nil
	}
	if !parsedURL.IsAbs() {
		return nil, fmt.Errorf("must be an absolute URL: %s", targetURL)
	}
	return parsedURL, nil
}

var _ jsbind.BrowserEnvironment = (*Session)(nil)

// -- Artifacts --

func (s *Session) record(event schemas.InterceptionEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	if s.opts.Recorder != nil {
		s.opts.Recorder.Record(event)
	}
}

func (s *Session) captureConsole(level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.console = append(s.console, ConsoleMessage{Level: level, Message: message})
}

func (s *Session) addError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err.Error())
}

// Events returns the interception events recorded so far.
func (s *Session) Events() []schemas.InterceptionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schemas.InterceptionEvent(nil), s.events...)
}

// Requests returns the requests that reached the transport.
func (s *Session) Requests() []schemas.RequestRecord {
	return s.harvester.Records()
}

// Console returns the page's console output.
func (s *Session) Console() []ConsoleMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConsoleMessage(nil), s.console...)
}

// Navigations lists the URLs the page tried to navigate to.
func (s *Session) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigations...)
}

// Errors lists page script failures.
func (s *Session) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errs...)
}

// Runtime returns the page realm, or nil before Load.
func (s *Session) Runtime() *jsexec.Runtime {
	return s.runtime
}

// Env returns the scriptlet environment, or nil before Load.
func (s *Session) Env() *jsenv.Env {
	return s.env
}

// Envelope packages everything the page produced.
func (s *Session) Envelope(target string) schemas.RunEnvelope {
	return schemas.RunEnvelope{
		RunID:     s.opts.RunID,
		TaskID:    s.opts.TaskID,
		Target:    target,
		Timestamp: time.Now().UTC(),
		Events:    s.Events(),
		Requests:  s.Requests(),
		Errors:    s.Errors(),
	}
}

// GetDOMSnapshot serializes the current document.
func (s *Session) GetDOMSnapshot() (string, error) {
	if s.bridge == nil {
		return "", errors.New("no page loaded")
	}
	return s.bridge.GetOuterHTML()
}

// NormalizeTarget accepts http(s) and file URLs, and paths to local files.
func NormalizeTarget(target string) (*url.URL, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.New("empty target")
	}
	if u, err := url.Parse(target); err == nil {
		switch u.Scheme {
		case "http", "https", "file":
			return u, nil
		}
	}
	if _, err := os.Stat(target); err != nil {
		return nil, fmt.Errorf("target %q is neither a URL nor a readable file: %w", target, err)
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", target, err)
	}
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}, nil
}
