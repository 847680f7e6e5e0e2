// Package jsbind installs the web platform into a goja realm: window,
// document and the DOM over golang.org/x/net/html, events, timers driven by
// the page's event loop, storage, fetch and XMLHttpRequest.
package jsbind

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/browser/eventloop"
)

//go:embed webapi.js
var webapiSource string

var webapiProgram = goja.MustCompile("webapi.js", webapiSource, false)

// BrowserEnvironment is the host side of a page: its network stack and its
// navigation state.
type BrowserEnvironment interface {
	ExecuteFetch(ctx context.Context, req schemas.FetchRequest) (*schemas.FetchResponse, error)
	JSNavigate(targetURL string)
	ResolveURL(targetURL string) (*url.URL, error)
}

// Options tunes what the page can observe about its host.
type Options struct {
	UserAgent string
	Language  string
	Platform  string
	// OnConsole receives every console message after it is logged.
	OnConsole func(level, message string)
	// OnScriptInserted is called when page script connects a <script>
	// element to the document.
	OnScriptInserted func(node *html.Node)
}

// DOMBridge manages the connection between the goja runtime and the Go DOM
// representation. All methods except GetOuterHTML must be called on the
// loop goroutine.
type DOMBridge struct {
	vm     *goja.Runtime
	loop   *eventloop.Loop
	env    BrowserEnvironment
	logger *zap.Logger
	opts   Options
	ctx    context.Context

	// mu guards the node tree; wrappers are only touched on the loop goroutine.
	mu   sync.RWMutex
	root *html.Node

	document      *goja.Object
	currentScript *html.Node
	readyState    string
	pageURL       *url.URL

	nodes   map[*html.Node]*goja.Object
	wrapped map[*goja.Object]*html.Node
	styles  map[*html.Node]goja.Value
	frames  map[*html.Node]goja.Value
	started map[*html.Node]bool

	api    webAPI
	protos prototypes

	local   *Storage
	session *Storage
	cookies *cookieJar

	opened    []string
	uncaught  []string
	reporting bool
	interrupt error
}

// webAPI holds the hooks returned by webapi.js.
type webAPI struct {
	event       goja.Callable
	errorEvent  goja.Callable
	dispatch    goja.Callable
	style       goja.Callable
	frameWindow goja.Callable
}

// NewDOMBridge installs the web platform into vm. ctx bounds every network
// request the page makes.
func NewDOMBridge(ctx context.Context, vm *goja.Runtime, loop *eventloop.Loop, env BrowserEnvironment, logger *zap.Logger, opts Options) (*DOMBridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Language == "" {
		opts.Language = "en-US"
	}
	if opts.Platform == "" {
		opts.Platform = "Win32"
	}
	pageURL, _ := url.Parse("about:blank")

	b := &DOMBridge{
		vm:         vm,
		loop:       loop,
		env:        env,
		logger:     logger.Named("dom_bridge"),
		opts:       opts,
		ctx:        ctx,
		readyState: "loading",
		pageURL:    pageURL,
		nodes:      make(map[*html.Node]*goja.Object),
		wrapped:    make(map[*goja.Object]*html.Node),
		styles:     make(map[*html.Node]goja.Value),
		frames:     make(map[*html.Node]goja.Value),
		started:    make(map[*html.Node]bool),
		local:      NewStorage(),
		session:    NewStorage(),
		cookies:    newCookieJar(),
	}

	if err := b.initializeRuntime(); err != nil {
		return nil, err
	}

	doc, err := html.Parse(strings.NewReader("<html><head></head><body></body></html>"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse empty document: %w", err)
	}
	b.UpdateDOM(doc)
	return b, nil
}

// initializeRuntime evaluates the web API layer and binds the Go-backed
// globals around it.
func (b *DOMBridge) initializeRuntime() error {
	factory, err := b.vm.RunProgram(webapiProgram)
	if err != nil {
		return fmt.Errorf("failed to evaluate web api: %w", err)
	}
	init, ok := goja.AssertFunction(factory)
	if !ok {
		return errors.New("web api did not evaluate to a function")
	}
	exports, err := init(goja.Undefined(), b.natives())
	if err != nil {
		return fmt.Errorf("failed to initialize web api: %w", err)
	}
	if err := b.bindWebAPI(exports.ToObject(b.vm)); err != nil {
		return err
	}

	b.initPrototypes()
	b.initWindow()
	b.initConsole()
	b.initTimers()
	b.initStorage()
	return nil
}

func (b *DOMBridge) bindWebAPI(exports *goja.Object) error {
	hooks := map[string]*goja.Callable{
		"event":       &b.api.event,
		"errorEvent":  &b.api.errorEvent,
		"dispatch":    &b.api.dispatch,
		"style":       &b.api.style,
		"frameWindow": &b.api.frameWindow,
	}
	for name, dst := range hooks {
		fn, ok := goja.AssertFunction(exports.Get(name))
		if !ok {
			return fmt.Errorf("web api is missing %s", name)
		}
		*dst = fn
	}
	protos, ok := exports.Get("prototypes").(*goja.Object)
	if !ok {
		return errors.New("web api is missing prototypes")
	}
	return b.protos.load(protos)
}

// Runtime returns the realm the bridge is bound to.
func (b *DOMBridge) Runtime() *goja.Runtime {
	return b.vm
}

// UpdateDOM replaces the document. Wrappers of the previous tree are dropped.
func (b *DOMBridge) UpdateDOM(root *html.Node) {
	b.mu.Lock()
	b.root = root
	b.mu.Unlock()

	b.nodes = make(map[*html.Node]*goja.Object)
	b.wrapped = make(map[*goja.Object]*html.Node)
	b.styles = make(map[*html.Node]goja.Value)
	b.frames = make(map[*html.Node]goja.Value)
	b.started = make(map[*html.Node]bool)
	b.currentScript = nil
	b.readyState = "loading"

	b.document = b.WrapNode(root).(*goja.Object)
	if err := b.vm.GlobalObject().Set("document", b.document); err != nil {
		b.logger.Error("Failed to set 'document' global", zap.Error(err))
	}
}

// GetDocumentNode returns the root of the current document.
func (b *DOMBridge) GetDocumentNode() *html.Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.root
}

// GetOuterHTML serializes the current document. It is safe to call from any
// goroutine.
func (b *DOMBridge) GetOuterHTML() (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.root == nil {
		return "", nil
	}
	var sb strings.Builder
	if err := html.Render(&sb, b.root); err != nil {
		return "", fmt.Errorf("failed to render document: %w", err)
	}
	return sb.String(), nil
}

// SetURL updates the address reported by window.location and used as the
// base for relative URLs.
func (b *DOMBridge) SetURL(u *url.URL) {
	if u != nil {
		b.pageURL = u
	}
}

// SetCurrentScript sets the element returned by document.currentScript. Pass
// nil once the script has finished.
func (b *DOMBridge) SetCurrentScript(node *html.Node) {
	b.currentScript = node
}

// CurrentScript returns the element set by SetCurrentScript.
func (b *DOMBridge) CurrentScript() *html.Node {
	return b.currentScript
}

// SetReadyState updates document.readyState and fires readystatechange.
func (b *DOMBridge) SetReadyState(state string) {
	if b.readyState == state {
		return
	}
	b.readyState = state
	b.DispatchEventOnNode(b.GetDocumentNode(), "readystatechange")
}

// ClaimScript marks a script element as started. It returns false when the
// script already ran or is running.
func (b *DOMBridge) ClaimScript(node *html.Node) bool {
	if b.started[node] {
		return false
	}
	b.started[node] = true
	return true
}

// LocalStorage exposes window.localStorage to the host.
func (b *DOMBridge) LocalStorage() *Storage { return b.local }

// SessionStorage exposes window.sessionStorage to the host.
func (b *DOMBridge) SessionStorage() *Storage { return b.session }

// OpenedWindows lists the URLs passed to the real window.open.
func (b *DOMBridge) OpenedWindows() []string {
	return append([]string(nil), b.opened...)
}

// UncaughtErrors lists errors that reached the window without a handler
// canceling them.
func (b *DOMBridge) UncaughtErrors() []string {
	return append([]string(nil), b.uncaught...)
}

// TakeInterrupt returns the interrupt that stopped a callback since the last
// call, if any.
func (b *DOMBridge) TakeInterrupt() error {
	err := b.interrupt
	b.interrupt = nil
	return err
}

// -- Events and errors --

// DispatchEventOnNode fires a plain, non-cancelable event on the wrapper of node.
func (b *DOMBridge) DispatchEventOnNode(node *html.Node, eventType string) {
	if node == nil {
		return
	}
	target, ok := b.WrapNode(node).(*goja.Object)
	if !ok {
		return
	}
	b.DispatchEvent(target, eventType)
}

// DispatchEvent fires a plain, non-cancelable event on target and reports
// whether it was not canceled.
func (b *DOMBridge) DispatchEvent(target *goja.Object, eventType string) bool {
	ev, err := b.api.event(goja.Undefined(), b.vm.ToValue(eventType))
	if err != nil {
		b.logger.Error("Failed to create event", zap.String("type", eventType), zap.Error(err))
		return true
	}
	res, err := b.api.dispatch(goja.Undefined(), target, ev)
	if err != nil {
		b.HandleCallbackError(err)
		return true
	}
	return res.ToBoolean()
}

// ReportError delivers an uncaught exception to the window as a cancelable
// ErrorEvent. It is logged only when no handler called preventDefault, and
// it reports whether the error went unhandled.
func (b *DOMBridge) ReportError(errVal goja.Value) bool {
	message := b.describe(errVal)
	if b.reporting {
		b.logger.Warn("Error thrown while reporting an error", zap.String("message", message))
		return true
	}
	b.reporting = true
	defer func() { b.reporting = false }()

	init := b.vm.NewObject()
	_ = init.Set("message", message)
	_ = init.Set("error", errVal)
	_ = init.Set("cancelable", true)
	if b.currentScript != nil {
		_ = init.Set("filename", b.scriptURL(b.currentScript))
	}

	notCanceled := true
	if ev, err := b.api.errorEvent(goja.Undefined(), init); err == nil {
		res, err := b.api.dispatch(goja.Undefined(), b.vm.GlobalObject(), ev)
		if err == nil {
			notCanceled = res.ToBoolean()
		}
	}
	if !notCanceled {
		b.logger.Debug("Page error canceled by handler", zap.String("message", message))
		return false
	}
	b.logger.Warn("Uncaught exception in page script", zap.String("message", message))
	b.uncaught = append(b.uncaught, message)
	return true
}

// HandleCallbackError routes an error returned from a callback the bridge
// invoked on behalf of the loop.
func (b *DOMBridge) HandleCallbackError(err error) {
	var exc *goja.Exception
	var interrupted *goja.InterruptedError
	switch {
	case errors.As(err, &interrupted):
		b.logger.Debug("Callback interrupted", zap.Error(err))
		b.interrupt = err
	case errors.As(err, &exc):
		b.ReportError(exc.Value())
	default:
		b.logger.Error("Callback failed", zap.Error(err))
	}
}

// invoke calls fn on the loop goroutine and routes its error.
func (b *DOMBridge) invoke(fn goja.Callable, this goja.Value, args ...goja.Value) {
	if fn == nil {
		return
	}
	if _, err := fn(this, args...); err != nil {
		b.HandleCallbackError(err)
	}
}

func (b *DOMBridge) describe(v goja.Value) string {
	var message string
	if exc := b.vm.Try(func() {
		obj, ok := v.(*goja.Object)
		if !ok || obj.Get("message") == nil {
			message = "Uncaught " + v.String()
			return
		}
		name := "Error"
		if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
			name = n.String()
		}
		message = "Uncaught " + name + ": " + obj.Get("message").String()
	}); exc != nil {
		message = "Uncaught exception"
	}
	return message
}

func (b *DOMBridge) throwTypeError(format string, args ...any) {
	panic(b.vm.NewTypeError(fmt.Sprintf(format, args...)))
}
