// Package jsexec runs JavaScript against a page realm with timeouts,
// cancellation, and browser-style reporting of uncaught errors.
package jsexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/browser/eventloop"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/browser/jsbind"
)

// DefaultTimeout bounds a single script or settle run when the caller's
// context has no earlier deadline.
const DefaultTimeout = 30 * time.Second

// ErrPromisePending is returned when a script's promise is still pending
// after the loop went idle.
var ErrPromisePending = errors.New("javascript promise did not settle")

// ErrHandled marks a script error that a window error listener canceled.
var ErrHandled = errors.New("error canceled by page handler")

// Runtime is one page realm: a goja VM, the loop that drives it, and the DOM
// bridge bound to it. It is not safe for concurrent use; every method runs
// JavaScript on the calling goroutine.
type Runtime struct {
	vm     *goja.Runtime
	loop   *eventloop.Loop
	bridge *jsbind.DOMBridge
	logger *zap.Logger
}

// NewRuntime binds the DOM to the realm owned by loop. ctx bounds every
// network request made by page script.
func NewRuntime(ctx context.Context, logger *zap.Logger, loop *eventloop.Loop, env jsbind.BrowserEnvironment, opts jsbind.Options) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("jsexec")

	vm := loop.Runtime()
	bridge, err := jsbind.NewDOMBridge(ctx, vm, loop, env, log, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DOM bridge: %w", err)
	}

	return &Runtime{
		vm:     vm,
		loop:   loop,
		bridge: bridge,
		logger: log,
	}, nil
}

// GetBridge returns the associated DOMBridge, allowing the session to update the DOM state.
func (r *Runtime) GetBridge() *jsbind.DOMBridge {
	return r.bridge
}

// VM exposes the underlying goja runtime.
func (r *Runtime) VM() *goja.Runtime {
	return r.vm
}

// Loop returns the event loop driving this realm.
func (r *Runtime) Loop() *eventloop.Loop {
	return r.loop
}

// ExecuteScript runs a JavaScript snippet within the persistent VM environment.
// Args can be passed if the script is structured as a function wrapper. A
// returned promise is awaited by driving the loop.
func (r *Runtime) ExecuteScript(ctx context.Context, script string, args []interface{}) (interface{}, error) {
	stop := r.watch(ctx)

	var result goja.Value
	var err error
	if r.isFunctionWrapper(script) {
		result, err = r.executeFunctionWrapper(script, args)
	} else {
		if len(args) > 0 {
			r.logger.Debug("Arguments provided to ExecuteScript in snippet mode are ignored.")
		}
		result, err = r.vm.RunString(script)
	}
	stop()

	if err != nil {
		return nil, r.wrapError(ctx, err)
	}

	if promise, ok := result.Export().(*goja.Promise); ok {
		return r.waitForPromise(ctx, promise)
	}
	return result.Export(), nil
}

// RunPageScript evaluates a classic page script the way a browser does: a
// syntax or runtime error is reported to window as an ErrorEvent before being
// returned. name appears in stack traces.
func (r *Runtime) RunPageScript(ctx context.Context, name, source string) error {
	prog, err := goja.Compile(name, source, false)
	if err != nil {
		var syntaxErr *goja.CompilerSyntaxError
		if errors.As(err, &syntaxErr) {
			r.reportSyntaxError(syntaxErr)
		}
		return fmt.Errorf("failed to compile %s: %w", name, err)
	}

	stop := r.watch(ctx)
	_, err = r.vm.RunProgram(prog)
	stop()
	if err == nil {
		return nil
	}

	var exc *goja.Exception
	if errors.As(err, &exc) && !r.bridge.ReportError(exc.Value()) {
		return fmt.Errorf("%w: %s", ErrHandled, exc.String())
	}
	return r.wrapError(ctx, err)
}

// Settle drives the event loop until it goes idle, the context ends, or
// budget of virtual time has passed. Callbacks that loop forever are
// interrupted when the context or DefaultTimeout expires.
func (r *Runtime) Settle(ctx context.Context, budget time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout(ctx))
	defer cancel()
	stop := r.watch(ctx)
	err := r.loop.Run(ctx, budget)
	stop()

	if interrupted := r.bridge.TakeInterrupt(); interrupted != nil {
		return fmt.Errorf("javascript execution interrupted: %w", interrupted)
	}
	if err != nil {
		return fmt.Errorf("event loop stopped: %w", err)
	}
	return nil
}

// watch interrupts the VM when ctx ends or the execution timeout passes.
// The returned function stops the watchdog and clears any interrupt it set.
func (r *Runtime) watch(ctx context.Context) func() {
	timeout := r.timeout(ctx)

	// Clear potential stale interrupts from previous executions.
	r.vm.ClearInterrupt()

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			r.logger.Warn("JavaScript execution timeout", zap.Duration("timeout", timeout))
			r.vm.Interrupt(fmt.Sprintf("Execution timeout exceeded (%v)", timeout))
		case <-ctx.Done():
			r.logger.Debug("JavaScript execution context canceled")
			r.vm.Interrupt(ctx.Err().Error())
		case <-done:
		}
	}()

	return func() {
		close(done)
		<-finished
		r.vm.ClearInterrupt()
	}
}

func (r *Runtime) timeout(ctx context.Context) time.Duration {
	timeout := DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout && remaining > 0 {
			timeout = remaining
		}
	}
	return timeout
}

func (r *Runtime) wrapError(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	var exc *goja.Exception
	switch {
	case errors.As(err, &interrupted):
		if ctx.Err() != nil {
			return fmt.Errorf("javascript execution interrupted: %w", ctx.Err())
		}
		return fmt.Errorf("javascript execution interrupted: %w", err)
	case errors.As(err, &exc):
		return fmt.Errorf("javascript exception: %s", exc.String())
	}
	return fmt.Errorf("javascript error: %w", err)
}

func (r *Runtime) reportSyntaxError(syntaxErr *goja.CompilerSyntaxError) {
	ctor, ok := r.vm.Get("SyntaxError").(*goja.Object)
	if !ok {
		return
	}
	errObj, err := r.vm.New(ctor, r.vm.ToValue(syntaxErr.Message))
	if err != nil {
		return
	}
	r.bridge.ReportError(errObj)
}

// isFunctionWrapper uses heuristics to detect common function wrappers.
func (r *Runtime) isFunctionWrapper(script string) bool {
	s := strings.TrimSpace(script)
	if len(s) < 5 {
		return false
	}
	for _, prefix := range []string{"(function", "(async function", "function", "async function", "(()=>", "(() =>", "(async ("} {
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		if s[0] != '(' {
			return true
		}
		// A parenthesized function followed by anything, such as the call
		// of an IIFE, is a snippet.
		end := closingParen(s)
		return end >= 0 && strings.TrimRight(strings.TrimSpace(s[end+1:]), ";") == ""
	}
	return false
}

// closingParen returns the index of the parenthesis that closes s[0], or -1.
// Quoted strings and comments are skipped.
func closingParen(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		case '\'', '"', '`':
			for i++; i < len(s) && s[i] != c; i++ {
				if s[i] == '\\' {
					i++
				}
			}
		case '/':
			if i+1 >= len(s) {
				continue
			}
			switch s[i+1] {
			case '/':
				for i < len(s) && s[i] != '\n' {
					i++
				}
			case '*':
				end := strings.Index(s[i+2:], "*/")
				if end < 0 {
					return -1
				}
				i += end + 3
			}
		}
	}
	return -1
}

// executeFunctionWrapper attempts to evaluate the script and call it as a function.
func (r *Runtime) executeFunctionWrapper(script string, args []interface{}) (goja.Value, error) {
	// Bare declarations are wrapped so that they evaluate to the function.
	if strings.HasPrefix(strings.TrimSpace(script), "function") || strings.HasPrefix(strings.TrimSpace(script), "async function") {
		script = "(" + script + ")"
	}
	prog, err := goja.Compile("", script, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile function wrapper script: %w", err)
	}

	val, err := r.vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}

	fn, ok := goja.AssertFunction(val)
	if !ok {
		return nil, fmt.Errorf("script did not evaluate to a callable function wrapper")
	}

	gojaArgs := make([]goja.Value, len(args))
	for i, arg := range args {
		gojaArgs[i] = r.vm.ToValue(arg)
	}
	return fn(r.vm.GlobalObject(), gojaArgs...)
}

// waitForPromise drives the loop until promise settles.
func (r *Runtime) waitForPromise(ctx context.Context, promise *goja.Promise) (interface{}, error) {
	if promise.State() == goja.PromiseStatePending {
		if err := r.Settle(ctx, DefaultTimeout); err != nil {
			return nil, err
		}
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result().Export(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("javascript promise rejected: %v", promise.Result().Export())
	}
	return nil, ErrPromisePending
}
