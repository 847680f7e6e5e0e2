// Package scriptlet holds the scriptlets themselves and the registry that
// dispatches named invocations to them. Each scriptlet parses its string
// arguments completely before touching the realm, so a configuration error
// leaves the page exactly as it was.
package scriptlet

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
)

// ErrInvalidArgument is returned for arguments that are missing or outside a
// scriptlet's vocabulary.
var ErrInvalidArgument = errors.New("invalid argument")

// Func installs one scriptlet into the realm behind s.
type Func func(s *Scope, args Args) error

// Args are the positional string arguments of an invocation.
type Args []string

// Get returns argument i, or "" when it was not given.
func (a Args) Get(i int) string {
	if i < len(a) {
		return a[i]
	}
	return ""
}

// Has reports whether argument i was given, even if empty.
func (a Args) Has(i int) bool {
	return i < len(a)
}

// Scope is the view one install has of the realm.
type Scope struct {
	Env    *jsenv.Env
	Name   string
	Logger *zap.Logger
}

// Record emits an interception event attributed to this scriptlet.
func (s *Scope) Record(kind schemas.EventKind, target, detail string) {
	s.Env.Record(s.Name, kind, target, detail)
}

// Runtime is shorthand for the realm's goja runtime.
func (s *Scope) Runtime() *goja.Runtime {
	return s.Env.Runtime
}

// invoke calls obj[method] with obj as receiver.
func (s *Scope) invoke(obj *goja.Object, method string, args ...goja.Value) (goja.Value, error) {
	fn, ok := goja.AssertFunction(obj.Get(method))
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a function", jsenv.ErrUnsupported, method)
	}
	return fn(obj, args...)
}

// mustInvoke is invoke for code already running inside a hook, where an
// exception belongs to the calling script.
func (s *Scope) mustInvoke(obj *goja.Object, method string, args ...goja.Value) goja.Value {
	v, err := s.invoke(obj, method, args...)
	if err != nil {
		panic(err)
	}
	return v
}

// resolved wraps v in a promise from the pristine Promise constructor.
func (s *Scope) resolved(v goja.Value) goja.Value {
	return s.mustInvoke(s.Env.Ctor("Promise"), "resolve", v)
}

// rejected is the rejecting counterpart of resolved.
func (s *Scope) rejected(v goja.Value) goja.Value {
	return s.mustInvoke(s.Env.Ctor("Promise"), "reject", v)
}

// then chains onFulfilled onto promise. A panic inside onFulfilled rejects
// the returned promise.
func (s *Scope) then(promise goja.Value, onFulfilled func(goja.Value) goja.Value) goja.Value {
	obj, ok := promise.(*goja.Object)
	if !ok {
		return promise
	}
	cb := s.Env.NewFunction("", 1, func(call goja.FunctionCall) goja.Value {
		return onFulfilled(call.Argument(0))
	})
	return s.mustInvoke(obj, "then", cb)
}

// dispatch fires a plain event of type on target.
func (s *Scope) dispatch(target *goja.Object, eventType string) {
	event, err := s.Env.Construct("Event", s.Runtime().ToValue(eventType))
	if err != nil {
		s.Logger.Debug("Could not create event", zap.String("type", eventType), zap.Error(err))
		return
	}
	if _, err := s.invoke(target, "dispatchEvent", event); err != nil {
		s.Logger.Debug("Event listener threw", zap.String("type", eventType), zap.Error(err))
	}
}

// noop returns a named function that does nothing.
func (s *Scope) noop(name string) *goja.Object {
	return s.Env.NewFunction(name, 0, func(goja.FunctionCall) goja.Value { return goja.Undefined() })
}

// constant returns a function that always returns v.
func (s *Scope) constant(v goja.Value) *goja.Object {
	return s.Env.NewFunction("", 0, func(goja.FunctionCall) goja.Value { return v })
}

// document returns window.document, or nil when the realm has none.
func (s *Scope) document() *goja.Object {
	doc, _ := s.Env.Window.Get("document").(*goja.Object)
	return doc
}

func isString(v goja.Value) bool {
	if v == nil {
		return false
	}
	_, ok := v.Export().(string)
	return ok
}
