// Package jsenv captures everything a scriptlet needs from the realm it is
// injected into: the runtime, the global window, pristine copies of the
// built-ins it relies on, and the sinks for its logs and events.
package jsenv

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

// ErrUnsupported is returned when the realm lacks a capability a scriptlet needs.
var ErrUnsupported = errors.New("unsupported environment")

// Recorder receives interception events as they happen.
type Recorder interface {
	Record(event schemas.InterceptionEvent)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(event schemas.InterceptionEvent)

// Record implements Recorder.
func (f RecorderFunc) Record(event schemas.InterceptionEvent) { f(event) }

// Scheduler runs callbacks on the realm's loop after a delay.
type Scheduler interface {
	SetTimeout(delay time.Duration, fn func()) int64
}

// Options configures an Env.
type Options struct {
	Logger    *zap.Logger
	Recorder  Recorder
	Scheduler Scheduler
	Clock     func() time.Time
	PageURL   string
	RunID     string
	TaskID    string
}

// Env is the view of a realm shared by every scriptlet installed into it.
// It must be created before any page script runs, so that the captured
// intrinsics cannot have been tampered with.
type Env struct {
	Runtime *goja.Runtime
	Window  *goja.Object
	Logger  *zap.Logger

	opts Options

	getOwnPropertyDescriptor goja.Callable
	bind                     goja.Callable
	fnToString               goja.Callable
	jsonParse                goja.Callable
	jsonStringify            goja.Callable

	referenceError *goja.Object
	typeError      *goja.Object
	ctors          map[string]*goja.Object

	bound  map[boundKey]goja.Value
	locals map[any]any
}

type boundKey struct {
	fn, receiver *goja.Object
}

// capturedCtors are looked up once at creation. Missing ones are reported by
// Require rather than at construction.
var capturedCtors = []string{
	"Promise", "XMLHttpRequest", "Response", "Headers", "Request", "Blob",
	"Event", "ErrorEvent", "DOMParser", "ArrayBuffer", "Proxy",
}

// New captures the intrinsics of rt. The realm's globals must already be
// installed.
func New(rt *goja.Runtime, opts Options) (*Env, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = RecorderFunc(func(schemas.InterceptionEvent) {})
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	env := &Env{
		Runtime: rt,
		Window:  rt.GlobalObject(),
		Logger:  opts.Logger,
		opts:    opts,
		ctors:   make(map[string]*goja.Object),
		bound:   make(map[boundKey]goja.Value),
		locals:  make(map[any]any),
	}

	var err error
	objectCtor := rt.Get("Object").ToObject(rt)
	if env.getOwnPropertyDescriptor, err = method(objectCtor, "getOwnPropertyDescriptor"); err != nil {
		return nil, err
	}
	fnProto := rt.Get("Function").ToObject(rt).Get("prototype").ToObject(rt)
	if env.bind, err = method(fnProto, "bind"); err != nil {
		return nil, err
	}
	if env.fnToString, err = method(fnProto, "toString"); err != nil {
		return nil, err
	}
	jsonObj := rt.Get("JSON").ToObject(rt)
	if env.jsonParse, err = method(jsonObj, "parse"); err != nil {
		return nil, err
	}
	if env.jsonStringify, err = method(jsonObj, "stringify"); err != nil {
		return nil, err
	}
	env.referenceError = rt.Get("ReferenceError").ToObject(rt)
	env.typeError = rt.Get("TypeError").ToObject(rt)

	for _, name := range capturedCtors {
		if obj, ok := env.Window.Get(name).(*goja.Object); ok {
			env.ctors[name] = obj
		}
	}
	return env, nil
}

func method(obj *goja.Object, name string) (goja.Callable, error) {
	fn, ok := goja.AssertFunction(obj.Get(name))
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a function", ErrUnsupported, name)
	}
	return fn, nil
}

// Require verifies that each named global was present when the Env was
// created, or is present now for names that are not captured.
func (e *Env) Require(names ...string) error {
	var missing []string
	for _, name := range names {
		if _, ok := e.ctors[name]; ok {
			continue
		}
		v := e.Window.Get(name)
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrUnsupported, strings.Join(missing, ", "))
	}
	return nil
}

// Ctor returns a constructor captured at creation, or nil.
func (e *Env) Ctor(name string) *goja.Object {
	return e.ctors[name]
}

// Construct calls a captured constructor with new.
func (e *Env) Construct(name string, args ...goja.Value) (*goja.Object, error) {
	ctor := e.ctors[name]
	if ctor == nil {
		return nil, fmt.Errorf("%w: missing %s", ErrUnsupported, name)
	}
	return e.Runtime.New(ctor, args...)
}

// Local returns per-realm state stored under key, creating it with init on
// first use. Packages use unexported key types to avoid collisions.
func (e *Env) Local(key any, init func() any) any {
	if v, ok := e.locals[key]; ok {
		return v
	}
	v := init()
	e.locals[key] = v
	return v
}

// -- Events --

// Record emits an interception event stamped with the page's identity.
func (e *Env) Record(scriptlet string, kind schemas.EventKind, target, detail string) {
	e.opts.Recorder.Record(schemas.InterceptionEvent{
		ID:        uuid.NewString(),
		RunID:     e.opts.RunID,
		TaskID:    e.opts.TaskID,
		Timestamp: e.opts.Clock().UTC(),
		PageURL:   e.opts.PageURL,
		Scriptlet: scriptlet,
		Kind:      kind,
		Target:    target,
		Detail:    detail,
	})
}

// Schedule runs fn on the realm's loop after delay. Without a scheduler fn
// never runs.
func (e *Env) Schedule(delay time.Duration, fn func()) {
	if e.opts.Scheduler == nil {
		e.Logger.Debug("No scheduler attached, dropping deferred callback")
		return
	}
	e.opts.Scheduler.SetTimeout(delay, fn)
}

// Now reports the realm's clock.
func (e *Env) Now() time.Time {
	return e.opts.Clock()
}

// -- Errors --

// NewReferenceError creates a ReferenceError from the pristine constructor.
func (e *Env) NewReferenceError(message string) *goja.Object {
	obj, err := e.Runtime.New(e.referenceError, e.Runtime.ToValue(message))
	if err != nil {
		return e.Runtime.NewTypeError(message)
	}
	return obj
}

// NewTypeError creates a TypeError from the pristine constructor.
func (e *Env) NewTypeError(message string) *goja.Object {
	obj, err := e.Runtime.New(e.typeError, e.Runtime.ToValue(message))
	if err != nil {
		return e.Runtime.NewTypeError(message)
	}
	return obj
}

// IsReferenceError reports whether v was created by the pristine
// ReferenceError constructor.
func (e *Env) IsReferenceError(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	proto := e.referenceError.Get("prototype")
	for p := obj.Prototype(); p != nil; p = p.Prototype() {
		if p.SameAs(proto) {
			return true
		}
	}
	return false
}

// -- JSON --

// ParseJSON runs the pristine JSON.parse, bypassing any patches.
func (e *Env) ParseJSON(text string) (goja.Value, error) {
	return e.jsonParse(goja.Undefined(), e.Runtime.ToValue(text))
}

// StringifyJSON runs the pristine JSON.stringify.
func (e *Env) StringifyJSON(v goja.Value) (string, error) {
	out, err := e.jsonStringify(goja.Undefined(), v)
	if err != nil {
		return "", err
	}
	if out == nil || goja.IsUndefined(out) {
		return "", fmt.Errorf("value is not serializable")
	}
	return out.String(), nil
}
