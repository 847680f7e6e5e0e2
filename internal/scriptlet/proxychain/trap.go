package proxychain

import (
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
)

// Terminal decides what a trapped property reports, given the value it would
// report without the trap.
type Terminal func(original goja.Value) goja.Value

type trapKey struct {
	owner *goja.Object
	depth int
}

type trap struct {
	env      *jsenv.Env
	terminal Terminal
	trapped  map[trapKey]struct{}
}

// Trap redefines every segment of root.<path> as an accessor. Intermediate
// setters re-trap whatever object is assigned, so the terminal keeps
// reporting through terminal even after the page replaces the root object.
// Existing accessors are wrapped and still run.
func Trap(env *jsenv.Env, root *goja.Object, path string, terminal Terminal) {
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			env.Logger.Debug("Refusing to trap malformed path", zap.String("path", path))
			return
		}
	}
	t := &trap{env: env, terminal: terminal, trapped: map[trapKey]struct{}{}}
	t.chain(root, parts)
}

func (t *trap) chain(owner *goja.Object, parts []string) {
	key := trapKey{owner: owner, depth: len(parts)}
	if _, done := t.trapped[key]; done {
		return
	}
	t.trapped[key] = struct{}{}

	if len(parts) == 1 {
		t.prop(owner, parts[0])
		return
	}
	name, rest := parts[0], parts[1:]
	follow := func(v goja.Value) {
		if next, ok := v.(*goja.Object); ok {
			t.chain(next, rest)
		}
	}

	d, own := t.env.OwnDescriptor(owner, name)
	switch {
	case own && !d.Configurable:
		follow(owner.Get(name))
	case own && d.Accessor:
		origGet, hasGet := goja.AssertFunction(d.Get)
		origSet, hasSet := goja.AssertFunction(d.Set)
		t.define(owner, name, d.Enumerable,
			func(this goja.Value) goja.Value {
				if !hasGet {
					return goja.Undefined()
				}
				v := call(origGet, this)
				follow(v)
				return v
			},
			func(this, v goja.Value) {
				if hasSet {
					call(origSet, this, v)
				}
				follow(v)
			})
		follow(owner.Get(name))
	default:
		var value goja.Value = goja.Undefined()
		if own {
			value = d.Value
		}
		follow(value)
		t.define(owner, name, !own || d.Enumerable,
			func(goja.Value) goja.Value { return value },
			func(_, v goja.Value) {
				value = v
				follow(v)
			})
	}
}

func (t *trap) prop(owner *goja.Object, name string) {
	d, own := t.env.OwnDescriptor(owner, name)
	switch {
	case own && !d.Configurable:
		t.env.Logger.Debug("Cannot trap non-configurable property", zap.String("property", name))
	case own && d.Accessor:
		origGet, hasGet := goja.AssertFunction(d.Get)
		origSet, hasSet := goja.AssertFunction(d.Set)
		t.define(owner, name, d.Enumerable,
			func(this goja.Value) goja.Value {
				var original goja.Value = goja.Undefined()
				if hasGet {
					original = call(origGet, this)
				}
				return t.terminal(original)
			},
			func(this, v goja.Value) {
				if hasSet {
					call(origSet, this, v)
				}
			})
	default:
		var value goja.Value = goja.Undefined()
		if own {
			value = d.Value
		}
		t.define(owner, name, !own || d.Enumerable,
			func(goja.Value) goja.Value { return t.terminal(value) },
			func(_, v goja.Value) { value = v })
	}
}

func (t *trap) define(owner *goja.Object, name string, enumerable bool, get func(this goja.Value) goja.Value, set func(this, v goja.Value)) {
	getter := t.env.NewFunction("get "+name, 0, func(c goja.FunctionCall) goja.Value {
		return get(c.This)
	})
	setter := t.env.NewFunction("set "+name, 1, func(c goja.FunctionCall) goja.Value {
		set(c.This, c.Argument(0))
		return goja.Undefined()
	})
	if err := owner.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, flag(enumerable)); err != nil {
		t.env.Logger.Debug("Could not trap property", zap.String("property", name), zap.Error(err))
	}
}

// call invokes fn and rethrows its exception into the calling script.
func call(fn goja.Callable, this goja.Value, args ...goja.Value) goja.Value {
	v, err := fn(this, args...)
	if err != nil {
		panic(err)
	}
	return v
}
