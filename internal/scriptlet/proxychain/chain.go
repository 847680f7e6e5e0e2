// Package proxychain interposes on dotted property paths such as
// "document.querySelectorAll" or "a.b.c" without creating intermediate
// objects, without breaking native this-binding and without changing the
// identity of anything the page reads twice.
package proxychain

import (
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
)

// Hooks run before the terminal property is read or written. A hook may
// throw into the page by panicking with a JavaScript value.
type Hooks struct {
	OnGet func()
	OnSet func()
}

func (h Hooks) get() {
	if h.OnGet != nil {
		h.OnGet()
	}
}

func (h Hooks) set() {
	if h.OnSet != nil {
		h.OnSet()
	}
}

type chain struct {
	env   *jsenv.Env
	hooks Hooks
	cache identityCache
}

// Define installs hooks on root.<path>. Interception is best effort: when the
// chain cannot be established nothing is installed and Define returns
// quietly.
func Define(env *jsenv.Env, root *goja.Object, path string, hooks Hooks) {
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			env.Logger.Debug("Refusing to define proxy chain on malformed path", zap.String("path", path))
			return
		}
	}
	c := &chain{env: env, hooks: hooks, cache: identityCache{}}

	var parent *goja.Object
	var parentKey string
	current := root
	for i, part := range parts {
		if i == len(parts)-1 {
			if env.Configurable(current, part) {
				c.defineTerminal(current, part)
				return
			}
			c.wrapNonConfigurable(parent, parentKey, current, part)
			return
		}

		if env.Configurable(current, part) && !env.HasOwn(current, part) {
			c.defineLazy(current, part, parts[i+1:])
			return
		}

		next, ok := current.Get(part).(*goja.Object)
		if !ok {
			env.Logger.Debug("Proxy chain stops at a non-object segment",
				zap.String("path", path), zap.String("segment", part))
			return
		}
		parent, parentKey, current = current, part, next
	}
}

// defineTerminal replaces obj[name] with an accessor that runs the hooks and
// then delegates to whatever was there before: an own accessor, an own value
// or the inherited property.
func (c *chain) defineTerminal(obj *goja.Object, name string) {
	d, own := c.env.OwnDescriptor(obj, name)
	if !own {
		d = c.inherited(obj, name)
	}
	value := d.Value
	if value == nil {
		value = goja.Undefined()
	}
	origGet, hasGet := goja.AssertFunction(d.Get)
	origSet, hasSet := goja.AssertFunction(d.Set)

	getter := c.env.NewFunction("get "+name, 0, func(call goja.FunctionCall) goja.Value {
		c.hooks.get()
		if hasGet {
			v, err := origGet(call.This)
			if err != nil {
				panic(err)
			}
			return v
		}
		return value
	})
	setter := c.env.NewFunction("set "+name, 1, func(call goja.FunctionCall) goja.Value {
		c.hooks.set()
		if hasSet {
			if _, err := origSet(call.This, call.Argument(0)); err != nil {
				panic(err)
			}
			return goja.Undefined()
		}
		value = call.Argument(0)
		return goja.Undefined()
	})

	if err := obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		c.env.Logger.Debug("Could not define terminal accessor", zap.String("property", name), zap.Error(err))
	}
}

// inherited finds name on the prototype chain of obj. Accessors are kept so
// that they run against the original receiver.
func (c *chain) inherited(obj *goja.Object, name string) jsenv.Descriptor {
	for p := obj.Prototype(); p != nil; p = p.Prototype() {
		if d, ok := c.env.OwnDescriptor(p, name); ok {
			if d.Accessor {
				return d
			}
			return jsenv.Descriptor{Value: obj.Get(name)}
		}
	}
	return jsenv.Descriptor{}
}

// defineLazy installs an accessor for a segment that does not exist yet.
// Nothing is created until the page assigns a value; reads of an object value
// return a proxy that continues the chain.
func (c *chain) defineLazy(obj *goja.Object, name string, rest []string) {
	b := &backing{}
	getter := c.env.NewFunction("get "+name, 0, func(goja.FunctionCall) goja.Value {
		return b.load(c, rest)
	})
	setter := c.env.NewFunction("set "+name, 1, func(call goja.FunctionCall) goja.Value {
		b.store(call.Argument(0))
		return goja.Undefined()
	})
	if err := obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		c.env.Logger.Debug("Could not define lazy accessor", zap.String("property", name), zap.Error(err))
	}
}

// wrapNonConfigurable handles a terminal that cannot be redefined by putting
// a proxy in place of its holder.
func (c *chain) wrapNonConfigurable(parent *goja.Object, parentKey string, holder *goja.Object, name string) {
	if parent == nil {
		c.env.Logger.Debug("Terminal property is not configurable and has no holder to wrap", zap.String("property", name))
		return
	}
	proxy := c.proxyFor(holder, []string{name})
	d, ok := c.env.OwnDescriptor(parent, parentKey)
	switch {
	case !ok || d.Configurable:
		if err := parent.DefineDataProperty(parentKey, proxy, flag(!ok || d.Writable), goja.FLAG_TRUE, flag(!ok || d.Enumerable)); err != nil {
			c.env.Logger.Debug("Could not replace holder with proxy", zap.String("property", parentKey), zap.Error(err))
		}
	case d.Writable:
		_ = parent.Set(parentKey, proxy)
	default:
		c.env.Logger.Debug("Holder is frozen, leaving property untouched", zap.String("property", parentKey))
	}
}

// proxyFor returns the cached proxy over target that continues the chain with
// the remaining segments in rest.
func (c *chain) proxyFor(target *goja.Object, rest []string) *goja.Object {
	key := identityKey{target: target, depth: len(rest)}
	if p, ok := c.cache[key]; ok {
		return p
	}
	rt := c.env.Runtime
	proxy := rt.NewProxy(target, &goja.ProxyTrapConfig{
		Get: func(t *goja.Object, prop string, receiver goja.Value) goja.Value {
			value := t.Get(prop)
			if value == nil {
				value = goja.Undefined()
			}
			if len(rest) > 0 && prop == rest[0] {
				if len(rest) == 1 {
					c.hooks.get()
					return c.bindNative(t, prop, value)
				}
				if next, ok := value.(*goja.Object); ok && !c.frozen(t, prop) {
					return c.proxyFor(next, rest[1:])
				}
				return value
			}
			return c.bindNative(t, prop, value)
		},
		Set: func(t *goja.Object, prop string, value goja.Value, receiver goja.Value) bool {
			if len(rest) == 1 && prop == rest[0] {
				c.hooks.set()
			}
			return t.Set(prop, value) == nil
		},
	})
	obj := rt.ToValue(proxy).(*goja.Object)
	c.cache[key] = obj
	return obj
}

// bindNative binds built-in methods to the real target so that they do not
// see the proxy as their receiver. Frozen data properties are returned as-is
// since a proxy must report their exact value.
func (c *chain) bindNative(target *goja.Object, prop string, value goja.Value) goja.Value {
	fn, ok := value.(*goja.Object)
	if !ok || !jsenv.IsFunction(fn) || !c.env.IsNative(fn) {
		return value
	}
	if c.frozen(target, prop) {
		return value
	}
	if name := fn.Get("name"); name != nil && strings.HasPrefix(name.String(), "bound ") {
		return value
	}
	return c.env.Bind(fn, target)
}

// frozen reports whether a proxy over target must return target[prop] as is.
func (c *chain) frozen(target *goja.Object, prop string) bool {
	d, own := c.env.OwnDescriptor(target, prop)
	return own && !d.Accessor && !d.Configurable && !d.Writable
}

func flag(b bool) goja.Flag {
	if b {
		return goja.FLAG_TRUE
	}
	return goja.FLAG_FALSE
}
