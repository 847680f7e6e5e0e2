// Package patch wraps shared functions such as window.fetch or JSON.parse so
// that independent installs stack as a chain of decorators. Each link holds
// the implementation that was current when it was installed and calls it
// through Next, so no install erases the effect of an earlier one.
package patch

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
)

// ErrNotFunction is returned when the property to wrap is not callable.
var ErrNotFunction = errors.New("property is not a function")

// Next calls the implementation a link wraps. Exceptions it raises propagate
// to the calling script.
type Next func(this goja.Value, args ...goja.Value) goja.Value

// Wrapper is the body of a link. It receives the original call and decides
// whether and how to continue down the chain.
type Wrapper func(call goja.FunctionCall, next Next) goja.Value

// Link is one decorator in a chain.
type Link struct {
	Owner *goja.Object
	Name  string
	// Impl is the value installed on Owner. It is a proxy over Prev, so it
	// keeps Prev's name, length and native-looking source text.
	Impl *goja.Object
	// Prev is the implementation that was current at install time.
	Prev *goja.Object
	// Inner is the link that installed Prev, or nil when Prev was not
	// installed by this package.
	Inner *Link
	Depth int
}

type registryKey struct{}

type registry map[*goja.Object]*Link

func links(env *jsenv.Env) registry {
	return env.Local(registryKey{}, func() any { return registry{} }).(registry)
}

// Wrap installs w around owner[name]. The property keeps its attributes.
func Wrap(env *jsenv.Env, owner *goja.Object, name string, w Wrapper) (*Link, error) {
	current, ok := owner.Get(name).(*goja.Object)
	if !ok || !jsenv.IsFunction(current) {
		return nil, fmt.Errorf("%w: %s", ErrNotFunction, name)
	}
	prev, _ := goja.AssertFunction(current)

	next := func(this goja.Value, args ...goja.Value) goja.Value {
		v, err := prev(this, args...)
		if err != nil {
			panic(err)
		}
		return v
	}

	rt := env.Runtime
	proxy := rt.NewProxy(current, &goja.ProxyTrapConfig{
		Apply: func(_ *goja.Object, this goja.Value, args []goja.Value) goja.Value {
			return w(goja.FunctionCall{This: this, Arguments: args}, next)
		},
	})
	impl := rt.ToValue(proxy).(*goja.Object)

	reg := links(env)
	link := &Link{Owner: owner, Name: name, Impl: impl, Prev: current, Inner: reg[current]}
	if link.Inner != nil {
		link.Depth = link.Inner.Depth + 1
	}

	if err := install(env, owner, name, impl); err != nil {
		return nil, err
	}
	reg[impl] = link
	env.Logger.Debug("Patched function", zap.String("name", name), zap.Int("depth", link.Depth))
	return link, nil
}

func install(env *jsenv.Env, owner *goja.Object, name string, impl *goja.Object) error {
	d, own := env.OwnDescriptor(owner, name)
	switch {
	case !own:
		return owner.DefineDataProperty(name, impl, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE)
	case d.Accessor:
		// An accessor installed by another interceptor; assigning goes through
		// its setter.
		return owner.Set(name, impl)
	case d.Configurable:
		return owner.DefineDataProperty(name, impl, flag(d.Writable), goja.FLAG_TRUE, flag(d.Enumerable))
	case d.Writable:
		return owner.Set(name, impl)
	}
	return fmt.Errorf("cannot patch %s: property is frozen", name)
}

// Chain lists the links currently installed on owner[name], outermost first.
func Chain(env *jsenv.Env, owner *goja.Object, name string) []*Link {
	v, ok := owner.Get(name).(*goja.Object)
	if !ok {
		return nil
	}
	var out []*Link
	for link := links(env)[v]; link != nil; link = link.Inner {
		out = append(out, link)
	}
	return out
}

func flag(b bool) goja.Flag {
	if b {
		return goja.FLAG_TRUE
	}
	return goja.FLAG_FALSE
}
