package jsenv

import (
	"strings"

	"github.com/dop251/goja"
)

// Descriptor is a decoded property descriptor.
type Descriptor struct {
	Value        goja.Value
	Get, Set     goja.Value
	Writable     bool
	Configurable bool
	Enumerable   bool
	Accessor     bool
}

// OwnDescriptor reads the own property descriptor of obj[name] through the
// pristine Object.getOwnPropertyDescriptor. Proxies see their trap invoked.
func (e *Env) OwnDescriptor(obj *goja.Object, name string) (Descriptor, bool) {
	var d Descriptor
	res, err := e.getOwnPropertyDescriptor(goja.Undefined(), obj, e.Runtime.ToValue(name))
	if err != nil || res == nil || goja.IsUndefined(res) {
		return d, false
	}
	desc := res.ToObject(e.Runtime)
	d.Configurable = desc.Get("configurable").ToBoolean()
	d.Enumerable = desc.Get("enumerable").ToBoolean()
	get, set := desc.Get("get"), desc.Get("set")
	if get != nil || set != nil {
		d.Accessor = true
		d.Get = orUndefined(get)
		d.Set = orUndefined(set)
		return d, true
	}
	d.Value = orUndefined(desc.Get("value"))
	d.Writable = desc.Get("writable").ToBoolean()
	return d, true
}

// HasOwn reports whether obj has an own property called name.
func (e *Env) HasOwn(obj *goja.Object, name string) bool {
	_, ok := e.OwnDescriptor(obj, name)
	return ok
}

// Configurable reports whether name can be redefined on obj. Absent
// properties count as configurable.
func (e *Env) Configurable(obj *goja.Object, name string) bool {
	d, ok := e.OwnDescriptor(obj, name)
	return !ok || d.Configurable
}

func orUndefined(v goja.Value) goja.Value {
	if v == nil {
		return goja.Undefined()
	}
	return v
}

// -- Functions --

// IsFunction reports whether v is callable.
func IsFunction(v goja.Value) bool {
	_, ok := goja.AssertFunction(v)
	return ok
}

// IsObjectLike reports whether v is a non-null object or a function.
func IsObjectLike(v goja.Value) bool {
	_, ok := v.(*goja.Object)
	return ok
}

// IsNative reports whether fn is a built-in, including built-ins that have
// been wrapped in a proxy.
func (e *Env) IsNative(fn *goja.Object) bool {
	src, err := e.fnToString(fn)
	if err != nil {
		return false
	}
	return strings.Contains(src.String(), "[native code]")
}

// FunctionSource returns the source text of fn, or "" when it has none.
func (e *Env) FunctionSource(fn goja.Value) string {
	src, err := e.fnToString(fn)
	if err != nil {
		return ""
	}
	return src.String()
}

// Bind returns fn bound to receiver. Results are cached so that repeated
// reads of the same method compare equal.
func (e *Env) Bind(fn, receiver *goja.Object) goja.Value {
	key := boundKey{fn: fn, receiver: receiver}
	if v, ok := e.bound[key]; ok {
		return v
	}
	v, err := e.bind(fn, receiver)
	if err != nil {
		return fn
	}
	e.bound[key] = v
	return v
}

// NewFunction creates a native function with a proper name and length, so it
// does not leak Go symbol names to page script.
func (e *Env) NewFunction(name string, length int, fn func(goja.FunctionCall) goja.Value) *goja.Object {
	obj := e.Runtime.ToValue(fn).ToObject(e.Runtime)
	_ = obj.DefineDataProperty("name", e.Runtime.ToValue(name), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	_ = obj.DefineDataProperty("length", e.Runtime.ToValue(length), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	return obj
}
