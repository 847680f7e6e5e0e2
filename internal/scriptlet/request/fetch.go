package request

import (
	"github.com/dop251/goja"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
)

// FetchAttributes normalizes the arguments of a fetch call. A Request-like
// first argument (an object exposing a string url) is read directly;
// otherwise the first argument is stringified as the url and the string
// members of init fill in the rest.
func FetchAttributes(input, init goja.Value) Attributes {
	attrs := Attributes{}
	if obj, ok := input.(*goja.Object); ok && isStringProp(obj, string(pattern.PropURL)) {
		copyStringProps(attrs, obj)
		return attrs
	}
	if input == nil || goja.IsUndefined(input) {
		return attrs
	}
	attrs[pattern.PropURL] = input.String()
	attrs[pattern.PropMethod] = "GET"
	if obj, ok := init.(*goja.Object); ok {
		copyStringProps(attrs, obj)
		attrs[pattern.PropURL] = input.String()
	}
	return attrs
}

// MatchFetchArgs matches the raw arguments of a fetch call against filter.
func MatchFetchArgs(filter pattern.RequestFilter, args []goja.Value) bool {
	var input, init goja.Value = goja.Undefined(), goja.Undefined()
	if len(args) > 0 {
		input = args[0]
	}
	if len(args) > 1 {
		init = args[1]
	}
	return Match(filter, FetchAttributes(input, init))
}

func copyStringProps(attrs Attributes, obj *goja.Object) {
	for _, prop := range pattern.RequestProps {
		v := obj.Get(string(prop))
		if v == nil {
			continue
		}
		if s, ok := v.Export().(string); ok {
			attrs[prop] = s
		}
	}
}

func isStringProp(obj *goja.Object, name string) bool {
	v := obj.Get(name)
	if v == nil {
		return false
	}
	_, ok := v.Export().(string)
	return ok
}
