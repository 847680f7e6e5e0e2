// Package prune removes properties from object graphs by path. The same
// compiled Spec serves values inside a JavaScript realm and raw JSON bytes.
package prune

import (
	"strconv"

	"github.com/dop251/goja"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
)

// Spec is a compiled pruning rule. It is stateless and safe to apply to any
// number of values.
type Spec struct {
	toRemove []pattern.PropPath
	required []pattern.PropPath
	stack    *pattern.Matcher
}

// New compiles a Spec. requiredProps may be empty, meaning unconditional.
// The stack matcher is only set when hasStack is true and stack is non-empty.
func New(propsToRemove, requiredProps, stack string, hasStack bool) *Spec {
	s := &Spec{
		toRemove: pattern.ParsePropPaths(propsToRemove),
		required: pattern.ParsePropPaths(requiredProps),
	}
	if hasStack && stack != "" {
		s.stack = pattern.ParseSubstringOrRegexp(stack)
	}
	return s
}

// Empty reports whether the Spec removes nothing.
func (s *Spec) Empty() bool {
	return len(s.toRemove) == 0
}

// Apply prunes v in place. It reports whether the preconditions held and the
// removal pass ran.
func (s *Spec) Apply(rt *goja.Runtime, v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok || jsenv.IsFunction(obj) {
		return false
	}
	if s.stack != nil && !jsenv.MatchStack(rt, s.stack) {
		return false
	}
	if len(s.required) > 0 {
		matched := false
		for _, path := range s.required {
			if MatchesPath(rt, obj, path) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, path := range s.toRemove {
		PrunePath(rt, obj, path)
	}
	return true
}

// PrunePath deletes the final segment of path from every object reached by
// walking the rest of it. A "*" segment matches zero or more object-valued
// levels; "[]" iterates array elements. Anything unexpected is a no-op.
func PrunePath(rt *goja.Runtime, v goja.Value, path pattern.PropPath) {
	obj, ok := v.(*goja.Object)
	if !ok || len(path) == 0 {
		return
	}
	segment, rest := path[0], path[1:]

	switch segment {
	case pattern.SegmentWildcard:
		for _, child := range objectChildren(obj) {
			PrunePath(rt, child, path)
			PrunePath(rt, child, rest)
		}
	case pattern.SegmentArray:
		for _, elem := range arrayElements(obj) {
			PrunePath(rt, elem, rest)
		}
	default:
		if !hasOwn(obj, segment) {
			return
		}
		if len(rest) == 0 {
			_ = obj.Delete(segment)
			return
		}
		PrunePath(rt, obj.Get(segment), rest)
	}
}

// MatchesPath reports whether at least one value is reachable by path.
func MatchesPath(rt *goja.Runtime, v goja.Value, path pattern.PropPath) bool {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return false
	}
	if len(path) == 0 {
		return true
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	segment, rest := path[0], path[1:]

	switch segment {
	case pattern.SegmentWildcard:
		for _, child := range objectChildren(obj) {
			if MatchesPath(rt, child, path) || MatchesPath(rt, child, rest) {
				return true
			}
		}
		return false
	case pattern.SegmentArray:
		for _, elem := range arrayElements(obj) {
			if MatchesPath(rt, elem, rest) {
				return true
			}
		}
		return false
	default:
		if !hasOwn(obj, segment) {
			return false
		}
		return MatchesPath(rt, obj.Get(segment), rest)
	}
}

// objectChildren lists own enumerable values that are objects or arrays.
// Functions are skipped, as they are not part of a data graph.
func objectChildren(obj *goja.Object) []*goja.Object {
	var out []*goja.Object
	for _, key := range obj.Keys() {
		child, ok := obj.Get(key).(*goja.Object)
		if !ok || jsenv.IsFunction(child) {
			continue
		}
		out = append(out, child)
	}
	return out
}

func arrayElements(obj *goja.Object) []goja.Value {
	if obj.ClassName() != "Array" {
		return nil
	}
	n := int(obj.Get("length").ToInteger())
	out := make([]goja.Value, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, obj.Get(strconv.Itoa(i)))
	}
	return out
}

func hasOwn(obj *goja.Object, name string) bool {
	for _, key := range obj.GetOwnPropertyNames() {
		if key == name {
			return true
		}
	}
	return false
}
