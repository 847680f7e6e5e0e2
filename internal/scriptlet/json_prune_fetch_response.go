package scriptlet

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/patch"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/request"
)

// JSONPruneFetchResponse prunes the JSON bodies of matching fetch responses.
// Arguments: propsToRemove, requiredProps?, propsToMatch?, stack?.
func JSONPruneFetchResponse(s *Scope, args Args) error {
	spec, err := pruneSpec(args.Get(0), args.Get(1), args.Get(3))
	if err != nil {
		return err
	}
	filter, err := pattern.ParsePropsToMatch(args.Get(2))
	if err != nil {
		return err
	}
	if err := s.Env.Require("fetch", "Response", "Promise", "Proxy"); err != nil {
		return err
	}

	_, err = patch.Wrap(s.Env, s.Env.Window, "fetch", func(call goja.FunctionCall, next patch.Next) goja.Value {
		if !request.MatchFetchArgs(filter, call.Arguments) {
			return next(call.This, call.Arguments...)
		}
		return s.then(next(call.This, call.Arguments...), func(v goja.Value) goja.Value {
			original, ok := v.(*goja.Object)
			if !ok {
				return v
			}
			clone, err := s.invoke(original, "clone")
			if err != nil {
				return original
			}
			text, err := s.invoke(clone.ToObject(s.Runtime()), "text")
			if err != nil {
				return original
			}
			return s.then(text, func(body goja.Value) goja.Value {
				return s.prunedResponse(original, body.String(), func(parsed goja.Value) bool {
					return spec.Apply(s.Runtime(), parsed)
				})
			})
		})
	})
	return err
}

// prunedResponse parses body, runs prune on the result and builds a new
// Response carrying the pruned JSON and the metadata of original. Any
// failure returns original untouched.
func (s *Scope) prunedResponse(original *goja.Object, body string, prune func(goja.Value) bool) goja.Value {
	target := original.Get("url").String()
	parsed, err := s.Env.ParseJSON(body)
	if err != nil {
		s.Logger.Debug("Response body is not JSON, passing through", zap.String("url", target))
		return original
	}
	if !prune(parsed) {
		return original
	}
	text, err := s.Env.StringifyJSON(parsed)
	if err != nil {
		return original
	}

	rt := s.Runtime()
	init := rt.NewObject()
	_ = init.Set("status", original.Get("status"))
	_ = init.Set("statusText", original.Get("statusText"))
	_ = init.Set("headers", original.Get("headers"))
	pruned, err := s.Env.Construct("Response", rt.ToValue(text), init)
	if err != nil {
		s.Logger.Debug("Could not rebuild response", zap.String("url", target), zap.Error(err))
		return original
	}
	overlay(pruned, map[string]goja.Value{
		"url":        original.Get("url"),
		"type":       original.Get("type"),
		"redirected": original.Get("redirected"),
	})
	_ = pruned.DefineDataProperty("ok", original.Get("ok"), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_TRUE)

	s.Logger.Info("Pruned fetch response", zap.String("url", target))
	s.Record(schemas.EventPruned, target, "fetch")
	return pruned
}
