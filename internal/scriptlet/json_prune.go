package scriptlet

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/patch"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/prune"
)

// JSONPrune removes properties from every value produced by JSON.parse and
// Response.prototype.json. Arguments: propsToRemove, requiredProps?, stack?.
func JSONPrune(s *Scope, args Args) error {
	spec, err := pruneSpec(args.Get(0), args.Get(1), args.Get(2))
	if err != nil {
		return err
	}
	jsonObj, ok := s.Env.Window.Get("JSON").(*goja.Object)
	if !ok {
		return fmt.Errorf("%w: JSON is not an object", ErrInvalidArgument)
	}

	apply := func(target string, v goja.Value) {
		if spec.Apply(s.Runtime(), v) {
			s.Logger.Debug("Pruned parsed JSON", zap.String("source", target))
			s.Record(schemas.EventPruned, target, args.Get(0))
		}
	}

	if _, err := patch.Wrap(s.Env, jsonObj, "parse", func(call goja.FunctionCall, next patch.Next) goja.Value {
		v := next(call.This, call.Arguments...)
		apply("JSON.parse", v)
		return v
	}); err != nil {
		return err
	}

	response := s.Env.Ctor("Response")
	if response == nil {
		return nil
	}
	proto, ok := response.Get("prototype").(*goja.Object)
	if !ok {
		return nil
	}
	_, err = patch.Wrap(s.Env, proto, "json", func(call goja.FunctionCall, next patch.Next) goja.Value {
		return s.then(next(call.This, call.Arguments...), func(v goja.Value) goja.Value {
			apply("Response.json", v)
			return v
		})
	})
	return err
}

// pruneSpec validates and compiles the arguments shared by the json-prune
// family. The stack precondition is only set when stack is non-empty.
func pruneSpec(propsToRemove, requiredProps, stack string) (*prune.Spec, error) {
	propsToRemove = strings.TrimSpace(propsToRemove)
	if propsToRemove == "" {
		return nil, fmt.Errorf("%w: propsToRemove should be a non-empty string", ErrInvalidArgument)
	}
	return prune.New(propsToRemove, requiredProps, stack, stack != ""), nil
}
