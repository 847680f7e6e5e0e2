package scriptlet

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/patch"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
)

// PreventSetTimeout swallows setTimeout calls whose callback and delay match.
// Arguments: search?, delay?.
func PreventSetTimeout(s *Scope, args Args) error {
	return preventTimer(s, "setTimeout", args)
}

// PreventSetInterval is PreventSetTimeout for setInterval.
func PreventSetInterval(s *Scope, args Args) error {
	return preventTimer(s, "setInterval", args)
}

func preventTimer(s *Scope, name string, args Args) error {
	if err := s.Env.Require("Proxy", name); err != nil {
		return err
	}
	matcher := pattern.NewTimerMatcher(args.Get(0), args.Get(1))

	_, err := patch.Wrap(s.Env, s.Env.Window, name, func(call goja.FunctionCall, next patch.Next) goja.Value {
		callback, delay := call.Argument(0), call.Argument(1)
		callable := jsenv.IsFunction(callback) || isString(callback)
		if callable && matcher.ShouldPrevent(true, callback.String(), delay.String()) {
			s.Logger.Info("Prevented timer", zap.String("function", name), zap.String("delay", delay.String()))
			s.Record(schemas.EventPrevented, name, callback.String())
			return s.Runtime().ToValue(0)
		}
		return next(call.This, call.Arguments...)
	})
	return err
}
