package scriptlet

import (
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/proxychain"
)

// SetConstant makes property report a fixed value. The value is built once
// per install, so repeated reads compare equal. Arguments: property, value,
// stack?, valueWrapper?.
func SetConstant(s *Scope, args Args) error {
	property := args.Get(0)
	if property == "" {
		return fmt.Errorf("%w: property should be a non-empty string", ErrInvalidArgument)
	}
	constant, err := pattern.ParseConstant(args.Get(1))
	if err != nil {
		return err
	}
	wrapper, err := pattern.ParseValueWrapper(args.Get(3))
	if err != nil {
		return err
	}
	var stack *pattern.Matcher
	if args.Get(2) != "" {
		stack = pattern.ParseSubstringOrRegexp(args.Get(2))
	}
	if err := s.Env.Require("Proxy", "Promise"); err != nil {
		return err
	}

	var fake goja.Value
	spoofed := false
	proxychain.Trap(s.Env, s.Env.Window, property, func(original goja.Value) goja.Value {
		if stack != nil && !s.Env.MatchStack(stack) {
			return original
		}
		if fake == nil {
			fake = s.wrapValue(s.constantValue(constant), wrapper)
		}
		if !spoofed {
			spoofed = true
			s.Logger.Info("Spoofed property", zap.String("property", property), zap.String("value", args.Get(1)))
			s.Record(schemas.EventSpoofed, property, args.Get(1))
		}
		return fake
	})
	return nil
}

// constantValue materializes a parsed set-constant value in the realm.
func (s *Scope) constantValue(c pattern.Constant) goja.Value {
	rt := s.Runtime()
	switch c.Kind {
	case pattern.ConstNull:
		return goja.Null()
	case pattern.ConstBool:
		return rt.ToValue(c.Bool)
	case pattern.ConstNumber:
		return rt.ToValue(c.Number)
	case pattern.ConstString:
		return rt.ToValue(c.String)
	case pattern.ConstEmptyObj:
		return rt.NewObject()
	case pattern.ConstEmptyArr:
		return rt.NewArray()
	case pattern.ConstNoopFunc:
		return s.noop("")
	case pattern.ConstTrueFunc:
		return s.constant(rt.ToValue(true))
	case pattern.ConstFalseFunc:
		return s.constant(rt.ToValue(false))
	case pattern.ConstThrowFunc:
		return s.Env.NewFunction("", 0, func(goja.FunctionCall) goja.Value {
			panic(s.Env.NewTypeError(""))
		})
	case pattern.ConstNoopCallbackFunc:
		return s.constant(s.noop(""))
	case pattern.ConstNoopPromiseResolve:
		return s.Env.NewFunction("", 0, func(goja.FunctionCall) goja.Value {
			resp, err := s.Env.Construct("Response")
			if err != nil {
				return s.resolved(goja.Undefined())
			}
			return s.resolved(resp)
		})
	case pattern.ConstNoopPromiseReject:
		return s.Env.NewFunction("", 0, func(goja.FunctionCall) goja.Value {
			return s.rejected(goja.Undefined())
		})
	}
	return goja.Undefined()
}

// wrapValue presents v through a valueWrapper.
func (s *Scope) wrapValue(v goja.Value, w pattern.ValueWrapper) goja.Value {
	switch w {
	case pattern.WrapFunction:
		return s.constant(v)
	case pattern.WrapCallback:
		return s.constant(s.constant(v))
	case pattern.WrapResolved:
		return s.resolved(v)
	case pattern.WrapRejected:
		return s.rejected(v)
	}
	return v
}
