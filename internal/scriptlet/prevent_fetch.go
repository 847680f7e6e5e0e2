package scriptlet

import (
	"fmt"
	"strconv"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/patch"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/request"
)

// PreventFetch answers matching fetch calls with a synthetic response instead
// of sending them. Arguments: propsToMatch, responseBody?, responseType?.
func PreventFetch(s *Scope, args Args) error {
	var body string
	switch args.Get(1) {
	case "", "emptyObj":
		body = "{}"
	case "emptyArr":
		body = "[]"
	case "emptyStr":
		body = ""
	default:
		return fmt.Errorf("%w: responseBody %q", pattern.ErrInvalidValue, args.Get(1))
	}
	responseType := args.Get(2)
	switch responseType {
	case "", "basic", "cors", "opaque":
	default:
		return fmt.Errorf("%w: responseType %q", pattern.ErrInvalidValue, responseType)
	}
	filter, err := pattern.ParsePropsToMatch(args.Get(0))
	if err != nil {
		return err
	}
	if err := s.Env.Require("fetch", "Response", "Headers", "Promise", "Proxy"); err != nil {
		return err
	}

	_, err = patch.Wrap(s.Env, s.Env.Window, "fetch", func(call goja.FunctionCall, next patch.Next) goja.Value {
		if !request.MatchFetchArgs(filter, call.Arguments) {
			return next(call.This, call.Arguments...)
		}
		attrs := request.FetchAttributes(call.Argument(0), call.Argument(1))
		target := attrs[pattern.PropURL]
		s.Logger.Info("Prevented fetch", zap.String("url", target))
		s.Record(schemas.EventBlocked, target, "fetch")
		return s.resolved(s.syntheticResponse(target, body, responseType))
	})
	return err
}

// syntheticResponse builds the Response a prevented fetch resolves with.
func (s *Scope) syntheticResponse(target, body, responseType string) goja.Value {
	rt := s.Runtime()
	if responseType == "opaque" {
		resp, err := s.Env.Construct("Response", goja.Null())
		if err != nil {
			panic(err)
		}
		headers, err := s.Env.Construct("Headers")
		if err != nil {
			panic(err)
		}
		overlay(resp, map[string]goja.Value{
			"status":     rt.ToValue(0),
			"statusText": rt.ToValue(""),
			"url":        rt.ToValue(""),
			"type":       rt.ToValue("opaque"),
			"redirected": rt.ToValue(false),
			"headers":    headers,
		})
		return resp
	}

	if responseType == "" {
		responseType = "basic"
	}
	headers := rt.NewObject()
	_ = headers.Set("content-type", "application/json")
	_ = headers.Set("content-length", strconv.Itoa(len(body)))
	init := rt.NewObject()
	_ = init.Set("status", 200)
	_ = init.Set("statusText", "OK")
	_ = init.Set("headers", headers)
	resp, err := s.Env.Construct("Response", rt.ToValue(body), init)
	if err != nil {
		panic(err)
	}
	overlay(resp, map[string]goja.Value{
		"url":        rt.ToValue(target),
		"type":       rt.ToValue(responseType),
		"redirected": rt.ToValue(false),
	})
	return resp
}

// overlay defines read-only own data properties on obj. They stay
// configurable so a later overlay or clearOverlay can replace them.
func overlay(obj *goja.Object, props map[string]goja.Value) {
	for name, value := range props {
		_ = obj.DefineDataProperty(name, value, goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_TRUE)
	}
}

// clearOverlay removes the own properties an earlier overlay defined, so the
// prototype accessors show through again.
func clearOverlay(obj *goja.Object, names []string) {
	for _, name := range names {
		_ = obj.Delete(name)
	}
}
