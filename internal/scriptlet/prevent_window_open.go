package scriptlet

import (
	"fmt"
	"regexp"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/patch"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
)

var legacyPropReplacement = regexp.MustCompile(`^\{([A-Za-z_$][\w$]*)=noopFunc\}$`)

// PreventWindowOpen stops matching window.open calls.
//
// A first argument of "0", "1" or "" selects the legacy syntax
// (flag, search?, replacement?): "0" inverts the search, and the replacement
// is noopFunc, trueFunc or {prop=noopFunc}. Anything else is the current
// syntax (match?, delay?, replacement?): a decoy frame is loaded with the URL
// and a fake window is returned, or with replacement "blank" about:blank is
// opened instead.
func PreventWindowOpen(s *Scope, args Args) error {
	if err := s.Env.Require("open", "Proxy"); err != nil {
		return err
	}
	if args.Has(0) {
		switch args.Get(0) {
		case "0", "1", "":
			return preventWindowOpenLegacy(s, args)
		}
	}
	return preventWindowOpenDecoy(s, args)
}

func preventWindowOpenLegacy(s *Scope, args Args) error {
	inverted := args.Get(0) == "0"
	matcher := pattern.ParseSubstringOrRegexp(args.Get(1))

	var replacement goja.Value
	switch r := args.Get(2); {
	case r == "" || r == "noopFunc":
		replacement = s.noop("")
	case r == "trueFunc":
		replacement = s.constant(s.Runtime().ToValue(true))
	case legacyPropReplacement.MatchString(r):
		prop := legacyPropReplacement.FindStringSubmatch(r)[1]
		obj := s.Runtime().NewObject()
		_ = obj.Set(prop, s.noop(""))
		replacement = obj
	default:
		return fmt.Errorf("%w: replacement %q", pattern.ErrInvalidValue, r)
	}

	_, err := patch.Wrap(s.Env, s.Env.Window, "open", func(call goja.FunctionCall, next patch.Next) goja.Value {
		target := call.Argument(0).String()
		if matcher.Test(target) == inverted {
			return next(call.This, call.Arguments...)
		}
		s.Logger.Info("Prevented window.open", zap.String("url", target))
		s.Record(schemas.EventPrevented, target, "window.open")
		return replacement
	})
	return err
}

func preventWindowOpenDecoy(s *Scope, args Args) error {
	var matcher *pattern.Matcher
	if match := args.Get(0); match != "" {
		matcher = pattern.NewSearchMatcher(match)
	}
	delay := -1
	if d := args.Get(1); d != "" {
		n, err := pattern.ParseValidInt(d)
		if err != nil {
			return err
		}
		delay = n
	}
	replacement := args.Get(2)
	switch replacement {
	case "", "obj", "blank":
	default:
		return fmt.Errorf("%w: replacement %q", pattern.ErrInvalidValue, replacement)
	}
	if err := s.Env.Require("document"); err != nil {
		return err
	}

	fake := s.fakeWindow()
	_, err := patch.Wrap(s.Env, s.Env.Window, "open", func(call goja.FunctionCall, next patch.Next) goja.Value {
		arg := call.Argument(0)
		if goja.IsUndefined(arg) || (!isString(arg) && !isURL(arg)) {
			return next(call.This, call.Arguments...)
		}
		target := arg.String()
		if matcher != nil && !matcher.Match(target) {
			return next(call.This, call.Arguments...)
		}

		s.Logger.Info("Prevented window.open", zap.String("url", target), zap.String("replacement", replacement))
		s.Record(schemas.EventPrevented, target, "window.open")
		if replacement == "blank" {
			rest := append([]goja.Value{s.Runtime().ToValue("about:blank")}, call.Arguments[1:]...)
			return next(call.This, rest...)
		}

		decoy := s.insertDecoy(target, replacement == "obj", delay)
		if replacement == "obj" && decoy != nil {
			if win, ok := decoy.Get("contentWindow").(*goja.Object); ok {
				overlay(win, map[string]goja.Value{
					"closed":       s.Runtime().ToValue(false),
					"opener":       s.Env.Window,
					"frameElement": goja.Null(),
				})
				return win
			}
		}
		return fake
	})
	return err
}

func isURL(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	href := obj.Get("href")
	return isString(href)
}

// insertDecoy places an off-screen iframe, or object, loaded with target in
// the body. With a delay of zero or more seconds it is removed again.
func (s *Scope) insertDecoy(target string, asObject bool, delaySeconds int) *goja.Object {
	rt := s.Runtime()
	doc := s.document()
	tag, attr := "iframe", "src"
	if asObject {
		tag, attr = "object", "data"
	}

	var decoy *goja.Object
	ex := rt.Try(func() {
		decoy = s.mustInvoke(doc, "createElement", rt.ToValue(tag)).ToObject(rt)
		s.mustInvoke(decoy, "setAttribute", rt.ToValue(attr), rt.ToValue(target))
		if style, ok := decoy.Get("style").(*goja.Object); ok {
			for _, p := range [][2]string{{"height", "1px"}, {"width", "1px"}, {"position", "absolute"}, {"top", "-9999px"}} {
				s.mustInvoke(style, "setProperty", rt.ToValue(p[0]), rt.ToValue(p[1]), rt.ToValue("important"))
			}
		}
		body, ok := doc.Get("body").(*goja.Object)
		if !ok {
			body = doc.Get("documentElement").ToObject(rt)
		}
		s.mustInvoke(body, "appendChild", decoy)
	})
	if ex != nil {
		s.Logger.Debug("Could not insert decoy", zap.Error(ex))
		return nil
	}
	if delaySeconds >= 0 {
		s.Env.Schedule(time.Duration(delaySeconds)*time.Second, func() {
			if ex := rt.Try(func() { s.mustInvoke(decoy, "remove") }); ex != nil {
				s.Logger.Debug("Could not remove decoy", zap.Error(ex))
			}
		})
	}
	return decoy
}

// fakeWindow is a pass-through proxy over window that claims to be open and
// turns every method into a no-op. The no-ops are cached so repeated reads
// compare equal.
func (s *Scope) fakeWindow() *goja.Object {
	rt := s.Runtime()
	noops := map[string]*goja.Object{}
	proxy := rt.NewProxy(s.Env.Window, &goja.ProxyTrapConfig{
		Get: func(target *goja.Object, prop string, receiver goja.Value) goja.Value {
			if prop == "closed" {
				return rt.ToValue(false)
			}
			v := target.Get(prop)
			if v == nil {
				return goja.Undefined()
			}
			if jsenv.IsFunction(v) {
				fn, ok := noops[prop]
				if !ok {
					fn = s.noop(prop)
					noops[prop] = fn
				}
				return fn
			}
			return v
		},
		Set: func(target *goja.Object, prop string, value goja.Value, receiver goja.Value) bool {
			return target.Set(prop, value) == nil
		},
	})
	return rt.ToValue(proxy).(*goja.Object)
}
