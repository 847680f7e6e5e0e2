package scriptlet

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/abort"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/proxychain"
)

// AbortOnPropertyRead throws a tagged ReferenceError whenever property is
// read. Arguments: property.
func AbortOnPropertyRead(s *Scope, args Args) error {
	return abortOnProperty(s, args, true, false)
}

// AbortOnPropertyWrite throws a tagged ReferenceError whenever property is
// assigned. Arguments: property.
func AbortOnPropertyWrite(s *Scope, args Args) error {
	return abortOnProperty(s, args, false, true)
}

func abortOnProperty(s *Scope, args Args, onRead, onWrite bool) error {
	property := args.Get(0)
	if property == "" {
		return fmt.Errorf("%w: property should be a non-empty string", ErrInvalidArgument)
	}
	if err := s.Env.Require("Proxy"); err != nil {
		return err
	}

	token := abort.NewToken(s.Name)
	fire := func() {
		s.Logger.Info("Aborted access", zap.String("property", property))
		token.Throw(s.Env, property)
	}
	var hooks proxychain.Hooks
	if onRead {
		hooks.OnGet = fire
	}
	if onWrite {
		hooks.OnSet = fire
	}
	if err := abort.InstallSuppressor(s.Env, token); err != nil {
		return err
	}
	proxychain.Define(s.Env, s.Env.Window, property, hooks)
	return nil
}

// AbortOnStackTrace aborts reads and writes of property made while the call
// stack matches stack. Arguments: property, stack.
func AbortOnStackTrace(s *Scope, args Args) error {
	property, stack := args.Get(0), args.Get(1)
	if property == "" {
		return fmt.Errorf("%w: property should be a non-empty string", ErrInvalidArgument)
	}
	if stack == "" {
		return fmt.Errorf("%w: stack should be a non-empty string", ErrInvalidArgument)
	}
	if err := s.Env.Require("Proxy"); err != nil {
		return err
	}

	matcher := pattern.ParseSubstringOrRegexp(stack)
	token := abort.NewToken(s.Name)
	fire := func() {
		if !s.Env.MatchStack(matcher) {
			return
		}
		s.Logger.Info("Aborted access on matching stack", zap.String("property", property), zap.String("stack", stack))
		token.Throw(s.Env, property)
	}
	if err := abort.InstallSuppressor(s.Env, token); err != nil {
		return err
	}
	proxychain.Define(s.Env, s.Env.Window, property, proxychain.Hooks{OnGet: fire, OnSet: fire})
	return nil
}

// AbortCurrentInlineScript aborts inline scripts other than the installing
// one when they touch property, optionally only those whose text matches
// search. Arguments: property, search?.
func AbortCurrentInlineScript(s *Scope, args Args) error {
	property, search := args.Get(0), args.Get(1)
	if property == "" {
		return fmt.Errorf("%w: property should be a non-empty string", ErrInvalidArgument)
	}
	if err := s.Env.Require("Proxy", "document"); err != nil {
		return err
	}

	var matcher *pattern.Matcher
	if search != "" {
		matcher = pattern.ParseSubstringOrRegexp(search)
	}
	doc := s.document()
	installedBy := doc.Get("currentScript")
	token := abort.NewToken(s.Name)

	fire := func() {
		element, ok := doc.Get("currentScript").(*goja.Object)
		if !ok || !isInlineScript(element) {
			return
		}
		if owner, ok := installedBy.(*goja.Object); ok && element.SameAs(owner) {
			return
		}
		if matcher != nil && !matcher.Test(textContent(element)) {
			return
		}
		s.Logger.Info("Aborted inline script", zap.String("property", property))
		token.Throw(s.Env, property)
	}
	if err := abort.InstallSuppressor(s.Env, token); err != nil {
		return err
	}
	proxychain.Define(s.Env, s.Env.Window, property, proxychain.Hooks{OnGet: fire, OnSet: fire})
	return nil
}

func isInlineScript(element *goja.Object) bool {
	tag := element.Get("tagName")
	if tag == nil || !strings.EqualFold(tag.String(), "script") {
		return false
	}
	src := element.Get("src")
	return src == nil || goja.IsUndefined(src) || src.String() == ""
}

func textContent(element *goja.Object) string {
	v := element.Get("textContent")
	if v == nil || goja.IsNull(v) || goja.IsUndefined(v) {
		return ""
	}
	return v.String()
}
