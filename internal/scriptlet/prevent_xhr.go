package scriptlet

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/patch"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/request"
)

const xhrDone = 4

// preventedDelay mimics network latency so callers never see a synchronous
// completion.
const preventedDelay = time.Millisecond

// xhrOverlayProps are the instance properties a faked completion defines.
var xhrOverlayProps = []string{
	"readyState", "status", "statusText", "response", "responseText", "responseURL", "responseXML",
}

// fakeXHR is the state of one XMLHttpRequest whose request was prevented.
type fakeXHR struct {
	url     string
	done    bool
	headers []schemas.NVPair
}

func (f *fakeXHR) header(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, h := range f.headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// PreventXHR answers matching XMLHttpRequests with an empty synthetic
// response. Arguments: propsToMatch, randomize?.
func PreventXHR(s *Scope, args Args) error {
	filter, err := pattern.ParsePropsToMatch(args.Get(0))
	if err != nil {
		return err
	}
	randomize := args.Get(1)
	if randomize != "" {
		if _, err := request.GenRandomResponse(randomize); err != nil {
			return err
		}
	}
	if err := s.Env.Require("XMLHttpRequest", "Proxy"); err != nil {
		return err
	}
	proto, ok := s.Env.Ctor("XMLHttpRequest").Get("prototype").(*goja.Object)
	if !ok {
		return jsenv.ErrUnsupported
	}

	prevented := map[*goja.Object]*fakeXHR{}
	lookup := func(this goja.Value) (*goja.Object, *fakeXHR) {
		obj, ok := this.(*goja.Object)
		if !ok {
			return nil, nil
		}
		return obj, prevented[obj]
	}

	open := func(call goja.FunctionCall, next patch.Next) goja.Value {
		xhr, state := lookup(call.This)
		if xhr != nil && state != nil {
			clearOverlay(xhr, xhrOverlayProps)
			delete(prevented, xhr)
		}
		if xhr != nil && len(call.Arguments) >= 2 {
			method, target := call.Argument(0).String(), call.Argument(1).String()
			if request.MatchXHRArgs(filter, method, target) {
				s.Logger.Debug("Preventing XHR request", zap.String("method", method), zap.String("url", target))
				prevented[xhr] = &fakeXHR{url: target}
			}
		}
		return next(call.This, call.Arguments...)
	}

	send := func(call goja.FunctionCall, next patch.Next) goja.Value {
		xhr, state := lookup(call.This)
		if state == nil {
			return next(call.This, call.Arguments...)
		}
		s.Logger.Info("Prevented XHR", zap.String("url", state.url))
		s.Record(schemas.EventBlocked, state.url, "xhr")
		s.Env.Schedule(preventedDelay, func() {
			if prevented[xhr] != state {
				return
			}
			s.completeFake(xhr, state, randomize)
		})
		return goja.Undefined()
	}

	getResponseHeader := func(call goja.FunctionCall, next patch.Next) goja.Value {
		_, state := lookup(call.This)
		if state == nil {
			return next(call.This, call.Arguments...)
		}
		if !state.done {
			return goja.Null()
		}
		if v, ok := state.header(call.Argument(0).String()); ok {
			return s.Runtime().ToValue(v)
		}
		return goja.Null()
	}

	getAllResponseHeaders := func(call goja.FunctionCall, next patch.Next) goja.Value {
		_, state := lookup(call.This)
		if state == nil {
			return next(call.This, call.Arguments...)
		}
		if !state.done {
			return goja.Null()
		}
		var b strings.Builder
		for _, h := range state.headers {
			b.WriteString(h.Name + ": " + h.Value + "\r\n")
		}
		return s.Runtime().ToValue(b.String())
	}

	return wrapAll(s, proto, map[string]patch.Wrapper{
		"open":                  open,
		"send":                  send,
		"getResponseHeader":     getResponseHeader,
		"getAllResponseHeaders": getAllResponseHeaders,
	})
}

// completeFake gives xhr the look of a finished empty response and fires
// the completion events.
func (s *Scope) completeFake(xhr *goja.Object, state *fakeXHR, randomize string) {
	rt := s.Runtime()
	var response goja.Value = rt.ToValue("")
	var responseText goja.Value = rt.ToValue("")
	var responseXML goja.Value = goja.Null()
	var contentType string
	length := 0

	switch xhr.Get("responseType").String() {
	case "arraybuffer":
		response = rt.ToValue(rt.NewArrayBuffer(nil))
		contentType = "application/octet-stream"
	case "blob":
		blob, err := s.Env.Construct("Blob", rt.NewArray())
		if err != nil {
			s.Logger.Debug("Could not create empty blob", zap.Error(err))
		} else {
			response = blob
		}
		contentType = "application/octet-stream"
	case "document":
		if parser, err := s.Env.Construct("DOMParser"); err == nil {
			if doc, err := s.invoke(parser, "parseFromString", rt.ToValue(""), rt.ToValue("text/html")); err == nil {
				response, responseXML = doc, doc
			}
		}
		contentType = "text/html"
	case "json":
		response = rt.NewObject()
		responseText = rt.ToValue("{}")
		contentType = "application/json"
		length = 2
	default:
		if randomize != "" {
			text, err := request.GenRandomResponse(randomize)
			if err != nil {
				s.Logger.Error("Generating random response text", zap.Error(err))
			}
			response, responseText = rt.ToValue(text), rt.ToValue(text)
			length = len(text)
			contentType = "text/plain"
		}
	}

	state.headers = []schemas.NVPair{{Name: "date", Value: s.Env.Now().UTC().Format(http.TimeFormat)}}
	if contentType != "" {
		state.headers = append(state.headers, schemas.NVPair{Name: "content-type", Value: contentType})
	}
	state.headers = append(state.headers, schemas.NVPair{Name: "content-length", Value: strconv.Itoa(length)})
	state.done = true

	overlay(xhr, map[string]goja.Value{
		"readyState":   rt.ToValue(xhrDone),
		"status":       rt.ToValue(http.StatusOK),
		"statusText":   rt.ToValue("OK"),
		"response":     response,
		"responseText": responseText,
		"responseURL":  rt.ToValue(state.url),
		"responseXML":  responseXML,
	})
	for _, eventType := range []string{"readystatechange", "load", "loadend"} {
		s.dispatch(xhr, eventType)
	}
}

var xhrMethods = []string{"open", "setRequestHeader", "send", "getResponseHeader", "getAllResponseHeaders"}

// wrapAll wraps the named XMLHttpRequest methods of owner in a fixed order.
// Nothing is wrapped unless every method is present.
func wrapAll(s *Scope, owner *goja.Object, wrappers map[string]patch.Wrapper) error {
	for name := range wrappers {
		if !jsenv.IsFunction(owner.Get(name)) {
			return fmt.Errorf("%w: XMLHttpRequest.prototype.%s", jsenv.ErrUnsupported, name)
		}
	}
	for _, name := range xhrMethods {
		w, ok := wrappers[name]
		if !ok {
			continue
		}
		if _, err := patch.Wrap(s.Env, owner, name, w); err != nil {
			return err
		}
	}
	return nil
}
