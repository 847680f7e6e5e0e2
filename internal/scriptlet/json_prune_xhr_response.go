package scriptlet

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/patch"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/prune"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/request"
)

// capturedXHR is a caller request marked for pruning. Its open arguments and
// headers are replayed on the substitute.
type capturedXHR struct {
	url      string
	openArgs []goja.Value
	headers  [][2]goja.Value
	sub      *goja.Object
}

// xhrSubstitutes is the per-realm record of substitute requests, shared by
// every json-prune-xhr-response install. owner maps a substitute to the
// sequence number of the install that created it.
type xhrSubstitutes struct {
	installs int
	owner    map[*goja.Object]int
}

type xhrSubstitutesKey struct{}

func substitutes(s *Scope) *xhrSubstitutes {
	return s.Env.Local(xhrSubstitutesKey{}, func() any {
		return &xhrSubstitutes{owner: map[*goja.Object]int{}}
	}).(*xhrSubstitutes)
}

// xhrPruner holds the state of one json-prune-xhr-response install.
type xhrPruner struct {
	s        *Scope
	spec     *prune.Spec
	filter   pattern.RequestFilter
	captured map[*goja.Object]*capturedXHR
	subs     *xhrSubstitutes
	seq      int
}

// JSONPruneXHRResponse prunes the JSON bodies of matching XMLHttpRequests by
// sending a substitute request and rewriting the caller's instance from its
// response. Arguments: propsToRemove, requiredProps?, propsToMatch?, stack?.
func JSONPruneXHRResponse(s *Scope, args Args) error {
	spec, err := pruneSpec(args.Get(0), args.Get(1), args.Get(3))
	if err != nil {
		return err
	}
	filter, err := pattern.ParsePropsToMatch(args.Get(2))
	if err != nil {
		return err
	}
	if err := s.Env.Require("XMLHttpRequest", "Proxy"); err != nil {
		return err
	}
	proto, ok := s.Env.Ctor("XMLHttpRequest").Get("prototype").(*goja.Object)
	if !ok {
		return nil
	}

	subs := substitutes(s)
	subs.installs++
	p := &xhrPruner{
		s:        s,
		spec:     spec,
		filter:   filter,
		captured: map[*goja.Object]*capturedXHR{},
		subs:     subs,
		seq:      subs.installs,
	}
	return wrapAll(s, proto, map[string]patch.Wrapper{
		"open":                  p.open,
		"setRequestHeader":      p.setRequestHeader,
		"send":                  p.send,
		"getResponseHeader":     p.header,
		"getAllResponseHeaders": p.header,
	})
}

// caller returns the instance a call was made on, or nil for non-objects and
// for substitutes created by this install or an earlier one. Later installs
// wrap earlier ones, so a substitute created by a later install is a caller
// here and its response gets pruned by this install as well.
func (p *xhrPruner) caller(this goja.Value) *goja.Object {
	obj, ok := this.(*goja.Object)
	if !ok {
		return nil
	}
	if owner, sub := p.subs.owner[obj]; sub && owner <= p.seq {
		return nil
	}
	return obj
}

func (p *xhrPruner) open(call goja.FunctionCall, next patch.Next) goja.Value {
	xhr := p.caller(call.This)
	if xhr == nil {
		return next(call.This, call.Arguments...)
	}
	if c := p.captured[xhr]; c != nil {
		if c.sub != nil {
			clearOverlay(xhr, xhrOverlayProps)
		}
		delete(p.captured, xhr)
	}
	if len(call.Arguments) >= 2 {
		method, target := call.Argument(0).String(), call.Argument(1).String()
		if request.MatchXHRArgs(p.filter, method, target) {
			p.captured[xhr] = &capturedXHR{
				url:      target,
				openArgs: append([]goja.Value(nil), call.Arguments...),
			}
		}
	}
	return next(call.This, call.Arguments...)
}

func (p *xhrPruner) setRequestHeader(call goja.FunctionCall, next patch.Next) goja.Value {
	if xhr := p.caller(call.This); xhr != nil {
		if c := p.captured[xhr]; c != nil {
			c.headers = append(c.headers, [2]goja.Value{call.Argument(0), call.Argument(1)})
		}
	}
	return next(call.This, call.Arguments...)
}

func (p *xhrPruner) header(call goja.FunctionCall, next patch.Next) goja.Value {
	if xhr := p.caller(call.This); xhr != nil {
		if c := p.captured[xhr]; c != nil && c.sub != nil {
			return next(c.sub, call.Arguments...)
		}
	}
	return next(call.This, call.Arguments...)
}

func (p *xhrPruner) send(call goja.FunctionCall, next patch.Next) goja.Value {
	xhr := p.caller(call.This)
	if xhr == nil {
		return next(call.This, call.Arguments...)
	}
	c := p.captured[xhr]
	responseType := xhr.Get("responseType").String()
	if c == nil || responseType == "document" {
		return next(call.This, call.Arguments...)
	}

	sendArgs := append([]goja.Value(nil), call.Arguments...)
	delegate := func() {
		delete(p.captured, xhr)
		if ex := p.s.Runtime().Try(func() { next(xhr, sendArgs...) }); ex != nil {
			p.s.Logger.Debug("Delegated send failed", zap.String("url", c.url), zap.Error(ex))
		}
	}

	sub, err := p.startSubstitute(c, responseType, sendArgs, func(sub *goja.Object) {
		if p.captured[xhr] != c {
			return
		}
		if sub.Get("readyState").ToInteger() != xhrDone || sub.Get("status").ToInteger() == 0 {
			p.s.Logger.Debug("Substitute request failed, delegating", zap.String("url", c.url))
			delegate()
			return
		}
		p.complete(xhr, c, sub, responseType)
	})
	if err != nil {
		p.s.Logger.Debug("Could not send substitute request, delegating", zap.String("url", c.url), zap.Error(err))
		if sub != nil {
			delete(p.subs.owner, sub)
		}
		delete(p.captured, xhr)
		return next(call.This, call.Arguments...)
	}
	return goja.Undefined()
}

// startSubstitute opens and sends a second request with the caller's open
// arguments, headers and responseType. done runs once it ends.
func (p *xhrPruner) startSubstitute(c *capturedXHR, responseType string, sendArgs []goja.Value, done func(*goja.Object)) (*goja.Object, error) {
	s := p.s
	sub, err := s.Env.Construct("XMLHttpRequest")
	if err != nil {
		return nil, err
	}
	p.subs.owner[sub] = p.seq

	if _, err := s.invoke(sub, "open", c.openArgs...); err != nil {
		return sub, err
	}
	for _, h := range c.headers {
		if _, err := s.invoke(sub, "setRequestHeader", h[0], h[1]); err != nil {
			return sub, err
		}
	}
	if err := sub.Set("responseType", responseType); err != nil {
		return sub, err
	}
	finished := false
	listener := s.Env.NewFunction("", 1, func(goja.FunctionCall) goja.Value {
		if finished {
			return goja.Undefined()
		}
		finished = true
		delete(p.subs.owner, sub)
		done(sub)
		return goja.Undefined()
	})
	if _, err := s.invoke(sub, "addEventListener", s.Runtime().ToValue("loadend"), listener); err != nil {
		return sub, err
	}
	if _, err := s.invoke(sub, "send", sendArgs...); err != nil {
		return sub, err
	}
	return sub, nil
}

// complete decodes the substitute's body, prunes it and mirrors the result
// onto the caller's instance.
func (p *xhrPruner) complete(xhr *goja.Object, c *capturedXHR, sub *goja.Object, responseType string) {
	s := p.s
	rt := s.Runtime()
	response := p.read(sub, "response")

	switch responseType {
	case "json":
		pruned := p.spec.Apply(rt, response)
		p.finish(xhr, c, sub, response, nil, pruned)
	case "arraybuffer":
		ab, ok := response.Export().(goja.ArrayBuffer)
		if !ok {
			p.finish(xhr, c, sub, response, nil, false)
			return
		}
		text, pruned := p.pruneText(string(ab.Bytes()))
		if pruned {
			response = rt.ToValue(rt.NewArrayBuffer([]byte(text)))
		}
		p.finish(xhr, c, sub, response, nil, pruned)
	case "blob":
		blob, ok := response.(*goja.Object)
		if !ok {
			p.finish(xhr, c, sub, response, nil, false)
			return
		}
		textPromise, err := s.invoke(blob, "text")
		if err != nil {
			p.finish(xhr, c, sub, response, nil, false)
			return
		}
		s.then(textPromise, func(v goja.Value) goja.Value {
			text, pruned := p.pruneText(v.String())
			out := response
			if pruned {
				opts := rt.NewObject()
				_ = opts.Set("type", blob.Get("type"))
				if b, err := s.Env.Construct("Blob", rt.NewArray(text), opts); err == nil {
					out = b
				}
			}
			p.finish(xhr, c, sub, out, nil, pruned)
			return goja.Undefined()
		})
	default:
		text, pruned := p.pruneText(p.read(sub, "responseText").String())
		v := rt.ToValue(text)
		p.finish(xhr, c, sub, v, v, pruned)
	}
}

// pruneText prunes a JSON document. Non-JSON text is returned unchanged.
func (p *xhrPruner) pruneText(text string) (string, bool) {
	parsed, err := p.s.Env.ParseJSON(text)
	if err != nil {
		return text, false
	}
	if !p.spec.Apply(p.s.Runtime(), parsed) {
		return text, false
	}
	out, err := p.s.Env.StringifyJSON(parsed)
	if err != nil {
		return text, false
	}
	return out, true
}

// finish overlays the caller's instance and fires the completion events.
// responseText is only defined for text response types; elsewhere the
// prototype getter keeps throwing as it should.
func (p *xhrPruner) finish(xhr *goja.Object, c *capturedXHR, sub *goja.Object, response, responseText goja.Value, pruned bool) {
	if p.captured[xhr] != c {
		return
	}
	s := p.s
	props := map[string]goja.Value{
		"readyState":  s.Runtime().ToValue(xhrDone),
		"status":      p.read(sub, "status"),
		"statusText":  p.read(sub, "statusText"),
		"responseURL": p.read(sub, "responseURL"),
		"responseXML": p.read(sub, "responseXML"),
		"response":    response,
	}
	if responseText != nil {
		props["responseText"] = responseText
	}
	c.sub = sub
	overlay(xhr, props)

	if pruned {
		s.Logger.Info("Pruned XHR response", zap.String("url", c.url))
		s.Record(schemas.EventPruned, c.url, "xhr")
	}
	for _, eventType := range []string{"readystatechange", "load", "loadend"} {
		s.dispatch(xhr, eventType)
	}
}

// read gets sub[name], mapping a throwing getter to null.
func (p *xhrPruner) read(sub *goja.Object, name string) (v goja.Value) {
	if ex := p.s.Runtime().Try(func() { v = sub.Get(name) }); ex != nil || v == nil {
		return goja.Null()
	}
	return v
}
