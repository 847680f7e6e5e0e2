package jsbind

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

var errNoEnvironment = errors.New("no browser environment attached")

// natives builds the object webapi.js receives. Everything on it runs on the
// loop goroutine; only the network round trip of fetch leaves it.
func (b *DOMBridge) natives() *goja.Object {
	n := b.vm.NewObject()
	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = n.Set(name, b.newFunction(name, 0, fn))
	}

	set("fetch", b.nativeFetch)
	set("resolveURL", func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.resolve(call.Argument(0).String()))
	})
	set("parseURL", func(call goja.FunctionCall) goja.Value {
		u, ok := parseAbsolute(call.Argument(0).String(), call.Argument(1).String())
		if !ok {
			return goja.Null()
		}
		parts := b.vm.NewObject()
		for name, get := range urlParts() {
			_ = parts.Set(name, get(u))
		}
		return parts
	})
	set("encode", func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.vm.NewArrayBuffer([]byte(call.Argument(0).String())))
	})
	set("decode", func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(strings.ToValidUTF8(string(b.exportBytes(call.Argument(0))), "\uFFFD"))
	})
	set("bytes", func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.vm.NewArrayBuffer(b.exportBytes(call.Argument(0))))
	})
	set("concat", func(call goja.FunctionCall) goja.Value {
		var out []byte
		if chunks, ok := call.Argument(0).(*goja.Object); ok {
			for i := int64(0); i < chunks.Get("length").ToInteger(); i++ {
				out = append(out, b.exportBytes(chunks.Get(strconv.FormatInt(i, 10)))...)
			}
		}
		return b.vm.ToValue(b.vm.NewArrayBuffer(out))
	})
	set("parseHTML", func(call goja.FunctionCall) goja.Value {
		doc, err := html.Parse(strings.NewReader(call.Argument(0).String()))
		if err != nil {
			b.logger.Debug("Failed to parse markup", zap.Error(err))
			return goja.Null()
		}
		return b.WrapNode(doc)
	})
	set("reportError", func(call goja.FunctionCall) goja.Value {
		b.ReportError(call.Argument(0))
		return goja.Undefined()
	})
	set("open", func(call goja.FunctionCall) goja.Value {
		target := call.Argument(0).String()
		b.opened = append(b.opened, target)
		b.logger.Info("Page opened a window", zap.String("url", target), zap.String("target", call.Argument(1).String()))
		return goja.Undefined()
	})
	set("log", func(call goja.FunctionCall) goja.Value {
		level, err := zapcore.ParseLevel(call.Argument(0).String())
		if err != nil {
			level = zap.DebugLevel
		}
		b.logger.Log(level, call.Argument(1).String(), zap.String("detail", call.Argument(2).String()))
		return goja.Undefined()
	})
	return n
}

// nativeFetch performs a request for fetch and XMLHttpRequest. Arguments are
// method, url, header pairs, body (ArrayBuffer or null), then the success
// and failure callbacks. Callbacks always run on a later turn of the loop.
func (b *DOMBridge) nativeFetch(call goja.FunctionCall) goja.Value {
	req := schemas.FetchRequest{
		Method:  call.Argument(0).String(),
		URL:     call.Argument(1).String(),
		Headers: b.exportPairs(call.Argument(2)),
	}
	if body := call.Argument(3); !goja.IsNull(body) && !goja.IsUndefined(body) {
		req.Body = b.exportBytes(body)
	}
	onOk, _ := goja.AssertFunction(call.Argument(4))
	onErr, _ := goja.AssertFunction(call.Argument(5))

	fail := func(err error) {
		b.logger.Debug("Page request failed", zap.String("method", req.Method), zap.String("url", req.URL), zap.Error(err))
		b.invoke(onErr, goja.Undefined(), b.vm.ToValue(err.Error()))
	}

	if b.env == nil {
		b.loop.Post(func() { fail(errNoEnvironment) })
		return goja.Undefined()
	}

	ctx := b.ctx
	env := b.env
	b.loop.Go(func() func() {
		resp, err := env.ExecuteFetch(ctx, req)
		return func() {
			if err != nil {
				fail(err)
				return
			}
			b.invoke(onOk, goja.Undefined(), b.responseObject(req, resp))
		}
	})
	return goja.Undefined()
}

func (b *DOMBridge) responseObject(req schemas.FetchRequest, resp *schemas.FetchResponse) *goja.Object {
	res := b.vm.NewObject()
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = req.URL
	}
	_ = res.Set("url", finalURL)
	_ = res.Set("status", resp.Status)
	_ = res.Set("statusText", resp.StatusText)
	_ = res.Set("redirected", resp.Redirected)
	pairs := make([]any, len(resp.Headers))
	for i, h := range resp.Headers {
		pairs[i] = b.vm.NewArray(strings.ToLower(h.Name), h.Value)
	}
	_ = res.Set("headers", b.vm.NewArray(pairs...))
	if req.Method == "HEAD" || resp.Body == nil {
		_ = res.Set("body", goja.Null())
	} else {
		_ = res.Set("body", b.vm.NewArrayBuffer(resp.Body))
	}
	return res
}

// exportBytes copies the contents of an ArrayBuffer, typed array or
// DataView. Anything else yields nil.
func (b *DOMBridge) exportBytes(v goja.Value) []byte {
	if v == nil || goja.IsNull(v) || goja.IsUndefined(v) {
		return nil
	}
	var raw []byte
	if err := b.vm.ExportTo(v, &raw); err != nil {
		return nil
	}
	return append([]byte(nil), raw...)
}

func (b *DOMBridge) exportPairs(v goja.Value) []schemas.NVPair {
	list, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	length := list.Get("length").ToInteger()
	pairs := make([]schemas.NVPair, 0, length)
	for i := int64(0); i < length; i++ {
		entry, ok := list.Get(strconv.FormatInt(i, 10)).(*goja.Object)
		if !ok {
			continue
		}
		pairs = append(pairs, schemas.NVPair{Name: entry.Get("0").String(), Value: entry.Get("1").String()})
	}
	return pairs
}

// parseAbsolute implements the URL constructor's parsing: the result must
// be absolute, either on its own or relative to base.
func parseAbsolute(raw, base string) (*url.URL, bool) {
	if base != "" {
		baseURL, err := url.Parse(base)
		if err != nil || baseURL.Scheme == "" {
			return nil, false
		}
		u, err := baseURL.Parse(raw)
		if err != nil {
			return nil, false
		}
		return u, true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil, false
	}
	return u, true
}
