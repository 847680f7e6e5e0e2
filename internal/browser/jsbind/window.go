package jsbind

import (
	"net/url"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// DefaultUserAgent is reported by navigator.userAgent unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// initWindow exposes the global object as window and adds the Go-backed
// window members.
func (b *DOMBridge) initWindow() {
	global := b.vm.GlobalObject()
	for _, name := range []string{"window", "self", "top", "parent", "frames"} {
		if err := global.Set(name, global); err != nil {
			b.logger.Error("Failed to set window alias", zap.String("name", name), zap.Error(err))
		}
	}
	_ = global.Set("opener", goja.Null())
	_ = global.Set("closed", false)
	_ = global.Set("name", "")
	_ = global.Set("innerWidth", 1920)
	_ = global.Set("innerHeight", 1080)
	_ = global.Set("devicePixelRatio", 1)

	_ = global.Set("alert", b.newFunction("alert", 0, func(call goja.FunctionCall) goja.Value {
		b.logger.Info("[JS Alert]", zap.String("message", call.Argument(0).String()))
		return goja.Undefined()
	}))
	_ = global.Set("confirm", b.newFunction("confirm", 0, func(call goja.FunctionCall) goja.Value {
		b.logger.Info("[JS Confirm]", zap.String("message", call.Argument(0).String()))
		return b.vm.ToValue(true)
	}))
	_ = global.Set("prompt", b.newFunction("prompt", 0, func(call goja.FunctionCall) goja.Value {
		b.logger.Info("[JS Prompt]", zap.String("message", call.Argument(0).String()))
		return goja.Null()
	}))
	// Window focus has no effect on a realm that is never displayed.
	for _, name := range []string{"focus", "blur", "print", "stop"} {
		_ = global.Set(name, b.newFunction(name, 0, func(goja.FunctionCall) goja.Value {
			return goja.Undefined()
		}))
	}

	if err := global.Set("location", b.newLocation()); err != nil {
		b.logger.Error("Failed to set 'location' global", zap.Error(err))
	}
	if err := global.Set("navigator", b.newNavigator()); err != nil {
		b.logger.Error("Failed to set 'navigator' global", zap.Error(err))
	}
}

func (b *DOMBridge) newNavigator() *goja.Object {
	nav := b.vm.NewObject()
	_ = nav.Set("userAgent", b.opts.UserAgent)
	_ = nav.Set("language", b.opts.Language)
	_ = nav.Set("languages", b.vm.NewArray(b.opts.Language))
	_ = nav.Set("platform", b.opts.Platform)
	_ = nav.Set("cookieEnabled", true)
	_ = nav.Set("onLine", true)
	_ = nav.Set("webdriver", false)
	_ = nav.Set("hardwareConcurrency", 8)
	_ = nav.Set("sendBeacon", b.newFunction("sendBeacon", 1, func(call goja.FunctionCall) goja.Value {
		b.logger.Debug("Dropped beacon", zap.String("url", b.resolve(call.Argument(0).String())))
		return b.vm.ToValue(true)
	}))
	return nav
}

// newLocation builds window.location. Assigning to it asks the host to
// navigate; the reported address only changes when the host calls SetURL.
func (b *DOMBridge) newLocation() *goja.Object {
	loc := b.vm.NewObject()
	part := func(name string, get func(u *url.URL) string) {
		getter := b.newFunction("get "+name, 0, func(goja.FunctionCall) goja.Value {
			return b.vm.ToValue(get(b.pageURL))
		})
		if err := loc.DefineAccessorProperty(name, getter, goja.Undefined(), goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			b.logger.Error("Failed to define location part", zap.String("part", name), zap.Error(err))
		}
	}
	navigate := func(target string) {
		resolved := b.resolve(target)
		b.logger.Debug("Page requested navigation", zap.String("url", resolved))
		if b.env != nil {
			b.env.JSNavigate(resolved)
		}
	}

	href := b.newFunction("get href", 0, func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.pageURL.String())
	})
	setHref := b.newFunction("set href", 1, func(call goja.FunctionCall) goja.Value {
		navigate(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = loc.DefineAccessorProperty("href", href, setHref, goja.FLAG_FALSE, goja.FLAG_TRUE)

	parts := urlParts()
	for _, name := range []string{"protocol", "host", "hostname", "port", "pathname", "search", "hash", "origin"} {
		part(name, parts[name])
	}

	for _, name := range []string{"assign", "replace"} {
		_ = loc.Set(name, b.newFunction(name, 1, func(call goja.FunctionCall) goja.Value {
			navigate(call.Argument(0).String())
			return goja.Undefined()
		}))
	}
	_ = loc.Set("reload", b.newFunction("reload", 0, func(goja.FunctionCall) goja.Value {
		navigate(b.pageURL.String())
		return goja.Undefined()
	}))
	_ = loc.Set("toString", b.newFunction("toString", 0, func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.pageURL.String())
	}))
	return loc
}

// urlParts maps the URL component names used by Location and URL.
func urlParts() map[string]func(*url.URL) string {
	return map[string]func(*url.URL) string{
		"href":     func(u *url.URL) string { return u.String() },
		"protocol": func(u *url.URL) string { return u.Scheme + ":" },
		"host":     func(u *url.URL) string { return u.Host },
		"hostname": func(u *url.URL) string { return u.Hostname() },
		"port":     func(u *url.URL) string { return u.Port() },
		"pathname": func(u *url.URL) string {
			if u.Opaque != "" {
				return u.Opaque
			}
			if u.Path == "" && u.Host != "" {
				return "/"
			}
			return u.EscapedPath()
		},
		"search": func(u *url.URL) string {
			if u.RawQuery == "" {
				return ""
			}
			return "?" + u.RawQuery
		},
		"hash": func(u *url.URL) string {
			if u.Fragment == "" {
				return ""
			}
			return "#" + u.EscapedFragment()
		},
		"origin": func(u *url.URL) string {
			if u.Host == "" {
				return "null"
			}
			return u.Scheme + "://" + u.Host
		},
		"username": func(u *url.URL) string { return u.User.Username() },
		"password": func(u *url.URL) string {
			p, _ := u.User.Password()
			return p
		},
	}
}

// resolve turns a page-relative reference into an absolute URL. Invalid
// references are returned unchanged.
func (b *DOMBridge) resolve(ref string) string {
	if b.env != nil {
		if u, err := b.env.ResolveURL(ref); err == nil {
			return u.String()
		}
		return ref
	}
	u, err := b.pageURL.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}
