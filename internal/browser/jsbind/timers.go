package jsbind

import (
	"math"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Frames are scheduled on a fixed 60Hz cadence of the virtual clock.
const frameInterval = 16 * time.Millisecond

// initTimers binds setTimeout and friends to the page's event loop.
func (b *DOMBridge) initTimers() {
	global := b.vm.GlobalObject()
	set := func(name string, fn *goja.Object) {
		if err := global.Set(name, fn); err != nil {
			b.logger.Error("Failed to set timer global", zap.String("name", name), zap.Error(err))
		}
	}

	set("setTimeout", b.newFunction("setTimeout", 1, b.scheduleTimer(false)))
	set("setInterval", b.newFunction("setInterval", 1, b.scheduleTimer(true)))
	clear := func(call goja.FunctionCall) goja.Value {
		if id := call.Argument(0).ToInteger(); id > 0 {
			b.loop.Clear(id)
		}
		return goja.Undefined()
	}
	set("clearTimeout", b.newFunction("clearTimeout", 0, clear))
	set("clearInterval", b.newFunction("clearInterval", 0, clear))

	set("requestAnimationFrame", b.newFunction("requestAnimationFrame", 1, func(call goja.FunctionCall) goja.Value {
		cb, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			b.throwTypeError("Failed to execute 'requestAnimationFrame' on 'Window': The callback provided as parameter 1 is not a function.")
		}
		id := b.loop.SetTimeout(frameInterval, func() {
			stamp := float64(b.loop.Now().UnixNano()) / float64(time.Millisecond)
			b.invoke(cb, b.vm.GlobalObject(), b.vm.ToValue(stamp))
		})
		return b.vm.ToValue(id)
	}))
	set("cancelAnimationFrame", b.newFunction("cancelAnimationFrame", 1, clear))
}

func (b *DOMBridge) scheduleTimer(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		handler := call.Argument(0)
		delay := timerDelay(call.Argument(1))
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}

		fn, ok := goja.AssertFunction(handler)
		if !ok {
			// String handlers are evaluated as scripts.
			source := handler.String()
			fn = func(goja.Value, ...goja.Value) (goja.Value, error) {
				return b.vm.RunString(source)
			}
		}
		run := func() { b.invoke(fn, b.vm.GlobalObject(), args...) }

		var id int64
		if repeat {
			id = b.loop.SetInterval(delay, run)
		} else {
			id = b.loop.SetTimeout(delay, run)
		}
		return b.vm.ToValue(id)
	}
}

func timerDelay(v goja.Value) time.Duration {
	if v == nil || goja.IsUndefined(v) {
		return 0
	}
	ms := v.ToFloat()
	if math.IsNaN(ms) || ms < 0 {
		return 0
	}
	if ms > math.MaxInt32 {
		// Browsers overflow oversized delays to zero.
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}
