package jsbind

import (
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// consolePrinter sends console output to the bridge logger and the
// OnConsole hook.
type consolePrinter struct {
	b *DOMBridge
}

func (p consolePrinter) Log(msg string)   { p.b.printConsole("log", zap.InfoLevel, msg) }
func (p consolePrinter) Warn(msg string)  { p.b.printConsole("warn", zap.WarnLevel, msg) }
func (p consolePrinter) Error(msg string) { p.b.printConsole("error", zap.ErrorLevel, msg) }

func (b *DOMBridge) printConsole(level string, zl zapcore.Level, message string) {
	b.logger.Log(zl, "[JS Console]", zap.String("level", level), zap.String("message", message))
	if b.opts.OnConsole != nil {
		b.opts.OnConsole(level, message)
	}
}

// initConsole loads the goja_nodejs console module with a printer bound to
// the bridge. Object arguments are rendered the way devtools shows them
// before the module formats the line.
func (b *DOMBridge) initConsole() {
	registry := new(require.Registry)
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(consolePrinter{b: b}))
	registry.Enable(b.vm)

	global := b.vm.GlobalObject()
	var module *goja.Object
	if ex := b.vm.Try(func() {
		module, _ = require.Require(b.vm, console.ModuleName).(*goja.Object)
	}); ex != nil {
		b.logger.Error("Failed to load console module", zap.Error(ex))
	}
	if module == nil {
		module = b.vm.NewObject()
	}
	// Pages do not have require.
	_ = global.Delete("require")

	stringify, _ := goja.AssertFunction(b.vm.Get("JSON").ToObject(b.vm).Get("stringify"))
	out := b.vm.NewObject()
	bind := func(name, target string) {
		emit, ok := goja.AssertFunction(module.Get(target))
		if !ok {
			return
		}
		_ = out.Set(name, b.newFunction(name, 0, func(call goja.FunctionCall) goja.Value {
			args := make([]goja.Value, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = b.formatConsoleArg(stringify, arg)
			}
			if _, err := emit(module, args...); err != nil {
				b.logger.Debug("Console formatting failed", zap.Error(err))
			}
			return goja.Undefined()
		}))
	}
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		bind(name, name)
	}
	for _, name := range []string{"trace", "dir", "table"} {
		bind(name, "debug")
	}

	// Grouping and timing are accepted and ignored.
	for _, name := range []string{"group", "groupCollapsed", "groupEnd", "time", "timeEnd", "count", "assert", "clear"} {
		_ = out.Set(name, b.newFunction(name, 0, func(goja.FunctionCall) goja.Value { return goja.Undefined() }))
	}

	if err := global.Set("console", out); err != nil {
		b.logger.Error("Failed to set 'console' global", zap.Error(err))
	}
}

// formatConsoleArg renders objects as JSON, functions as [Function] and
// errors by their message. Primitives pass through so format strings work.
func (b *DOMBridge) formatConsoleArg(stringify goja.Callable, arg goja.Value) goja.Value {
	obj, ok := arg.(*goja.Object)
	if !ok || stringify == nil {
		return arg
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		return b.vm.ToValue("[Function]")
	}
	if b.vm.InstanceOf(obj, b.vm.Get("Error").ToObject(b.vm)) {
		return b.vm.ToValue(obj.String())
	}
	out, err := stringify(goja.Undefined(), obj)
	if err != nil || out == nil || goja.IsUndefined(out) {
		return b.vm.ToValue("[object]")
	}
	return out
}
