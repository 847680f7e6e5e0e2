package patch

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
)

func newEnv(t *testing.T) *jsenv.Env {
	t.Helper()
	rt := goja.New()
	env, err := jsenv.New(rt, jsenv.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return env
}

func TestWrap_ChainsInInstallationOrder(t *testing.T) {
	env := newEnv(t)
	rt := env.Runtime
	_, err := rt.RunString(`var calls = []; var api = { send: function send(x) { calls.push('original:' + x); return x } }`)
	require.NoError(t, err)
	api := rt.Get("api").ToObject(rt)

	var order []string
	for _, name := range []string{"first", "second"} {
		name := name
		_, err := Wrap(env, api, "send", func(call goja.FunctionCall, next Next) goja.Value {
			order = append(order, name)
			return next(call.This, call.Arguments...)
		})
		require.NoError(t, err)
	}

	v, err := rt.RunString(`api.send('payload')`)
	require.NoError(t, err)
	assert.Equal(t, "payload", v.String())
	assert.Equal(t, []string{"second", "first"}, order)

	chain := Chain(env, api, "send")
	require.Len(t, chain, 2)
	assert.Equal(t, 1, chain[0].Depth)
	assert.Equal(t, 0, chain[1].Depth)
	assert.True(t, chain[0].Prev.SameAs(chain[1].Impl))
}

func TestWrap_CanShortCircuit(t *testing.T) {
	env := newEnv(t)
	rt := env.Runtime
	_, err := rt.RunString(`var hit = false; var api = { send: function () { hit = true } }`)
	require.NoError(t, err)

	_, err = Wrap(env, rt.Get("api").ToObject(rt), "send", func(goja.FunctionCall, Next) goja.Value {
		return rt.ToValue("blocked")
	})
	require.NoError(t, err)

	v, err := rt.RunString(`api.send()`)
	require.NoError(t, err)
	assert.Equal(t, "blocked", v.String())
	assert.False(t, rt.Get("hit").ToBoolean())
}

func TestWrap_LooksNative(t *testing.T) {
	env := newEnv(t)
	rt := env.Runtime
	jsonObj := rt.Get("JSON").ToObject(rt)
	_, err := Wrap(env, jsonObj, "parse", func(call goja.FunctionCall, next Next) goja.Value {
		return next(call.This, call.Arguments...)
	})
	require.NoError(t, err)

	v, err := rt.RunString(`[JSON.parse.name, JSON.parse.length, String(JSON.parse).includes('[native code]'), JSON.parse('{"a":1}').a].join(',')`)
	require.NoError(t, err)
	assert.Equal(t, "parse,2,true,1", v.String())
}

func TestWrap_PropagatesExceptions(t *testing.T) {
	env := newEnv(t)
	rt := env.Runtime
	_, err := rt.RunString(`var api = { send: function () { throw new TypeError('inner') } }`)
	require.NoError(t, err)
	_, err = Wrap(env, rt.Get("api").ToObject(rt), "send", func(call goja.FunctionCall, next Next) goja.Value {
		return next(call.This, call.Arguments...)
	})
	require.NoError(t, err)

	v, err := rt.RunString(`try { api.send(); 'no' } catch (e) { e instanceof TypeError && e.message }`)
	require.NoError(t, err)
	assert.Equal(t, "inner", v.String())
}

func TestWrap_RejectsNonFunctions(t *testing.T) {
	env := newEnv(t)
	obj := env.Runtime.NewObject()
	require.NoError(t, obj.Set("value", 1))
	_, err := Wrap(env, obj, "value", func(goja.FunctionCall, Next) goja.Value { return nil })
	assert.ErrorIs(t, err, ErrNotFunction)
	_, err = Wrap(env, obj, "missing", func(goja.FunctionCall, Next) goja.Value { return nil })
	assert.ErrorIs(t, err, ErrNotFunction)
}

func TestWrap_ReceivesThis(t *testing.T) {
	env := newEnv(t)
	rt := env.Runtime
	_, err := rt.RunString(`function Counter() { this.n = 0 } Counter.prototype.inc = function () { return ++this.n }`)
	require.NoError(t, err)
	proto := rt.Get("Counter").ToObject(rt).Get("prototype").ToObject(rt)

	_, err = Wrap(env, proto, "inc", func(call goja.FunctionCall, next Next) goja.Value {
		return next(call.This)
	})
	require.NoError(t, err)

	v, err := rt.RunString(`var c = new Counter(); c.inc(); c.inc()`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.ToInteger())
}
