package jsenv

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
)

func newTestEnv(t *testing.T) (*Env, *[]schemas.InterceptionEvent) {
	t.Helper()
	rt := goja.New()
	var events []schemas.InterceptionEvent
	env, err := New(rt, Options{
		Logger:   zaptest.NewLogger(t),
		Recorder: RecorderFunc(func(e schemas.InterceptionEvent) { events = append(events, e) }),
		PageURL:  "https://example.org/",
		RunID:    "run-1",
	})
	require.NoError(t, err)
	return env, &events
}

func TestEnv_OwnDescriptor(t *testing.T) {
	env, _ := newTestEnv(t)
	_, err := env.Runtime.RunString(`
		var obj = { plain: 1 };
		Object.defineProperty(obj, 'locked', { value: 2, writable: false, configurable: false });
		Object.defineProperty(obj, 'acc', { get() { return 3 }, configurable: true });
	`)
	require.NoError(t, err)
	obj := env.Runtime.Get("obj").ToObject(env.Runtime)

	d, ok := env.OwnDescriptor(obj, "plain")
	require.True(t, ok)
	assert.False(t, d.Accessor)
	assert.True(t, d.Writable)
	assert.Equal(t, int64(1), d.Value.ToInteger())

	d, ok = env.OwnDescriptor(obj, "locked")
	require.True(t, ok)
	assert.False(t, d.Configurable)
	assert.False(t, env.Configurable(obj, "locked"))

	d, ok = env.OwnDescriptor(obj, "acc")
	require.True(t, ok)
	assert.True(t, d.Accessor)
	assert.True(t, IsFunction(d.Get))
	assert.True(t, goja.IsUndefined(d.Set))

	_, ok = env.OwnDescriptor(obj, "missing")
	assert.False(t, ok)
	assert.True(t, env.Configurable(obj, "missing"))
}

func TestEnv_BindIsCached(t *testing.T) {
	env, _ := newTestEnv(t)
	rt := env.Runtime
	fn := rt.Get("Object").ToObject(rt).Get("keys").ToObject(rt)
	receiver := rt.NewObject()

	a := env.Bind(fn, receiver)
	b := env.Bind(fn, receiver)
	assert.True(t, a.StrictEquals(b))
	assert.True(t, env.IsNative(fn))

	userFn, err := rt.RunString(`(function named() { return 1 })`)
	require.NoError(t, err)
	assert.False(t, env.IsNative(userFn.ToObject(rt)))
	assert.Contains(t, env.FunctionSource(userFn), "return 1")
}

func TestEnv_Require(t *testing.T) {
	env, _ := newTestEnv(t)
	assert.NoError(t, env.Require("Proxy", "JSON"))

	err := env.Require("fetch", "Proxy", "XMLHttpRequest")
	require.ErrorIs(t, err, ErrUnsupported)
	assert.Contains(t, err.Error(), "fetch, XMLHttpRequest")
}

func TestEnv_ReferenceErrorCannotBeForged(t *testing.T) {
	env, _ := newTestEnv(t)
	_, err := env.Runtime.RunString(`ReferenceError = function FakeReferenceError() {}`)
	require.NoError(t, err)

	genuine := env.NewReferenceError("token")
	assert.True(t, env.IsReferenceError(genuine))
	assert.Equal(t, "token", genuine.Get("message").String())

	forged, err := env.Runtime.RunString(`new ReferenceError('token')`)
	require.NoError(t, err)
	assert.False(t, env.IsReferenceError(forged))
}

func TestEnv_ParseJSONBypassesPatches(t *testing.T) {
	env, _ := newTestEnv(t)
	_, err := env.Runtime.RunString(`JSON.parse = function () { return 'patched' }`)
	require.NoError(t, err)

	v, err := env.ParseJSON(`{"a":1}`)
	require.NoError(t, err)
	out, err := env.StringifyJSON(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)
}

func TestEnv_MatchStack(t *testing.T) {
	env, _ := newTestEnv(t)
	var hit, miss bool
	require.NoError(t, env.Runtime.Set("probe", func(goja.FunctionCall) goja.Value {
		hit = env.MatchStack(pattern.ParseSubstringOrRegexp("ad-loader.js"))
		miss = env.MatchStack(pattern.ParseSubstringOrRegexp("/^analytics/"))
		return goja.Undefined()
	}))

	_, err := env.Runtime.RunScript("https://cdn.example.org/ad-loader.js", `function load() { probe() } load()`)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.False(t, miss)
}

func TestEnv_Record(t *testing.T) {
	env, events := newTestEnv(t)
	env.Record("prevent-fetch", schemas.EventBlocked, "https://ads.example.org/", "")

	require.Len(t, *events, 1)
	ev := (*events)[0]
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, "https://example.org/", ev.PageURL)
	assert.Equal(t, schemas.EventBlocked, ev.Kind)
}
