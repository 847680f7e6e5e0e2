package abort

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
)

// minimalWindow provides just enough of EventTarget for the suppressor.
const minimalWindow = `
	var listeners = [];
	function addEventListener(type, fn) { listeners.push({ type: type, fn: fn }) }
	function dispatchError(error) {
		var ev = { type: 'error', error: error, defaultPrevented: false,
			preventDefault: function () { this.defaultPrevented = true } };
		listeners.forEach(function (l) { if (l.type === 'error') l.fn(ev) });
		return ev.defaultPrevented;
	}
`

func newEnv(t *testing.T) (*jsenv.Env, *[]schemas.InterceptionEvent) {
	t.Helper()
	rt := goja.New()
	_, err := rt.RunString(minimalWindow)
	require.NoError(t, err)
	var events []schemas.InterceptionEvent
	env, err := jsenv.New(rt, jsenv.Options{
		Logger:   zaptest.NewLogger(t),
		Recorder: jsenv.RecorderFunc(func(e schemas.InterceptionEvent) { events = append(events, e) }),
	})
	require.NoError(t, err)
	return env, &events
}

func TestToken_ThrowAndSuppress(t *testing.T) {
	env, events := newEnv(t)
	rt := env.Runtime
	token := NewToken("abort-on-property-read")
	require.NoError(t, InstallSuppressor(env, token))

	require.NoError(t, rt.Set("guarded", func(goja.FunctionCall) goja.Value {
		token.Throw(env, "adblockDetector")
		return goja.Undefined()
	}))

	v, err := rt.RunString(`
		var caught;
		try { guarded() } catch (e) { caught = e }
		[caught instanceof ReferenceError, dispatchError(caught)].join(',')
	`)
	require.NoError(t, err)
	assert.Equal(t, "true,true", v.String())

	require.Len(t, *events, 1)
	assert.Equal(t, schemas.EventAborted, (*events)[0].Kind)
	assert.Equal(t, "adblockDetector", (*events)[0].Target)
	assert.Equal(t, token.ID, (*events)[0].Detail)
}

func TestToken_SuppressorIgnoresOtherErrors(t *testing.T) {
	env, _ := newEnv(t)
	token := NewToken("abort-on-property-write")
	other := NewToken("abort-on-property-write")
	require.NoError(t, InstallSuppressor(env, token))
	require.NoError(t, env.Runtime.Set("otherAbort", env.NewReferenceError(other.Message())))
	require.NoError(t, env.Runtime.Set("forged", env.Runtime.ToValue(token.Message())))

	v, err := env.Runtime.RunString(`[
		dispatchError(new TypeError('unrelated')),
		dispatchError(otherAbort),
		dispatchError(new ReferenceError('plain')),
		dispatchError(undefined),
	].join(',')`)
	require.NoError(t, err)
	assert.Equal(t, "false,false,false,false", v.String())

	// The page cannot forge a matching abort by swapping the constructor.
	v, err = env.Runtime.RunString(`
		ReferenceError = function ReferenceError(m) { this.message = m };
		dispatchError(new ReferenceError(forged))
	`)
	require.NoError(t, err)
	assert.False(t, v.ToBoolean())
}

func TestToken_Matches(t *testing.T) {
	env, _ := newEnv(t)
	token := NewToken("abort-on-stack-trace")
	assert.True(t, token.Matches(env, env.NewReferenceError(token.Message())))
	assert.False(t, token.Matches(env, env.NewTypeError(token.Message())))
	assert.False(t, token.Matches(env, goja.Undefined()))
	assert.NotEqual(t, token.ID, NewToken("abort-on-stack-trace").ID)
}

func TestInstallSuppressor_Unsupported(t *testing.T) {
	rt := goja.New()
	env, err := jsenv.New(rt, jsenv.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.ErrorIs(t, InstallSuppressor(env, NewToken("x")), jsenv.ErrUnsupported)
}
