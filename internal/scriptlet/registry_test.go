package scriptlet_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
)

func TestRegistry_AliasesResolveToCanonicalNames(t *testing.T) {
	r := scriptlet.NewRegistry()
	cases := map[string]string{
		"aopr":                "abort-on-property-read",
		"aopw":                "abort-on-property-write",
		"aost":                "abort-on-stack-trace",
		"no-fetch-if":         "prevent-fetch",
		"no-xhr-if":           "prevent-xhr",
		"nowoif":              "prevent-window-open",
		"prevent-setTimeout":  "prevent-set-timeout",
		"prevent-setInterval": "prevent-set-interval",
		"json-prune":          "json-prune",
	}
	for alias, want := range cases {
		def, ok := r.Lookup(alias)
		require.True(t, ok, alias)
		assert.Equal(t, want, def.Name, alias)
	}

	_, ok := r.Lookup("no-such-thing")
	assert.False(t, ok)
}

func TestRegistry_Names(t *testing.T) {
	names := scriptlet.NewRegistry().Names()
	require.Len(t, names, 16)
	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1].Name, names[i].Name)
	}
	assert.Equal(t, "abort-current-inline-script", names[0].Name)
	for _, def := range names {
		if def.Name == "prevent-fetch" {
			assert.Equal(t, []string{"no-fetch-if"}, def.Aliases)
		}
	}
}

func TestRegistry_Describe(t *testing.T) {
	r := scriptlet.NewRegistry()

	desc, ok := r.Describe("nowoif")
	require.True(t, ok)
	assert.Equal(t, "Replaces matching window.open calls with a decoy", desc)

	for _, def := range r.Names() {
		assert.NotEmpty(t, def.Description, def.Name)
	}

	_, ok = r.Describe("no-such-thing")
	assert.False(t, ok)
}

func TestDispatcher_Errors(t *testing.T) {
	p := newPage(t, nil)

	err := p.dispatcher.Invoke("does-not-exist", "x")
	assert.ErrorIs(t, err, scriptlet.ErrUnknownScriptlet)

	err = p.dispatcher.Invoke("set-constant", "a.b", "not-a-constant")
	assert.ErrorIs(t, err, pattern.ErrInvalidValue)

	err = p.dispatcher.Invoke("prevent-fetch", "bogus:value")
	var parseErr *pattern.ParseError
	assert.ErrorAs(t, err, &parseErr)

	err = p.dispatcher.Invoke("abort-on-property-read")
	assert.ErrorIs(t, err, scriptlet.ErrInvalidArgument)

	rejected := p.events(schemas.EventRejected)
	require.Len(t, rejected, 3)
	assert.Equal(t, "set-constant", rejected[0].Scriptlet)
	assert.Equal(t, "prevent-fetch", rejected[1].Scriptlet)
	assert.Empty(t, p.events(schemas.EventInjected))

	// The failed set-constant left the page untouched.
	assert.Equal(t, "undefined", p.eval(`typeof window.a`))
}

func TestDispatcher_UnsupportedEnvironment(t *testing.T) {
	p := newPage(t, nil)
	p.eval(`delete window.RTCPeerConnection; delete window.webkitRTCPeerConnection; 0`)

	err := p.dispatcher.Invoke("nowebrtc")
	assert.ErrorIs(t, err, jsenv.ErrUnsupported)
	require.Len(t, p.events(schemas.EventRejected), 1)
}

func TestRegistry_InjectRecordsEachCall(t *testing.T) {
	s, _ := loadPage(t, nil, `<script>window.v = JSON.parse('{"a":1,"b":2}');</script>`,
		call("json-prune", "a"),
		call("unknown-scriptlet"),
		call("prevent-xhr", "url:/x/", "length:10-5"),
	)

	injected := eventsOf(s, schemas.EventInjected)
	require.Len(t, injected, 1)
	assert.Equal(t, "json-prune", injected[0].Scriptlet)
	assert.Equal(t, "a", injected[0].Detail)
	assert.Equal(t, "run-1", injected[0].RunID)
	assert.Equal(t, pageURL, injected[0].PageURL)

	rejected := eventsOf(s, schemas.EventRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "prevent-xhr", rejected[0].Scriptlet)

	assert.Equal(t, `{"b":2}`, evalIn(t, s, `JSON.stringify(v)`))
}
