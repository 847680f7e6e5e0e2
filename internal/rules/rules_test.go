package rules

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		hostnames []string
		call      schemas.ScriptletCall
		syntax    Syntax
		exception bool
	}{
		{
			name:      "adguard single quotes",
			line:      `example.org,example.net#%#//scriptlet('set-constant', 'ads', 'false')`,
			hostnames: []string{"example.org", "example.net"},
			call:      schemas.ScriptletCall{Name: "set-constant", Args: []string{"ads", "false"}},
			syntax:    SyntaxAdGuard,
		},
		{
			name:   "adguard double quotes with comma in regexp",
			line:   `#%#//scriptlet("prevent-fetch", "/ads\\.(js|json),x/")`,
			call:   schemas.ScriptletCall{Name: "prevent-fetch", Args: []string{`/ads\\.(js|json),x/`}},
			syntax: SyntaxAdGuard,
		},
		{
			name:   "adguard escaped quote",
			line:   `#%#//scriptlet('set-constant', 'a', 'it\'s')`,
			call:   schemas.ScriptletCall{Name: "set-constant", Args: []string{"a", "it's"}},
			syntax: SyntaxAdGuard,
		},
		{
			name:   "adguard ubo compatibility name",
			line:   `#%#//scriptlet('ubo-nowebrtc.js')`,
			call:   schemas.ScriptletCall{Name: "nowebrtc", Args: []string{}},
			syntax: SyntaxAdGuard,
		},
		{
			name:      "ublock bare arguments",
			line:      `example.com##+js(no-xhr-if, ads.example.net, true)`,
			hostnames: []string{"example.com"},
			call:      schemas.ScriptletCall{Name: "no-xhr-if", Args: []string{"ads.example.net", "true"}},
			syntax:    SyntaxUBlock,
		},
		{
			name:   "ublock escaped comma and js suffix",
			line:   `##+js(set-constant.js, a\, b, 1)`,
			call:   schemas.ScriptletCall{Name: "set-constant", Args: []string{"a, b", "1"}},
			syntax: SyntaxUBlock,
		},
		{
			name:      "ublock exception",
			line:      `example.com#@#+js(nowebrtc)`,
			hostnames: []string{"example.com"},
			call:      schemas.ScriptletCall{Name: "nowebrtc", Args: []string{}},
			syntax:    SyntaxUBlock,
			exception: true,
		},
		{
			name:      "adguard exception for everything",
			line:      `example.com#@%#//scriptlet()`,
			hostnames: []string{"example.com"},
			syntax:    SyntaxAdGuard,
			exception: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.hostnames, r.Hostnames)
			if diff := cmp.Diff(tt.call, r.Call, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Parse(%q) call mismatch (-want +got):\n%s", tt.line, diff)
			}
			assert.Equal(t, tt.syntax, r.Syntax)
			assert.Equal(t, tt.exception, r.Exception)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse(`example.org##.banner`)
	assert.ErrorIs(t, err, ErrUnsupportedSyntax)

	_, err = Parse(`example.org#%#//scriptlet()`)
	assert.ErrorIs(t, err, ErrEmptyBody)

	_, err = Parse(`example.org#%#//scriptlet(set-constant, 'a')`)
	assert.ErrorIs(t, err, ErrNotQuoted)

	_, err = Parse(`example.org,,example.net##+js(nowebrtc)`)
	assert.Error(t, err)

	_, err = Parse(`~example.org##+js(nowebrtc)`)
	assert.Error(t, err)
}

func TestStore_Lookup(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))
	for _, line := range []string{
		`example.org#%#//scriptlet('set-constant', 'a', 'true')`,
		`*.mail.example.com##+js(nowebrtc)`,
		`example.*##+js(prevent-fetch, ads)`,
		`127.0.0.1##+js(json-prune, x)`,
		`##+js(set-local-storage-item, consent, accepted)`,
	} {
		require.NoError(t, s.AddLine(line))
	}

	names := func(host string) []string {
		var out []string
		for _, c := range s.Lookup(host) {
			out = append(out, c.Name)
		}
		return out
	}

	assert.Equal(t, []string{"set-constant", "prevent-fetch", "set-local-storage-item"}, names("example.org"))
	assert.Equal(t, []string{"set-constant", "prevent-fetch", "set-local-storage-item"}, names("www.example.org"))
	assert.Equal(t, []string{"nowebrtc", "prevent-fetch", "set-local-storage-item"}, names("imap.mail.example.com"))
	assert.Equal(t, []string{"prevent-fetch", "set-local-storage-item"}, names("example.co.uk"))
	assert.Equal(t, []string{"json-prune", "set-local-storage-item"}, names("127.0.0.1"))
	assert.Equal(t, []string{"set-local-storage-item"}, names("1.127.0.0.1"))
	assert.Equal(t, []string{"set-local-storage-item"}, names("other.net"))
	assert.Equal(t, 5, s.Len())
}

func TestStore_Exceptions(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.AddLine(`##+js(nowebrtc)`))
	require.NoError(t, s.AddLine(`##+js(set-constant, a, 1)`))
	require.NoError(t, s.AddLine(`trusted.com#@#+js(nowebrtc)`))
	require.NoError(t, s.AddLine(`open.com#@%#//scriptlet()`))
	require.NoError(t, s.AddLine(`example.com#%#//scriptlet('set-constant', 'a', '1')`))

	assert.Equal(t, []schemas.ScriptletCall{{Name: "set-constant", Args: []string{"a", "1"}}}, s.Lookup("trusted.com"))
	assert.Empty(t, s.Lookup("open.com"))
	// The duplicate from the AdGuard rule collapses into the first.
	assert.Len(t, s.Lookup("example.com"), 2)
}

func TestStore_Load(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))
	list := strings.Join([]string{
		"! Title: test list",
		"[Adblock Plus 2.0]",
		"",
		"example.org##.banner",
		"example.org##+js(nowebrtc)",
		"example.org#%#//scriptlet(unquoted)",
		"example.org#%#//scriptlet('set-constant', 'a', 'true')",
	}, "\n")

	n, err := s.Load(strings.NewReader(list))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, s.Lookup("example.org"), 2)
}

func TestStore_LoadFileMissing(t *testing.T) {
	_, err := NewStore(nil).LoadFile("does-not-exist.txt")
	assert.Error(t, err)
}

func TestParseCall(t *testing.T) {
	call, err := ParseCall(`ubo-set-constant.js, ads\, promos, 'false'`)
	require.NoError(t, err)
	assert.Equal(t, "set-constant", call.Name)
	assert.Equal(t, []string{"ads, promos", "false"}, call.Args)

	call, err = ParseCall("nowebrtc")
	require.NoError(t, err)
	assert.Equal(t, "nowebrtc", call.Name)
	assert.Empty(t, call.Args)

	_, err = ParseCall("  ")
	assert.ErrorIs(t, err, ErrEmptyBody)
	_, err = ParseCall(", ads")
	assert.ErrorIs(t, err, ErrEmptyBody)
}
