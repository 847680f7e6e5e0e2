package session_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/browser/network"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/browser/session"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
)

// injectorFunc adapts a function to session.Injector.
type injectorFunc func(env *jsenv.Env, calls []schemas.ScriptletCall)

func (f injectorFunc) Inject(env *jsenv.Env, calls []schemas.ScriptletCall) { f(env, calls) }

func newTestSession(t *testing.T, injector session.Injector, allowFiles bool) *session.Session {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := network.NewBrowserClientConfig()
	cfg.Logger = logger
	cfg.AllowFiles = allowFiles
	s, err := session.NewSession(session.Options{
		Logger:    logger,
		Transport: network.NewClient(cfg),
		Injector:  injector,
		Settle:    time.Minute,
		Start:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		RunID:     "run-1",
		TaskID:    "task-1",
	})
	require.NoError(t, err)
	return s
}

func createTestServer(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if filepath.Ext(r.URL.Path) == ".js" {
			w.Header().Set("Content-Type", "application/javascript")
		} else {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

func evalString(t *testing.T, s *session.Session, script string) string {
	t.Helper()
	result, err := s.Runtime().ExecuteScript(context.Background(), script, nil)
	require.NoError(t, err)
	return fmt.Sprint(result)
}

func TestSession_ScriptOrderAndLifecycle(t *testing.T) {
	server := createTestServer(t, map[string]string{
		"/": `<html><head>
<script>window.order = ['inline1:' + document.readyState];</script>
<script src="/deferred.js" defer></script>
<script src="/external.js"></script>
<script type="application/json">{"not": "code"}</script>
</head><body>
<script>
  order.push('inline2');
  document.addEventListener('DOMContentLoaded', function () { order.push('dcl'); });
  window.addEventListener('load', function () {
    order.push('load:' + document.readyState);
    var s = document.createElement('script');
    s.src = '/dynamic.js';
    s.onload = function () { order.push('dynamic-onload'); };
    document.body.appendChild(s);
    var inline = document.createElement('script');
    inline.textContent = "order.push('dynamic-inline')";
    document.body.appendChild(inline);
  });
  setTimeout(function () { order.push('timer'); }, 30000);
</script>
</body></html>`,
		"/external.js": `order.push('external:' + (document.currentScript && document.currentScript.src.endsWith('/external.js')));`,
		"/deferred.js": `order.push('deferred:' + document.readyState);`,
		"/dynamic.js":  `order.push('dynamic');`,
	})

	s := newTestSession(t, nil, false)
	require.NoError(t, s.Load(context.Background(), server.URL+"/", nil))

	assert.Equal(t,
		"inline1:loading,external:true,inline2,deferred:interactive,dcl,load:complete,dynamic-inline,dynamic,dynamic-onload,timer",
		evalString(t, s, `order.join(',')`))
	assert.Empty(t, s.Errors())

	var urls []string
	for _, r := range s.Requests() {
		urls = append(urls, r.Initiator+" "+r.URL)
	}
	assert.Equal(t, []string{
		"document " + server.URL + "/",
		"script " + server.URL + "/external.js",
		"script " + server.URL + "/deferred.js",
		"script " + server.URL + "/dynamic.js",
	}, urls)
}

func TestSession_InjectsBeforePageScripts(t *testing.T) {
	server := createTestServer(t, map[string]string{
		"/": `<script>window.seen = typeof window.injectedMarker;</script>`,
	})
	calls := []schemas.ScriptletCall{{Name: "marker", Args: []string{"x"}}}

	var received []schemas.ScriptletCall
	injector := injectorFunc(func(env *jsenv.Env, got []schemas.ScriptletCall) {
		received = got
		require.NoError(t, env.Window.Set("injectedMarker", true))
		env.Record("marker", schemas.EventInjected, "window", "")
	})

	s := newTestSession(t, injector, false)
	require.NoError(t, s.Load(context.Background(), server.URL+"/", calls))

	assert.Equal(t, calls, received)
	assert.Equal(t, "boolean", evalString(t, s, `seen`))

	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "run-1", events[0].RunID)
	assert.Equal(t, "task-1", events[0].TaskID)
	assert.Equal(t, server.URL+"/", events[0].PageURL)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), events[0].Timestamp)
}

func TestSession_PageErrorsAreCollected(t *testing.T) {
	server := createTestServer(t, map[string]string{
		"/": `<script>throw new Error('first');</script>
<script src="/missing.js"></script>
<script>window.after = true; console.warn('still running');</script>`,
	})

	s := newTestSession(t, nil, false)
	require.NoError(t, s.Load(context.Background(), server.URL+"/", nil))

	errs := s.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "first")
	assert.Equal(t, "true", evalString(t, s, `window.after`))
	assert.Contains(t, s.Console(), session.ConsoleMessage{Level: "warn", Message: "still running"})
}

func TestSession_FetchGoesThroughHarvester(t *testing.T) {
	server := createTestServer(t, map[string]string{
		"/": `<script>
  fetch('/api/data.json').then(function (r) { return r.json(); }).then(function (d) { window.data = d.value; });
</script>`,
		"/api/data.json": `{"value": 42}`,
	})

	s := newTestSession(t, nil, false)
	require.NoError(t, s.Load(context.Background(), server.URL+"/", nil))
	assert.Equal(t, "42", evalString(t, s, `window.data`))

	records := s.Requests()
	require.Len(t, records, 2)
	assert.Equal(t, server.URL+"/api/data.json", records[1].URL)
	assert.Equal(t, http.StatusOK, records[1].Status)
}

func TestSession_Navigation(t *testing.T) {
	server := createTestServer(t, map[string]string{
		"/": `<script>location.href = '/next';</script>`,
	})
	s := newTestSession(t, nil, false)
	require.NoError(t, s.Load(context.Background(), server.URL+"/", nil))
	assert.Equal(t, []string{server.URL + "/next"}, s.Navigations())
}

func TestSession_LoadsLocalFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "page.html"), []byte(`<script src="app.js"></script>`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte(`window.fromFile = 'yes';`), 0o600))

	s := newTestSession(t, nil, true)
	require.NoError(t, s.Load(context.Background(), filepath.Join(dir, "page.html"), nil))
	assert.Equal(t, "yes", evalString(t, s, `window.fromFile`))

	html, err := s.GetDOMSnapshot()
	require.NoError(t, err)
	assert.Contains(t, html, `<script src="app.js"></script>`)
}

func TestSession_LoadOnlyOnce(t *testing.T) {
	server := createTestServer(t, map[string]string{"/": `<p>hi</p>`})
	s := newTestSession(t, nil, false)
	require.NoError(t, s.Load(context.Background(), server.URL+"/", nil))
	assert.Error(t, s.Load(context.Background(), server.URL+"/", nil))
}

func TestNormalizeTarget(t *testing.T) {
	u, err := session.NormalizeTarget("https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", u.String())

	_, err = session.NormalizeTarget("")
	assert.Error(t, err)

	_, err = session.NormalizeTarget("definitely/not/here.html")
	assert.Error(t, err)
}

func TestNewSession_RequiresTransport(t *testing.T) {
	_, err := session.NewSession(session.Options{})
	assert.Error(t, err)
}
