package jsbind

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/browser/eventloop"
)

// -- Mock BrowserEnvironment --

type MockBrowserEnvironment struct {
	mock.Mock
	mu         sync.RWMutex
	currentURL *url.URL
}

func NewMockBrowserEnvironment(initialURL string) *MockBrowserEnvironment {
	u, err := url.Parse(initialURL)
	if err != nil {
		panic("invalid initialURL for mock environment: " + err.Error())
	}
	return &MockBrowserEnvironment{currentURL: u}
}

func (m *MockBrowserEnvironment) JSNavigate(targetURL string) {
	m.Called(targetURL)
}

func (m *MockBrowserEnvironment) ExecuteFetch(ctx context.Context, req schemas.FetchRequest) (*schemas.FetchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.FetchResponse), args.Error(1)
}

func (m *MockBrowserEnvironment) ResolveURL(targetURL string) (*url.URL, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentURL.Parse(targetURL)
}

// -- Test Setup Utilities --

type TestEnvironment struct {
	Bridge  *DOMBridge
	Loop    *eventloop.Loop
	MockEnv *MockBrowserEnvironment
	Logger  *zap.Logger
	T       *testing.T
}

func SetupTest(t *testing.T, initialHTML string, initialURL string) *TestEnvironment {
	return SetupTestWithOptions(t, initialHTML, initialURL, Options{})
}

func SetupTestWithOptions(t *testing.T, initialHTML string, initialURL string, opts Options) *TestEnvironment {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mockEnv := NewMockBrowserEnvironment(initialURL)
	loop := eventloop.New(logger, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	bridge, err := NewDOMBridge(context.Background(), loop.Runtime(), loop, mockEnv, logger, opts)
	require.NoError(t, err)

	doc, err := html.Parse(strings.NewReader(initialHTML))
	require.NoError(t, err)
	bridge.UpdateDOM(doc)
	bridge.SetURL(mockEnv.currentURL)

	return &TestEnvironment{
		Bridge:  bridge,
		Loop:    loop,
		MockEnv: mockEnv,
		Logger:  logger,
		T:       t,
	}
}

// RunJS evaluates script and then drives the loop until it is idle.
func (te *TestEnvironment) RunJS(script string) (goja.Value, error) {
	val, err := te.Bridge.Runtime().RunString(script)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := te.Loop.Run(ctx, time.Minute); err != nil {
		return nil, err
	}
	return val, nil
}

// MustRunJS is a helper that runs a script and fails the test on error.
func (te *TestEnvironment) MustRunJS(script string) goja.Value {
	te.T.Helper()
	val, err := te.RunJS(script)
	require.NoError(te.T, err)
	return val
}

const basicPage = `<html><head><title> Demo </title><script src="/app.js"></script></head>
<body><div id="main" class="wrap big"><ul><li>one</li><li class="x">two</li></ul></div></body></html>`

// -- Test Cases --

func TestWrapNodeIdentity(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")

	val := te.MustRunJS(`
		const a = document.getElementById('main');
		[a === document.querySelector('#main'),
		 a === document.body.firstChild,
		 a.parentNode === document.body,
		 a instanceof HTMLElement && a instanceof Node,
		 document instanceof Document].join(',')
	`)
	assert.Equal(t, "true,true,true,true,true", val.String())
}

func TestDocumentAccessors(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")

	val := te.MustRunJS(`[document.title, document.URL, document.readyState, document.defaultView === window].join('|')`)
	assert.Equal(t, "Demo|http://example.com/home|loading|true", val.String())

	te.Bridge.SetReadyState("interactive")
	assert.Equal(t, "interactive", te.MustRunJS(`document.readyState`).String())
}

func TestWindowFocusMethods(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")

	val := te.MustRunJS(`[typeof window.focus, typeof blur, window.focus(), window.blur === blur].join(',')`)
	assert.Equal(t, "function,function,,true", val.String())
}

func TestQueriesAndMutation(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")

	val := te.MustRunJS(`
		const main = document.getElementById('main');
		const counts = [
			document.querySelectorAll('li').length,
			main.querySelectorAll('ul > li').length,
			document.getElementsByClassName('x').length,
			document.getElementsByTagName('LI').length,
			main.querySelector('li.x').textContent,
		];
		const p = document.createElement('p');
		p.setAttribute('class', 'note');
		p.textContent = 'hi';
		main.appendChild(p);
		counts.push(main.children.length, main.lastChild === p);
		counts.join(',')
	`)
	assert.Equal(t, "2,2,1,2,two,2,true", val.String())

	out, err := te.Bridge.GetOuterHTML()
	require.NoError(t, err)
	assert.Contains(t, out, `<p class="note">hi</p>`)

	te.MustRunJS(`document.querySelector('.note').remove()`)
	out, err = te.Bridge.GetOuterHTML()
	require.NoError(t, err)
	assert.NotContains(t, out, "note")
}

func TestInvalidSelectorThrows(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")
	_, err := te.RunJS(`document.querySelector('div[')`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a valid selector")
}

func TestTranslateCSSToXPath(t *testing.T) {
	tests := []struct {
		css     string
		want    string
		wantErr bool
	}{
		{css: "div", want: "//div"},
		{css: "#main", want: "//*[@id='main']"},
		{css: "div.item", want: "//div[contains(concat(' ', normalize-space(@class), ' '), ' item ')]"},
		{css: "ul > li", want: "//ul/li"},
		{css: "ul>li", want: "//ul/li"},
		{css: "div p", want: "//div//p"},
		{css: "a[href^=http]", want: "//a[starts-with(@href, 'http')]"},
		{css: `a[href*="ads"]`, want: "//a[contains(@href, 'ads')]"},
		{css: "input[disabled]", want: "//input[@disabled]"},
		{css: "p, span", want: "//p | //span"},
		{css: "", wantErr: true},
		{css: "div[", wantErr: true},
		{css: "di$v", wantErr: true},
		{css: "a,", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.css, func(t *testing.T) {
			got, err := translateCSSToXPath(tt.css)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventListenersOnceAndPreventDefault(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")

	val := te.MustRunJS(`
		const seen = [];
		window.addEventListener('ping', () => seen.push('a'), { once: true });
		window.addEventListener('ping', (e) => { seen.push('b'); e.preventDefault(); });
		window.onping = () => seen.push('on');
		const first = dispatchEvent(new Event('ping', { cancelable: true }));
		const second = dispatchEvent(new Event('ping'));
		JSON.stringify([seen, first, second])
	`)
	assert.Equal(t, `[["on","a","b","on","b"],false,true]`, val.String())
}

func TestTimersRunInVirtualTimeOrder(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")

	te.MustRunJS(`
		var order = [];
		var start = Date.now();
		setTimeout(() => order.push('t20'), 20);
		setTimeout((tag) => order.push(tag), 0, 't0');
		var ticks = 0;
		var id = setInterval(() => { order.push('i'); if (++ticks === 2) clearInterval(id); }, 5);
		var dropped = setTimeout(() => order.push('never'), 1);
		clearTimeout(dropped);
		setTimeout("order.push('str')", 30);
		Promise.resolve().then(() => order.push('micro'));
	`)
	val := te.MustRunJS(`JSON.stringify(order) + ' ' + (Date.now() - start)`)
	assert.Equal(t, `["micro","t0","i","i","t20","str"] 30`, val.String())
	assert.Empty(t, te.Bridge.UncaughtErrors())
}

func TestFetchResolvesThroughEnvironment(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")
	te.MockEnv.On("ExecuteFetch", mock.Anything, mock.MatchedBy(func(req schemas.FetchRequest) bool {
		return req.Method == "POST" &&
			req.URL == "http://example.com/api" &&
			string(req.Body) == "x=1" &&
			len(req.Headers) == 1 && req.Headers[0] == schemas.NVPair{Name: "content-type", Value: "text/plain"}
	})).Return(&schemas.FetchResponse{
		Status:     200,
		StatusText: "OK",
		Headers:    []schemas.NVPair{{Name: "Content-Type", Value: "application/json"}},
		Body:       []byte(`{"ok":true}`),
	}, nil).Once()

	te.MustRunJS(`
		var result;
		fetch('/api', { method: 'post', body: 'x=1', headers: { 'Content-Type': 'text/plain' } })
			.then((r) => {
				result = { status: r.status, ok: r.ok, type: r.headers.get('content-type'), url: r.url, kind: r.type };
				return r.json();
			})
			.then((j) => { result.body = j.ok; });
	`)
	val := te.MustRunJS(`JSON.stringify(result)`)
	assert.JSONEq(t, `{"status":200,"ok":true,"type":"application/json","url":"http://example.com/api","kind":"basic","body":true}`, val.String())
	te.MockEnv.AssertExpectations(t)
}

func TestFetchNetworkFailureRejects(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")
	te.MockEnv.On("ExecuteFetch", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Once()

	te.MustRunJS(`
		var caught;
		fetch('/x').catch((e) => { caught = (e instanceof TypeError) + ':' + e.message; });
	`)
	assert.Equal(t, "true:Failed to fetch", te.MustRunJS(`caught`).String())
}

func TestFetchRejectsBodyOnGet(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")
	te.MustRunJS(`
		var caught;
		fetch('/x', { body: 'nope' }).catch((e) => { caught = e.name; });
	`)
	assert.Equal(t, "TypeError", te.MustRunJS(`caught`).String())
	te.MockEnv.AssertNotCalled(t, "ExecuteFetch", mock.Anything, mock.Anything)
}

func TestXHRLifecycleOrdering(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")
	te.MockEnv.On("ExecuteFetch", mock.Anything, mock.MatchedBy(func(req schemas.FetchRequest) bool {
		return req.Method == "GET" && req.URL == "http://example.com/data.json" && req.Body == nil &&
			len(req.Headers) == 1 && req.Headers[0].Name == "X-Test"
	})).Return(&schemas.FetchResponse{
		Status:     200,
		StatusText: "OK",
		Headers:    []schemas.NVPair{{Name: "Content-Type", Value: "application/json"}},
		Body:       []byte(`{"value":42}`),
	}, nil).Once()

	te.MustRunJS(`
		var events = [];
		var xhr = new XMLHttpRequest();
		xhr.onreadystatechange = () => events.push('rs' + xhr.readyState);
		['loadstart', 'load', 'loadend', 'error'].forEach((type) => xhr.addEventListener(type, () => events.push(type)));
		xhr.open('GET', '/data.json');
		xhr.setRequestHeader('X-Test', '1');
		xhr.responseType = 'json';
		xhr.send();
		events.push('sent');
	`)
	val := te.MustRunJS(`JSON.stringify({
		events: events,
		value: xhr.response.value,
		status: xhr.status,
		ct: xhr.getResponseHeader('Content-Type'),
		all: xhr.getAllResponseHeaders(),
		url: xhr.responseURL,
	})`)
	assert.JSONEq(t, `{
		"events": ["rs1","loadstart","sent","rs2","rs3","rs4","load","loadend"],
		"value": 42,
		"status": 200,
		"ct": "application/json",
		"all": "content-type: application/json\r\n",
		"url": "http://example.com/data.json"
	}`, val.String())
	te.MockEnv.AssertExpectations(t)
}

func TestXHRResponseTypes(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")
	te.MockEnv.On("ExecuteFetch", mock.Anything, mock.Anything).Return(&schemas.FetchResponse{
		Status: 200,
		Body:   []byte("hello"),
	}, nil)

	te.MustRunJS(`
		var text = new XMLHttpRequest();
		text.open('GET', '/a');
		text.send();
		var buf = new XMLHttpRequest();
		buf.responseType = 'arraybuffer';
		buf.open('GET', '/b');
		buf.send();
		var bad = new XMLHttpRequest();
		bad.responseType = 'bogus';
	`)
	val := te.MustRunJS(`[text.responseText, text.response, buf.response.byteLength, bad.responseType, text.getResponseHeader('x')].join('|')`)
	assert.Equal(t, "hello|hello|5||", val.String())
}

func TestXHRNetworkErrorFiresErrorEvents(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")
	te.MockEnv.On("ExecuteFetch", mock.Anything, mock.Anything).Return(nil, errors.New("reset")).Once()

	te.MustRunJS(`
		var events = [];
		var xhr = new XMLHttpRequest();
		xhr.onreadystatechange = () => events.push('rs' + xhr.readyState);
		['load', 'error', 'loadend'].forEach((type) => xhr.addEventListener(type, () => events.push(type)));
		xhr.open('POST', '/submit');
		xhr.send('payload');
	`)
	assert.Equal(t, `["rs1","rs4","error","loadend"]`, te.MustRunJS(`JSON.stringify(events)`).String())
}

func TestUncaughtErrorsReachWindow(t *testing.T) {
	t.Run("unhandled is recorded", func(t *testing.T) {
		te := SetupTest(t, basicPage, "http://example.com/home")
		te.MustRunJS(`setTimeout(() => { throw new Error('boom'); }, 0);`)
		assert.Equal(t, []string{"Uncaught Error: boom"}, te.Bridge.UncaughtErrors())
	})

	t.Run("onerror returning true cancels", func(t *testing.T) {
		te := SetupTest(t, basicPage, "http://example.com/home")
		te.MustRunJS(`
			var seen;
			window.onerror = (msg, file, line, col, err) => { seen = msg + '|' + err.message; return true; };
			setTimeout(() => { throw new Error('boom'); }, 0);
		`)
		assert.Empty(t, te.Bridge.UncaughtErrors())
		assert.Equal(t, "Uncaught Error: boom|boom", te.MustRunJS(`seen`).String())
	})

	t.Run("listener preventDefault cancels", func(t *testing.T) {
		te := SetupTest(t, basicPage, "http://example.com/home")
		te.MustRunJS(`
			addEventListener('error', (e) => { if (e.error instanceof ReferenceError) e.preventDefault(); });
			setTimeout(() => { throw new ReferenceError('gone'); }, 0);
			setTimeout(() => { throw new TypeError('kept'); }, 1);
		`)
		assert.Equal(t, []string{"Uncaught TypeError: kept"}, te.Bridge.UncaughtErrors())
	})

	t.Run("listener errors are reported", func(t *testing.T) {
		te := SetupTest(t, basicPage, "http://example.com/home")
		te.MustRunJS(`
			document.getElementById('main').addEventListener('click', () => { throw new Error('in listener'); });
			document.getElementById('main').dispatchEvent(new Event('click'));
		`)
		assert.Equal(t, []string{"Uncaught Error: in listener"}, te.Bridge.UncaughtErrors())
	})
}

func TestStorage(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")

	val := te.MustRunJS(`
		localStorage.setItem('k', 1);
		localStorage.setItem('j', 'two');
		sessionStorage.setItem('s', 'x');
		localStorage.removeItem('missing');
		[localStorage.getItem('k'), localStorage.length, localStorage.key(1), localStorage.getItem('nope'),
		 sessionStorage.length, localStorage instanceof Storage].join(',')
	`)
	assert.Equal(t, "1,2,j,,1,true", val.String())

	v, ok := te.Bridge.LocalStorage().Get("k")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, []string{"s"}, te.Bridge.SessionStorage().Keys())

	_, err := te.RunJS(`new Storage()`)
	assert.Error(t, err)
}

func TestCookies(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")
	val := te.MustRunJS(`
		document.cookie = 'b=2; path=/';
		document.cookie = 'a=1';
		document.cookie = 'gone=1';
		document.cookie = 'gone=; max-age=0';
		document.cookie
	`)
	assert.Equal(t, "a=1; b=2", val.String())
}

func TestLocation(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com:8080/path/page?q=1#frag")
	te.MockEnv.On("JSNavigate", "http://example.com:8080/next").Return().Once()

	val := te.MustRunJS(`[location.protocol, location.host, location.hostname, location.port,
		location.pathname, location.search, location.hash, location.origin, String(location)].join('|')`)
	assert.Equal(t, "http:|example.com:8080|example.com|8080|/path/page|?q=1|#frag|http://example.com:8080|http://example.com:8080/path/page?q=1#frag", val.String())

	te.MustRunJS(`location.href = '/next'`)
	te.MockEnv.AssertExpectations(t)
}

func TestURLConstructor(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")
	val := te.MustRunJS(`
		const u = new URL('/a/b?x=1', 'https://sub.example.org');
		let threw = false;
		try { new URL('relative'); } catch (e) { threw = e instanceof TypeError; }
		[u.href, u.hostname, u.pathname, u.search, threw].join('|')
	`)
	assert.Equal(t, "https://sub.example.org/a/b?x=1|sub.example.org|/a/b|?x=1|true", val.String())
}

func TestCurrentScript(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")
	assert.Equal(t, "true", te.MustRunJS(`String(document.currentScript === null)`).String())

	script := htmlquery.FindOne(te.Bridge.GetDocumentNode(), "//script")
	require.NotNil(t, script)
	te.Bridge.SetCurrentScript(script)
	assert.Equal(t, "http://example.com/app.js", te.MustRunJS(`document.currentScript.src`).String())

	te.Bridge.SetCurrentScript(nil)
	assert.Equal(t, "true", te.MustRunJS(`String(document.currentScript === null)`).String())
}

func TestDynamicScriptInsertionNotifiesHost(t *testing.T) {
	var inserted []string
	te := SetupTestWithOptions(t, basicPage, "http://example.com/home", Options{
		OnScriptInserted: func(node *html.Node) {
			src, _ := attrOf(node, "src")
			inserted = append(inserted, src)
		},
	})

	te.MustRunJS(`
		const detached = document.createElement('script');
		detached.src = '/never.js';
		const s = document.createElement('script');
		s.src = '/late.js';
		document.head.appendChild(s);
	`)
	assert.Equal(t, []string{"/late.js"}, inserted)
}

func TestStyleAndContentWindow(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")
	val := te.MustRunJS(`
		const f = document.createElement('iframe');
		const before = f.contentWindow;
		f.src = '/frame.html';
		f.style.setProperty('width', '1px', 'important');
		document.body.appendChild(f);
		const w = f.contentWindow;
		[before === null, w === f.contentWindow, w.location.href, f.style.getPropertyValue('width'),
		 f.style.getPropertyPriority('width'), f.style === f.style].join('|')
	`)
	assert.Equal(t, "true|true|http://example.com/frame.html|1px|important|true", val.String())
}

func TestDOMParser(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")
	val := te.MustRunJS(`
		const doc = new DOMParser().parseFromString('<p id="x">hi</p>', 'text/html');
		[doc.getElementById('x').textContent, doc === document, doc.currentScript === null].join('|')
	`)
	assert.Equal(t, "hi|false|true", val.String())
}

func TestConsoleForwardsToHook(t *testing.T) {
	var lines []string
	te := SetupTestWithOptions(t, basicPage, "http://example.com/home", Options{
		OnConsole: func(level, message string) {
			lines = append(lines, level+": "+message)
		},
	})
	te.MustRunJS(`console.warn('a', 1, { b: 2 }, function () {}); console.error(new Error('bad'))`)
	assert.Equal(t, []string{`warn: a 1 {"b":2} [Function]`, "error: Error: bad"}, lines)

	lines = nil
	te.MustRunJS(`console.info('%s=%d', 'n', 5); console.table([1])`)
	assert.Equal(t, []string{"log: n=5", "log: [1]"}, lines)
	assert.Equal(t, "undefined", te.MustRunJS(`typeof require`).String())
}

func TestWindowOpenRecordsTarget(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")
	val := te.MustRunJS(`
		const w = open('/pop', 'name');
		const closedBefore = w.closed;
		w.close();
		[closedBefore, w.closed, w.opener === window].join('|')
	`)
	assert.Equal(t, "false|true|true", val.String())
	assert.Equal(t, []string{"http://example.com/pop"}, te.Bridge.OpenedWindows())
}

func TestNavigatorAndWindowAliases(t *testing.T) {
	te := SetupTestWithOptions(t, basicPage, "http://example.com/home", Options{UserAgent: "TestAgent/1.0"})
	val := te.MustRunJS(`[navigator.userAgent, navigator.webdriver, window === self, top === window, typeof queueMicrotask].join('|')`)
	assert.Equal(t, "TestAgent/1.0|false|true|true|function", val.String())
}

func TestOuterHTMLIsSafeDuringScriptExecution(t *testing.T) {
	te := SetupTest(t, basicPage, "http://example.com/home")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_, err := te.Bridge.GetOuterHTML()
					assert.NoError(t, err)
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		te.MustRunJS(fmt.Sprintf(`document.body.setAttribute('data-js', '%d'); document.body.appendChild(document.createElement('span'));`, i))
	}
	close(stop)
	wg.Wait()

	out, err := te.Bridge.GetOuterHTML()
	require.NoError(t, err)
	assert.Contains(t, out, `data-js="49"`)
}
