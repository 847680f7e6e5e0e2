package scriptlet_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
)

const dataJSON = `{"ads":[1],"content":"ok"}`

func networkPages() map[string]fakeResponse {
	return map[string]fakeResponse{
		"https://example.com/real":       {contentType: "text/plain", body: "real"},
		"https://example.com/data.json":  {contentType: "application/json", body: dataJSON},
		"https://example.com/other.json": {contentType: "application/json", body: dataJSON},
		"https://example.com/plain.txt":  {contentType: "text/plain", body: "hello"},
		"https://example.com/abc.json":   {contentType: "application/json", body: `{"a":1,"b":2,"c":3}`},
	}
}

// xhrScript requests path with the given responseType and resolves with
// "<readyStates>|<status>|<body>|<content-type>". body is produced by read,
// which may return a promise.
func xhrScript(path, responseType, read string) string {
	return `new Promise(function (resolve) {
		var xhr = new XMLHttpRequest();
		var states = [];
		xhr.onreadystatechange = function () { states.push(xhr.readyState); };
		xhr.open('GET', '` + path + `');
		xhr.setRequestHeader('X-Test', '1');
		xhr.responseType = '` + responseType + `';
		xhr.onloadend = function () {
			Promise.resolve((` + read + `)(xhr)).then(function (body) {
				resolve([states.join(''), xhr.status, body, xhr.getResponseHeader('content-type')].join('|'));
			});
		};
		xhr.send();
	})`
}

func TestPreventFetch(t *testing.T) {
	p := newPage(t, networkPages())
	p.invoke("prevent-fetch", "example.org")

	assert.Equal(t, "real", p.eval(`fetch('/real').then(r => r.text())`))
	assert.Equal(t, "{}", p.eval(`fetch('https://example.org/ads.js').then(r => r.text())`))
	assert.Equal(t, "200,true,basic,https://example.org/ads.js,application/json,2",
		p.eval(`fetch('https://example.org/ads.js').then(r => [r.status, r.ok, r.type, r.url, r.headers.get('content-type'), r.headers.get('content-length')].join())`))

	assert.Equal(t, []string{"https://example.com/real"}, p.transport.urls())
	blocked := p.events(schemas.EventBlocked)
	require.Len(t, blocked, 2)
	assert.Equal(t, "prevent-fetch", blocked[0].Scriptlet)
	assert.Equal(t, "https://example.org/ads.js", blocked[0].Target)
}

func TestPreventFetch_ResponseVariants(t *testing.T) {
	p := newPage(t, nil)
	p.invoke("prevent-fetch", "url:/tracker/ method:POST", "emptyArr")
	p.invoke("prevent-fetch", "opaque.example", "", "opaque")

	assert.Equal(t, "[]", p.eval(`fetch('https://example.net/tracker', { method: 'POST' }).then(r => r.text())`))
	assert.Equal(t, "0,opaque,true",
		p.eval(`fetch('https://opaque.example/x').then(r => [r.status, r.type, r.statusText === ''].join())`))

	// Method did not match, so this one reached the network.
	p.eval(`fetch('https://example.net/tracker').catch(() => 'failed')`)
	assert.Equal(t, []string{"https://example.net/tracker"}, p.transport.urls())
}

func TestPreventFetch_InvalidArguments(t *testing.T) {
	p := newPage(t, nil)
	assert.ErrorIs(t, p.dispatcher.Invoke("prevent-fetch", "", "bogus"), pattern.ErrInvalidValue)
	assert.ErrorIs(t, p.dispatcher.Invoke("prevent-fetch", "", "", "cors-ish"), pattern.ErrInvalidValue)
	assert.Len(t, p.events(schemas.EventRejected), 2)
}

func TestPreventXHR(t *testing.T) {
	p := newPage(t, networkPages())
	p.invoke("prevent-xhr", "ads.example.net")

	got := p.eval(`
		window.log = [];
		var xhr = new XMLHttpRequest();
		xhr.onreadystatechange = function () { log.push('rs' + xhr.readyState); };
		xhr.onload = function () { log.push('load:' + xhr.status + ':' + xhr.responseText); };
		xhr.onloadend = function () { log.push('loadend'); };
		xhr.open('GET', 'https://ads.example.net/track');
		log.push('hdr:' + xhr.getResponseHeader('date'));
		xhr.send();
		log.push('sent');
		log.join()`)
	assert.Equal(t, "rs1,hdr:null,sent", got)

	p.settle()
	assert.Equal(t, "rs1,hdr:null,sent,rs4,load:200:,loadend", p.eval(`log.join()`))
	assert.True(t, strings.HasPrefix(p.eval(`xhr.getResponseHeader('date')`), "Mon, 01 Jan 2024"))
	assert.Equal(t, "0", p.eval(`xhr.getResponseHeader('content-length')`))
	assert.Equal(t, "https://ads.example.net/track", p.eval(`xhr.responseURL`))

	assert.Empty(t, p.transport.urls())
	require.Len(t, p.events(schemas.EventBlocked), 1)
}

func TestPreventXHR_ResponseTypes(t *testing.T) {
	p := newPage(t, networkPages())
	p.invoke("prevent-xhr", "ads.example.net", "length:5-5")

	assert.Equal(t, "14|200|{}|application/json",
		p.eval(xhrScript("https://ads.example.net/a", "json", `x => JSON.stringify(x.response)`)))
	assert.Equal(t, "14|200|5|text/plain",
		p.eval(xhrScript("https://ads.example.net/b", "", `x => x.responseText.length`)))
	assert.Equal(t, "14|200|0|application/octet-stream",
		p.eval(xhrScript("https://ads.example.net/c", "arraybuffer", `x => x.response.byteLength`)))

	// Requests that do not match reach the network untouched.
	assert.Equal(t, "1234|200|real|text/plain",
		p.eval(xhrScript("/real", "", `x => x.responseText`)))
	assert.Equal(t, []string{"https://example.com/real"}, p.transport.urls())
}

func TestPreventXHR_ReopenClearsFakeResponse(t *testing.T) {
	p := newPage(t, networkPages())
	p.invoke("prevent-xhr", "ads.example.net")

	got := p.eval(`new Promise(function (resolve) {
		var xhr = new XMLHttpRequest();
		xhr.open('GET', 'https://ads.example.net/a');
		xhr.onloadend = function () {
			xhr.onloadend = function () { resolve(xhr.status + ':' + xhr.responseText); };
			xhr.open('GET', '/real');
			xhr.send();
		};
		xhr.send();
	})`)
	assert.Equal(t, "200:real", got)
}

func TestJSONPruneFetchResponse(t *testing.T) {
	p := newPage(t, networkPages())
	p.invoke("json-prune-fetch-response", "ads", "", "data.json")

	assert.Equal(t, `{"content":"ok"}`, p.eval(`fetch('/data.json').then(r => r.json()).then(o => JSON.stringify(o))`))
	assert.Equal(t, "200,true,https://example.com/data.json,application/json",
		p.eval(`fetch('/data.json').then(r => [r.status, r.ok, r.url, r.headers.get('content-type')].join())`))
	assert.Equal(t, dataJSON, p.eval(`fetch('/other.json').then(r => r.text())`))

	assert.Len(t, p.events(schemas.EventPruned), 2)
}

func TestJSONPruneFetchResponse_Passthrough(t *testing.T) {
	p := newPage(t, networkPages())
	p.invoke("json-prune-fetch-response", "ads", "missing")
	p.invoke("json-prune-fetch-response", "content", "", "plain.txt")

	assert.Equal(t, "hello", p.eval(`fetch('/plain.txt').then(r => r.text())`))
	assert.Equal(t, dataJSON, p.eval(`fetch('/data.json').then(r => r.text())`))
	assert.Empty(t, p.events(schemas.EventPruned))
}

func TestJSONPruneXHRResponse(t *testing.T) {
	p := newPage(t, networkPages())
	p.invoke("json-prune-xhr-response", "ads", "", "data.json")

	assert.Equal(t, `14|200|{"content":"ok"}|application/json`,
		p.eval(xhrScript("/data.json", "", `x => x.responseText`)))

	// The page's request was replaced by a single substitute request that
	// carried the page's headers.
	require.Len(t, p.transport.requests, 1)
	assert.Equal(t, "https://example.com/data.json", p.transport.requests[0].URL)
	assert.Contains(t, p.transport.requests[0].Headers, schemas.NVPair{Name: "X-Test", Value: "1"})
	require.Len(t, p.events(schemas.EventPruned), 1)
}

func TestJSONPruneXHRResponse_ResponseTypes(t *testing.T) {
	p := newPage(t, networkPages())
	p.invoke("json-prune-xhr-response", "ads", "", "/\\.json$/")

	assert.Equal(t, `14|200|{"content":"ok"}|application/json`,
		p.eval(xhrScript("/data.json", "json", `x => JSON.stringify(x.response)`)))
	assert.Equal(t, `14|200|16|application/json`,
		p.eval(xhrScript("/data.json", "arraybuffer", `x => x.response.byteLength`)))
	assert.Equal(t, `14|200|{"content":"ok"}|application/json`,
		p.eval(xhrScript("/data.json", "blob", `x => x.response.text()`)))
	assert.Len(t, p.events(schemas.EventPruned), 3)
}

func TestJSONPruneXHRResponse_Stacked(t *testing.T) {
	p := newPage(t, networkPages())
	p.invoke("json-prune-xhr-response", "a")
	p.invoke("json-prune-xhr-response", "b")

	assert.Equal(t, `14|200|{"c":3}|application/json`,
		p.eval(xhrScript("/abc.json", "", `x => x.responseText`)))
	assert.Equal(t, `14|200|{"c":3}|application/json`,
		p.eval(xhrScript("/abc.json", "json", `x => JSON.stringify(x.response)`)))

	// Each page request still costs a single network request.
	assert.Equal(t, []string{"https://example.com/abc.json", "https://example.com/abc.json"}, p.transport.urls())
	assert.Len(t, p.events(schemas.EventPruned), 4)
}

func TestJSONPruneFetchResponse_Stacked(t *testing.T) {
	p := newPage(t, networkPages())
	p.invoke("json-prune-fetch-response", "a")
	p.invoke("json-prune-fetch-response", "b")

	assert.Equal(t, `{"c":3}`, p.eval(`fetch('/abc.json').then(r => r.text())`))
}

func TestJSONPruneXHRResponse_Passthrough(t *testing.T) {
	p := newPage(t, networkPages())
	p.invoke("json-prune-xhr-response", "ads")

	assert.Equal(t, "14|200|hello|text/plain",
		p.eval(xhrScript("/plain.txt", "", `x => x.responseText`)))
	assert.Equal(t, "14|404||",
		p.eval(xhrScript("/missing.json", "", `x => x.responseText`)))
	assert.Empty(t, p.events(schemas.EventPruned))
}
