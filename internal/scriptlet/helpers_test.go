package scriptlet_test

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/browser/session"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet"
)

const pageURL = "https://example.com/"

type fakeResponse struct {
	contentType string
	body        string
}

// fakeTransport serves canned bodies by URL and remembers every request.
type fakeTransport struct {
	mu       sync.Mutex
	pages    map[string]fakeResponse
	requests []schemas.FetchRequest
}

func newFakeTransport(pages map[string]fakeResponse) *fakeTransport {
	if pages == nil {
		pages = map[string]fakeResponse{}
	}
	return &fakeTransport{pages: pages}
}

func (f *fakeTransport) ExecuteFetch(_ context.Context, req schemas.FetchRequest) (*schemas.FetchResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	page, ok := f.pages[req.URL]
	f.mu.Unlock()

	if !ok {
		return &schemas.FetchResponse{URL: req.URL, Status: http.StatusNotFound, StatusText: "Not Found"}, nil
	}
	return &schemas.FetchResponse{
		URL:        req.URL,
		Status:     http.StatusOK,
		StatusText: "OK",
		Headers:    []schemas.NVPair{{Name: "Content-Type", Value: page.contentType}},
		Body:       []byte(page.body),
	}, nil
}

func (f *fakeTransport) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.URL)
	}
	return out
}

type page struct {
	t          *testing.T
	session    *session.Session
	dispatcher *scriptlet.Dispatcher
	transport  *fakeTransport
}

func newSession(t *testing.T, transport *fakeTransport) *session.Session {
	t.Helper()
	s, err := session.NewSession(session.Options{
		Logger:    zaptest.NewLogger(t),
		Transport: transport,
		Injector:  scriptlet.NewRegistry(),
		Settle:    time.Minute,
		Start:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		RunID:     "run-1",
		TaskID:    "task-1",
	})
	require.NoError(t, err)
	return s
}

// newPage loads an empty document and returns a dispatcher bound to it, so a
// test can install scriptlets and then run page script.
func newPage(t *testing.T, pages map[string]fakeResponse) *page {
	t.Helper()
	transport := newFakeTransport(pages)
	s := newSession(t, transport)
	u, err := url.Parse(pageURL)
	require.NoError(t, err)
	require.NoError(t, s.LoadHTML(context.Background(), u, "<html><head></head><body></body></html>", nil))
	return &page{
		t:          t,
		session:    s,
		dispatcher: scriptlet.NewRegistry().Dispatcher(s.Env()),
		transport:  transport,
	}
}

// loadPage runs document with calls injected before its scripts.
func loadPage(t *testing.T, pages map[string]fakeResponse, document string, calls ...schemas.ScriptletCall) (*session.Session, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport(pages)
	s := newSession(t, transport)
	u, err := url.Parse(pageURL)
	require.NoError(t, err)
	require.NoError(t, s.LoadHTML(context.Background(), u, document, calls))
	return s, transport
}

func (p *page) invoke(name string, args ...string) {
	p.t.Helper()
	require.NoError(p.t, p.dispatcher.Invoke(name, args...))
}

func (p *page) eval(script string) string {
	p.t.Helper()
	return evalIn(p.t, p.session, script)
}

// settle lets timers and pending requests finish.
func (p *page) settle() {
	p.t.Helper()
	require.NoError(p.t, p.session.Runtime().Settle(context.Background(), time.Minute))
}

func (p *page) events(kind schemas.EventKind) []schemas.InterceptionEvent {
	return eventsOf(p.session, kind)
}

func evalIn(t *testing.T, s *session.Session, script string) string {
	t.Helper()
	result, err := s.Runtime().ExecuteScript(context.Background(), script, nil)
	require.NoError(t, err)
	return fmt.Sprint(result)
}

func eventsOf(s *session.Session, kind schemas.EventKind) []schemas.InterceptionEvent {
	var out []schemas.InterceptionEvent
	for _, e := range s.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func call(name string, args ...string) schemas.ScriptletCall {
	return schemas.ScriptletCall{Name: name, Args: args}
}
