package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

func createTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, mutate func(*ClientConfig)) *Client {
	t.Helper()
	cfg := NewBrowserClientConfig()
	cfg.Logger = zaptest.NewLogger(t)
	if mutate != nil {
		mutate(cfg)
	}
	return NewClient(cfg)
}

func compress(t *testing.T, encoding string, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var err error
	switch encoding {
	case "gzip":
		w := gzip.NewWriter(&buf)
		_, err = w.Write(payload)
		require.NoError(t, w.Close())
	case "deflate":
		w := zlib.NewWriter(&buf)
		_, err = w.Write(payload)
		require.NoError(t, w.Close())
	case "raw-deflate":
		w, ferr := flate.NewWriter(&buf, flate.DefaultCompression)
		require.NoError(t, ferr)
		_, err = w.Write(payload)
		require.NoError(t, w.Close())
	case "br":
		w := brotli.NewWriter(&buf)
		_, err = w.Write(payload)
		require.NoError(t, w.Close())
	}
	require.NoError(t, err)
	return buf.Bytes()
}

func TestExecuteFetch_Decompression(t *testing.T) {
	payload := []byte(`{"ads":[1,2,3],"content":"ok"}`)
	testCases := []struct {
		name     string
		encoding string
		header   string
	}{
		{name: "gzip", encoding: "gzip", header: "gzip"},
		{name: "zlib deflate", encoding: "deflate", header: "deflate"},
		{name: "raw deflate", encoding: "raw-deflate", header: "deflate"},
		{name: "brotli", encoding: "br", header: "br"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			body := compress(t, tc.encoding, payload)
			server := createTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, AcceptEncoding, r.Header.Get("Accept-Encoding"))
				w.Header().Set("Content-Encoding", tc.header)
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(body)
			}))

			resp, err := newTestClient(t, nil).Get(context.Background(), server.URL)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.Status)
			assert.Equal(t, payload, resp.Body)
			for _, h := range resp.Headers {
				assert.NotEqual(t, "Content-Encoding", h.Name, "decoded responses drop the encoding header")
			}
		})
	}
}

func TestDecompressResponse_Stacked(t *testing.T) {
	payload := []byte("stacked")
	// "gzip, br" means gzip was applied first.
	body := compress(t, "br", compress(t, "gzip", payload))

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Encoding": {"gzip, br"}},
		Body:       http.NoBody,
	}
	resp.Body = readCloser{bytes.NewReader(body)}
	require.NoError(t, DecompressResponse(resp))

	var out bytes.Buffer
	_, err := out.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, out.Bytes())
	assert.True(t, resp.Uncompressed)
}

func TestDecompressResponse_UnsupportedEncoding(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Encoding": {"zstd"}},
		Body:       readCloser{bytes.NewReader([]byte("x"))},
	}
	err := DecompressResponse(resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported Content-Encoding: zstd")
}

func TestDecompressResponse_NoBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusNoContent,
		Header:     http.Header{"Content-Encoding": {"gzip"}},
		Body:       http.NoBody,
	}
	require.NoError(t, DecompressResponse(resp))
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
}

type readCloser struct{ *bytes.Reader }

func (readCloser) Close() error { return nil }

func TestExecuteFetch_RequestShape(t *testing.T) {
	server := createTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "TestAgent/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "page", r.Header.Get("X-Source"))
		assert.Equal(t, "configured", r.Header.Get("X-Config"))
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		assert.Equal(t, "a=1", buf.String())

		w.Header().Add("X-Multi", "one")
		w.Header().Add("X-Multi", "two")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, "short and stout")
	}))

	client := newTestClient(t, func(cfg *ClientConfig) {
		cfg.UserAgent = "TestAgent/1.0"
		cfg.Headers = map[string]string{"X-Config": "configured", "X-Source": "ignored"}
	})
	resp, err := client.ExecuteFetch(context.Background(), schemas.FetchRequest{
		Method:  http.MethodPost,
		URL:     server.URL + "/submit",
		Headers: []schemas.NVPair{{Name: "X-Source", Value: "page"}},
		Body:    []byte("a=1"),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusTeapot, resp.Status)
	assert.Equal(t, "I'm a teapot", resp.StatusText)
	assert.Equal(t, "short and stout", string(resp.Body))
	assert.False(t, resp.Redirected)

	var multi []string
	var names []string
	for _, h := range resp.Headers {
		names = append(names, h.Name)
		if h.Name == "X-Multi" {
			multi = append(multi, h.Value)
		}
	}
	assert.Equal(t, []string{"one", "two"}, multi)
	assert.IsIncreasing(t, dedupe(names))
}

func dedupe(names []string) []string {
	var out []string
	for _, n := range names {
		if len(out) == 0 || out[len(out)-1] != n {
			out = append(out, n)
		}
	}
	return out
}

func TestExecuteFetch_Redirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "42", Path: "/"})
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("sid")
		if assert.NoError(t, err) {
			assert.Equal(t, "42", c.Value)
		}
		fmt.Fprint(w, "landed")
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	server := createTestServer(t, mux)
	client := newTestClient(t, nil)

	resp, err := client.Get(context.Background(), server.URL+"/start")
	require.NoError(t, err)
	assert.True(t, resp.Redirected)
	assert.Equal(t, server.URL+"/final", resp.URL)
	assert.Equal(t, "landed", string(resp.Body))

	_, err = client.Get(context.Background(), server.URL+"/loop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 10 redirects")
}

func TestExecuteFetch_BodyLimit(t *testing.T) {
	server := createTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	client := newTestClient(t, func(cfg *ClientConfig) { cfg.MaxBodySize = 16 })

	_, err := client.Get(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestExecuteFetch_Head(t *testing.T) {
	server := createTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
	}))
	resp, err := newTestClient(t, nil).ExecuteFetch(context.Background(), schemas.FetchRequest{Method: http.MethodHead, URL: server.URL})
	require.NoError(t, err)
	assert.Empty(t, resp.Body)
}

func TestExecuteFetch_Files(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.js")
	require.NoError(t, os.WriteFile(path, []byte("var loaded = true;"), 0o600))

	_, err := newTestClient(t, nil).Get(context.Background(), "file://"+path)
	require.Error(t, err, "file access is opt-in")

	client := newTestClient(t, func(cfg *ClientConfig) { cfg.AllowFiles = true })
	resp, err := client.Get(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "var loaded = true;", string(resp.Body))

	resp, err = client.Get(context.Background(), "file://"+filepath.Join(dir, "missing.js"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestExecuteFetch_UnsupportedScheme(t *testing.T) {
	_, err := newTestClient(t, nil).Get(context.Background(), "ftp://example.com/file")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported scheme "ftp"`)
}

func TestExecuteFetch_Cancelled(t *testing.T) {
	server := createTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(t, nil).Get(ctx, server.URL)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewHTTPTransport(t *testing.T) {
	cfg := NewBrowserClientConfig()
	cfg.Logger = zaptest.NewLogger(t)
	tr := NewHTTPTransport(cfg)

	assert.True(t, tr.DisableCompression, "decompression is done by the middleware")
	assert.Contains(t, tr.TLSNextProto, "h2")
	assert.Contains(t, tr.TLSClientConfig.NextProtos, "h2")
	assert.Nil(t, tr.Proxy)
}
