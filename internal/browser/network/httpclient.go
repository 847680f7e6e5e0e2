// Package network is the transport behind page loads, fetch and
// XMLHttpRequest: a browser-like HTTP client with transparent decompression.
package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
)

// Constants optimized for browser behavior.
const (
	DefaultDialTimeout           = 15 * time.Second
	DefaultKeepAliveInterval     = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultRequestTimeout        = 120 * time.Second // Overall timeout for resource loading
	DefaultMaxBodySize           = 8 << 20

	// Connection Pool Configuration for a browser.
	DefaultMaxIdleConns        = 200 // Total connections across all hosts
	DefaultMaxIdleConnsPerHost = 10  // Common browser limit
	DefaultMaxConnsPerHost     = 15
	DefaultIdleConnTimeout     = 90 * time.Second

	maxRedirects = 10
)

const requiredMinTLSVersion = tls.VersionTLS12

// ErrBodyTooLarge is returned when a response exceeds ClientConfig.MaxBodySize.
var ErrBodyTooLarge = errors.New("response body too large")

// ClientConfig holds the configuration for the page's HTTP client.
type ClientConfig struct {
	InsecureSkipVerify bool
	RequestTimeout     time.Duration
	ProxyURL           *url.URL
	CookieJar          http.CookieJar

	// UserAgent and Headers are added to requests that do not set them.
	UserAgent string
	Headers   map[string]string

	MaxBodySize int64
	// AllowFiles lets file:// URLs resolve against the local filesystem.
	AllowFiles bool

	Logger *zap.Logger
}

// NewBrowserClientConfig creates a configuration optimized for web browsing.
func NewBrowserClientConfig() *ClientConfig {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &ClientConfig{
		RequestTimeout: DefaultRequestTimeout,
		CookieJar:      jar,
		MaxBodySize:    DefaultMaxBodySize,
		Logger:         zap.NewNop(),
	}
}

// NewHTTPTransport creates and configures the base http.Transport.
func NewHTTPTransport(config *ClientConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       configureTLS(config),
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		MaxConnsPerHost:       DefaultMaxConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		// CompressionMiddleware handles gzip, deflate and brotli.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	}
	if config.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(config.ProxyURL)
	}
	if err := http2.ConfigureTransport(transport); err != nil && config.Logger != nil {
		config.Logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
	}
	return transport
}

// configureTLS sets strong defaults and prefers HTTP/2 during ALPN.
func configureTLS(config *ClientConfig) *tls.Config {
	return &tls.Config{
		MinVersion:         requiredMinTLSVersion,
		NextProtos:         []string{"h2", "http/1.1"},
		InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // opt-in for test targets
	}
}

// Client performs page network requests.
type Client struct {
	http   *http.Client
	config *ClientConfig
	logger *zap.Logger
}

// NewClient creates the client. A nil config uses NewBrowserClientConfig.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = NewBrowserClientConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}

	httpClient := &http.Client{
		Transport: NewCompressionMiddleware(NewHTTPTransport(config)),
		Timeout:   config.RequestTimeout,
		Jar:       config.CookieJar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &Client{
		http:   httpClient,
		config: config,
		logger: config.Logger.Named("network"),
	}
}

// Get loads a document or script.
func (c *Client) Get(ctx context.Context, rawURL string) (*schemas.FetchResponse, error) {
	return c.ExecuteFetch(ctx, schemas.FetchRequest{Method: http.MethodGet, URL: rawURL})
}

// ExecuteFetch performs req, following redirects, and buffers the body.
func (c *Client) ExecuteFetch(ctx context.Context, req schemas.FetchRequest) (*schemas.FetchResponse, error) {
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", req.URL, err)
	}
	if target.Scheme == "file" {
		return c.readFile(target)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", target.Scheme)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}
	for name, value := range c.config.Headers {
		if httpReq.Header.Get(name) == "" {
			httpReq.Header.Set(name, value)
		}
	}
	if c.config.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > c.config.MaxBodySize {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrBodyTooLarge, c.config.MaxBodySize, req.URL)
	}

	finalURL := resp.Request.URL.String()
	c.logger.Debug("Request completed",
		zap.String("method", method),
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &schemas.FetchResponse{
		URL:        finalURL,
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    headerPairs(resp.Header),
		Body:       data,
		Redirected: finalURL != target.String(),
	}, nil
}

func (c *Client) readFile(target *url.URL) (*schemas.FetchResponse, error) {
	if !c.config.AllowFiles {
		return nil, fmt.Errorf("file access is disabled: %s", target)
	}
	data, err := os.ReadFile(target.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &schemas.FetchResponse{URL: target.String(), Status: http.StatusNotFound, StatusText: "Not Found"}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", target.Path, err)
	}
	if int64(len(data)) > c.config.MaxBodySize {
		return nil, fmt.Errorf("%w: %s", ErrBodyTooLarge, target.Path)
	}
	return &schemas.FetchResponse{
		URL:        target.String(),
		Status:     http.StatusOK,
		StatusText: "OK",
		Headers:    []schemas.NVPair{{Name: "Content-Type", Value: http.DetectContentType(data)}},
		Body:       data,
	}, nil
}

func statusText(resp *http.Response) string {
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// headerPairs flattens h in canonical-name order, keeping value order.
func headerPairs(h http.Header) []schemas.NVPair {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	var pairs []schemas.NVPair
	for _, name := range names {
		for _, value := range h[name] {
			pairs = append(pairs, schemas.NVPair{Name: name, Value: value})
		}
	}
	return pairs
}
