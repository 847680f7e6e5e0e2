package network

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding is advertised on every request that does not set its own.
const AcceptEncoding = "gzip, deflate, br"

// CompressionMiddleware wraps an http.RoundTripper to handle response decompression transparently.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware creates the middleware wrapper.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip executes a single HTTP transaction, handling compression negotiation.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", AcceptEncoding)
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to decompress response: %w", err)
	}
	return resp, nil
}

// closeWrapper closes both the decoding reader and the original body.
type closeWrapper struct {
	io.Reader
	closers []io.Closer
}

func (w *closeWrapper) Close() error {
	var first error
	for _, c := range w.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// DecompressResponse replaces resp.Body with a decoding reader. Stacked
// encodings ("gzip, br") are undone in reverse order.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	header := resp.Header.Get("Content-Encoding")
	if header == "" || !hasBody(resp) {
		return nil
	}

	encodings := strings.Split(header, ",")
	var reader io.Reader = resp.Body
	closers := []io.Closer{resp.Body}
	for i := len(encodings) - 1; i >= 0; i-- {
		encoding := strings.ToLower(strings.TrimSpace(encodings[i]))
		switch encoding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			gz, err := gzip.NewReader(reader)
			if err != nil {
				return fmt.Errorf("gzip error: %w", err)
			}
			closers = append(closers, gz)
			reader = gz
		case "deflate":
			zr, err := newDeflateReader(reader)
			if err != nil {
				return fmt.Errorf("deflate error: %w", err)
			}
			closers = append(closers, zr)
			reader = zr
		case "br":
			reader = brotli.NewReader(reader)
		default:
			return fmt.Errorf("unsupported Content-Encoding: %s", encoding)
		}
	}

	resp.Body = &closeWrapper{Reader: reader, closers: closers}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

func hasBody(resp *http.Response) bool {
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	return resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotModified
}

// newDeflateReader accepts both zlib-wrapped and raw deflate streams; servers
// send either under "deflate".
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	buffered := bufio.NewReader(r)
	head, err := buffered.Peek(2)
	if err != nil {
		return nil, err
	}
	if (uint16(head[0])<<8|uint16(head[1]))%31 == 0 && head[0]&0x0f == 8 {
		return zlib.NewReader(buffered)
	}
	return flate.NewReader(buffered), nil
}
