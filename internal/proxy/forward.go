package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Forwarder relays a captured request body to an upstream provider,
// preserving headers except hop-by-hop and configured strip headers.
type Forwarder struct {
	stripHeaders []string
	client       *http.Client
}

// NewForwarder creates a forwarder. The client carries no overall timeout
// because SSE responses are long-lived.
func NewForwarder(stripHeaders []string) *Forwarder {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Forwarder{
		stripHeaders: stripHeaders,
		client: &http.Client{
			Timeout:   0,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward sends the body to upstream+path, copying the inbound request's
// method, query, and headers. The caller owns the returned response body.
func (f *Forwarder) Forward(ctx context.Context, upstream string, inbound *http.Request, body []byte) (*http.Response, error) {
	base, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}

	target := *base
	target.Path = singleJoiningSlash(base.Path, inbound.URL.Path)
	target.RawQuery = inbound.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, inbound.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}

	for key, values := range inbound.Header {
		if isHopByHopHeader(key) || f.shouldStripHeader(key) || skipForwardHeader(key) {
			continue
		}
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	req.ContentLength = int64(len(body))
	req.Host = base.Host

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	return resp, nil
}

func (f *Forwarder) shouldStripHeader(name string) bool {
	nameLower := strings.ToLower(name)
	for _, strip := range f.stripHeaders {
		if strings.ToLower(strip) == nameLower {
			return true
		}
	}
	return false
}

var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func isHopByHopHeader(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// skipForwardHeader covers headers recomputed for the rewritten request.
// Accept-Encoding is dropped so the transport negotiates compression and
// hands back decoded bytes the capture pipeline can parse.
func skipForwardHeader(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "host", "accept-encoding":
		return true
	}
	return false
}

func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}

// copyResponseHeaders relays upstream response headers to the client,
// skipping hop-by-hop ones.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
