// Package transport provides the default net/http-backed implementation of
// the pipeline's Transport interface. It performs exactly one exchange per
// call: no redirect following and no retrying, both of which belong to the
// network workers.
package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dailyyoga/httpq/logger"
	"github.com/dailyyoga/httpq/queue"
	"go.uber.org/zap"
)

type httpTransport struct {
	logger logger.Logger
	config *Config
	base   *http.Transport
}

// New creates a Transport backed by net/http
func New(log logger.Logger, cfg *Config) queue.Transport {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		defaults := DefaultConfig()
		if cfg.UserAgent == "" {
			cfg.UserAgent = defaults.UserAgent
		}
		if cfg.MaxIdleConnsPerHost == 0 {
			cfg.MaxIdleConnsPerHost = defaults.MaxIdleConnsPerHost
		}
	}

	return &httpTransport{
		logger: log,
		config: cfg,
		base: &http.Transport{
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		},
	}
}

// Perform sends one HTTP exchange with timeout as both the connect and the
// read deadline. Redirect responses are returned to the caller untouched.
func (t *httpTransport) Perform(r *queue.Request, extraHeaders map[string]string, timeout time.Duration) (*queue.TransportResponse, error) {
	target := r.URL()
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrMalformedURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", queue.ErrMalformedURL, u.Scheme)
	}

	method, body, contentType := resolveMethod(r)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrMalformedURL, err)
	}

	for name, value := range r.Headers() {
		req.Header.Set(name, value)
	}
	for name, value := range extraHeaders {
		req.Header.Set(name, value)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.config.UserAgent)
	}

	client := &http.Client{
		Transport: t.base,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("http exchange complete",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
	)

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}
	return &queue.TransportResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       resp.Body,
	}, nil
}

// resolveMethod maps the request method to its wire form and decides
// whether a body is attached. The legacy GET-or-POST method becomes POST
// when a body is present and GET otherwise.
func resolveMethod(r *queue.Request) (method string, body []byte, contentType string) {
	switch r.Method() {
	case queue.MethodPost, queue.MethodPut, queue.MethodPatch:
		body, contentType = r.Body()
		return r.Method().String(), body, contentType
	case queue.MethodLegacyGetOrPost:
		body, contentType = r.Body()
		if body != nil {
			return queue.MethodPost.String(), body, contentType
		}
		return queue.MethodGet.String(), nil, ""
	default:
		return r.Method().String(), nil, ""
	}
}
