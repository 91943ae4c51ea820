package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultMaxBodyBytes = 16 * 1024
)

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientOption customises the HTTP backed providers.
type ClientOption func(*httpSettings)

type httpSettings struct {
	client       HTTPClient
	baseURL      string
	now          func() time.Time
	maxBodyBytes int64
}

// WithHTTPClient overrides the HTTP client used to talk to the provider.
func WithHTTPClient(client HTTPClient) ClientOption {
	return func(s *httpSettings) {
		if client != nil {
			s.client = client
		}
	}
}

// WithBaseURL overrides the provider API base URL. Useful for tests.
func WithBaseURL(baseURL string) ClientOption {
	return func(s *httpSettings) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			s.baseURL = trimmed
		}
	}
}

// WithClock overrides the clock used for response timestamps.
func WithClock(now func() time.Time) ClientOption {
	return func(s *httpSettings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBodyLimit adjusts how many bytes are retained from HTTP response bodies.
func WithBodyLimit(limit int64) ClientOption {
	return func(s *httpSettings) {
		if limit > 0 {
			s.maxBodyBytes = limit
		}
	}
}

func newHTTPSettings(baseURL string, opts []ClientOption) httpSettings {
	s := httpSettings{
		client:       &http.Client{Timeout: defaultHTTPTimeout},
		baseURL:      strings.TrimRight(baseURL, "/"),
		now:          time.Now,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

type httpResult struct {
	Code int
	Body string
}

func (r httpResult) ok() bool {
	return r.Code >= 200 && r.Code < 300
}

// do issues a request and returns the status code with the size-limited body.
// Non-2xx statuses are not errors here; callers decide.
func (s httpSettings) do(ctx context.Context, provider, method, url string, headers map[string]string, body io.Reader) (httpResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return httpResult{}, fmt.Errorf("%s whatsapp provider: new request: %w", provider, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return httpResult{}, fmt.Errorf("%s whatsapp provider: http do: %w", provider, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBodyBytes))
	if err != nil {
		return httpResult{Code: resp.StatusCode}, fmt.Errorf("%s whatsapp provider: read body: %w", provider, err)
	}
	return httpResult{Code: resp.StatusCode, Body: string(data)}, nil
}

func (s httpSettings) doJSON(ctx context.Context, provider, method, url string, headers map[string]string, payload any) (httpResult, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return httpResult{}, fmt.Errorf("%s whatsapp provider: encode payload: %w", provider, err)
		}
		body = bytes.NewReader(encoded)
		if headers == nil {
			headers = map[string]string{}
		}
		headers["Content-Type"] = "application/json"
	}
	return s.do(ctx, provider, method, url, headers, body)
}

// statusError describes a non-2xx provider reply.
func statusError(provider string, res httpResult, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		message = strings.TrimSpace(res.Body)
	}
	if message == "" {
		message = http.StatusText(res.Code)
	}
	return fmt.Errorf("%s whatsapp provider: http %d: %s", provider, res.Code, message)
}

func (s httpSettings) health(ctx context.Context, provider, url string, headers map[string]string) (*HealthResult, error) {
	res, err := s.do(ctx, provider, http.MethodGet, url, headers, nil)
	if err != nil {
		return &HealthResult{Provider: provider, Code: res.Code}, err
	}
	result := &HealthResult{Provider: provider, Code: res.Code, Body: res.Body}
	if !res.ok() {
		return result, statusError(provider, res, "")
	}
	return result, nil
}
