package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// Provider REST paths, relative to {base}/rest.
const (
	ProviderPathLogin         = "/log/in"
	ProviderPathNewProcess    = "/process/new"
	ProviderPathAddFile       = "/process/addfiletoprc"
	ProviderPathUpdateProcess = "/process/update"
	ProviderPathAddToken      = "/process/addtkzphtrltr"
)

// ProviderFileField is the multipart field the provider reads the PDF from.
const ProviderFileField = "pze"

const maxProviderBodyBytes = 1 << 20

// ProviderResponse is the normalized outcome of one provider call. Transport
// failures and timeouts are reported with Code 0 and the error text as Body.
type ProviderResponse struct {
	Code int
	Body string
}

// Text returns the body without surrounding whitespace or JSON string quotes.
func (r ProviderResponse) Text() string {
	s := strings.TrimSpace(r.Body)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var unquoted string
		if err := json.Unmarshal([]byte(s), &unquoted); err == nil {
			return strings.TrimSpace(unquoted)
		}
	}
	return s
}

// IsErrorText reports whether the body is a string mentioning "error".
func (r ProviderResponse) IsErrorText() bool {
	return strings.Contains(strings.ToLower(r.Body), "error")
}

// Succeeded applies the provider's success predicate: HTTP 200, no error text
// and, when expected is non-empty, a body equal to expected.
func (r ProviderResponse) Succeeded(expected string) bool {
	if r.Code != http.StatusOK || r.IsErrorText() {
		return false
	}
	return expected == "" || r.Text() == expected
}

// ProviderAPI is one authenticated conversation with the signing provider.
type ProviderAPI interface {
	Post(ctx context.Context, path string, form url.Values, headers map[string]string, urlEncoded bool) ProviderResponse
	PostMultipart(ctx context.Context, path string, file []byte, filename string, fields map[string]string, headers map[string]string) ProviderResponse
}

// ProviderSessionFactory opens provider conversations. Sessions are not
// shared between orchestration runs.
type ProviderSessionFactory interface {
	NewSession() ProviderAPI
}

// ProviderClient talks to the signing provider's REST API.
type ProviderClient struct {
	restURL   string
	timeout   time.Duration
	transport http.RoundTripper
}

// NewProviderClient creates a client for the provider at baseURL. Every call
// is bounded by timeout.
func NewProviderClient(baseURL string, timeout time.Duration, transport http.RoundTripper) *ProviderClient {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &ProviderClient{
		restURL:   strings.TrimRight(baseURL, "/") + "/rest",
		timeout:   timeout,
		transport: transport,
	}
}

// NewSession returns a conversation with its own cookie jar, so the login
// cookie of one run never leaks into another.
func (c *ProviderClient) NewSession() ProviderAPI {
	jar, _ := cookiejar.New(nil)
	return &providerSession{
		restURL: c.restURL,
		timeout: c.timeout,
		http: &http.Client{
			Transport: c.transport,
			Jar:       jar,
			Timeout:   c.timeout,
		},
	}
}

type providerSession struct {
	restURL string
	timeout time.Duration
	http    *http.Client
}

// Post sends form either url-encoded or as a flat JSON object.
func (s *providerSession) Post(ctx context.Context, path string, form url.Values, headers map[string]string, urlEncoded bool) ProviderResponse {
	var body io.Reader
	contentType := "application/x-www-form-urlencoded"
	if urlEncoded {
		body = strings.NewReader(form.Encode())
	} else {
		flat := make(map[string]string, len(form))
		for k := range form {
			flat[k] = form.Get(k)
		}
		data, err := json.Marshal(flat)
		if err != nil {
			return ProviderResponse{Body: err.Error()}
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	return s.do(ctx, path, body, contentType, headers)
}

// PostMultipart uploads file under the provider's file field together with
// the given form fields.
func (s *providerSession) PostMultipart(ctx context.Context, path string, file []byte, filename string, fields map[string]string, headers map[string]string) ProviderResponse {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return ProviderResponse{Body: fmt.Sprintf("write field %s: %v", k, err)}
		}
	}
	part, err := mw.CreateFormFile(ProviderFileField, filename)
	if err != nil {
		return ProviderResponse{Body: fmt.Sprintf("create file part: %v", err)}
	}
	if _, err := part.Write(file); err != nil {
		return ProviderResponse{Body: fmt.Sprintf("write file part: %v", err)}
	}
	if err := mw.Close(); err != nil {
		return ProviderResponse{Body: fmt.Sprintf("close multipart body: %v", err)}
	}

	return s.do(ctx, path, &buf, mw.FormDataContentType(), headers)
}

func (s *providerSession) do(ctx context.Context, path string, body io.Reader, contentType string, headers map[string]string) ProviderResponse {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.restURL+path, body)
	if err != nil {
		return ProviderResponse{Body: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return ProviderResponse{Body: fmt.Sprintf("request %s failed: %v", path, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBodyBytes))
	if err != nil {
		return ProviderResponse{Body: fmt.Sprintf("read response from %s: %v", path, err)}
	}
	return ProviderResponse{Code: resp.StatusCode, Body: string(data)}
}
