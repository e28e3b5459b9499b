package tools

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
)

// IdempotencyHeader carries Call.IdempotencyKey on every request so a server
// can recognise a call repeated after a resume.
const IdempotencyHeader = "Idempotency-Key"

const httpInputSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "method": {"type": "string"},
    "url": {"type": "string", "minLength": 1},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json", "form", "text"]},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer", "basic", "api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean"},
    "tls_skip_verify": {"type": "boolean"},
    "fail_on_error_status": {"type": "boolean"}
  }
}`

// HTTPConfig bounds the http tool.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

// HTTPTool performs one HTTP request per call.
type HTTPTool struct {
	config HTTPConfig
}

func NewHTTPTool(cfg HTTPConfig) *HTTPTool {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPTool{config: cfg}
}

func (t *HTTPTool) Name() string { return "http" }

func (t *HTTPTool) Schema() Schema {
	return Schema{
		Description: "Performs an HTTP request and returns status, headers and body",
		InputSchema: json.RawMessage(httpInputSchema),
	}
}

func (t *HTTPTool) Execute(ctx context.Context, call Call, _ func(any)) (any, error) {
	p := call.Params
	rawURL := stringParam(p, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", rawURL)
	}

	timeout := t.config.DefaultTimeout
	if ts := stringParam(p, "timeout", ""); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid timeout %q", ts)
		}
		timeout = d
	}

	body, contentType, err := encodeBody(p["body"], stringParam(p, "body_encoding", "json"))
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(stringParam(p, "method", http.MethodGet))
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "http: build request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if call.IdempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, call.IdempotencyKey)
	}
	if hdrs, ok := p["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if auth, ok := p["auth"].(map[string]any); ok {
		applyAuth(req, auth)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolParam(p, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per step
	}
	client := &http.Client{Transport: transport}
	if !boolParam(p, "follow_redirects", true) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: %s %s: %v", method, rawURL, err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http: read response body").WithCause(err)
	}

	respType := resp.Header.Get("Content-Type")
	var parsed any
	if len(data) > 0 {
		parsed = string(data)
		if strings.Contains(respType, "json") {
			var v any
			if json.Unmarshal(data, &v) == nil {
				parsed = v
			}
		}
	}
	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code":  float64(resp.StatusCode),
		"status":       resp.Status,
		"headers":      headers,
		"body":         parsed,
		"content_type": respType,
		"duration_ms":  float64(time.Since(start).Milliseconds()),
	}

	if boolParam(p, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		// Client errors other than 429 will not succeed on retry.
		code := schema.ErrCodeExecution
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			code = schema.ErrCodeValidation
		}
		return nil, schema.NewErrorf(code, "http: %s %s returned %d", method, rawURL, resp.StatusCode).
			WithDetails(result)
	}
	return result, nil
}

func encodeBody(raw any, encoding string) (io.Reader, string, error) {
	if raw == nil {
		return nil, "", nil
	}
	switch encoding {
	case "form":
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range fields {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", raw)), "text/plain", nil
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http: encode body as JSON").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, auth map[string]any) {
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

func stringParam(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return def
}

func boolParam(m map[string]any, key string, def bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return def
}
