package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// HTTPTask — имя встроенной задачи HTTP-запроса.
const HTTPTask = "http"

const defaultHTTPTimeout = 30 * time.Second

// HTTPResponse — результат задачи http.
type HTTPResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
}

// RegisterHTTP регистрирует задачу http с клиентом client (nil — http.DefaultClient).
//
// Kwargs:
//   - method (string): HTTP-метод. Default: GET
//   - url (string): URL запроса (обязательно)
//   - headers (map[string]string): заголовки
//   - body (any): тело запроса, сериализуется в JSON
//   - timeout_sec (number): таймаут запроса. Default: 30
//
// Ответ 5xx и сетевые ошибки повторяются по policy, 4xx — Permanent.
func RegisterHTTP(r *Registry, client *http.Client, policy Policy) error {
	if client == nil {
		client = http.DefaultClient
	}
	if policy.Retry.MaxRetries == 0 {
		policy.Retry = domain.RetryPolicy{MaxRetries: 3, Backoff: "exponential", InitialDelay: time.Second}
	}
	return r.Register(HTTPTask, httpHandler(client), policy)
}

func httpHandler(client *http.Client) Handler {
	return func(ctx context.Context, call *Call) (any, error) {
		method, _, err := Kwarg[string](call, "method")
		if err != nil {
			return nil, Permanent(err)
		}
		if method == "" {
			method = http.MethodGet
		}
		url, _, err := Kwarg[string](call, "url")
		if err != nil || url == "" {
			return nil, Permanent(fmt.Errorf("%w: url is required", ErrInvalidArgument))
		}

		timeout := defaultHTTPTimeout
		if secs, ok, err := Kwarg[float64](call, "timeout_sec"); err == nil && ok && secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var bodyReader io.Reader
		if body, ok := call.Kwargs["body"]; ok && body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, Permanent(fmt.Errorf("marshal body: %w", err))
			}
			bodyReader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, Permanent(fmt.Errorf("create request: %w", err))
		}
		headers, _, _ := Kwarg[map[string]string](call, "headers")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if bodyReader != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		out := buildResponse(resp, data)
		switch {
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
		case resp.StatusCode >= 400:
			return nil, Permanent(fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 200)))
		}
		return out, nil
	}
}

// buildResponse разбирает ответ: тело как JSON, иначе строка.
func buildResponse(resp *http.Response, body []byte) *HTTPResponse {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		parsed = string(body)
	}

	return &HTTPResponse{StatusCode: resp.StatusCode, Headers: headers, Body: parsed}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
