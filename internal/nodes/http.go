package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/roach88/flowcrm/internal/template"
)

// maxResponseBody caps how much of a response is kept as node output.
const maxResponseBody = 1 << 20

// StatusError reports a non-2xx response.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.URL, e.Status, e.Body)
}

// Retriable reports true for throttling and server errors.
func (e *StatusError) Retriable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// HTTPRequest calls {endpoint, method, body, headers} and outputs
// {status, body}. Object and array bodies are sent as JSON; JSON responses
// are decoded.
func HTTPRequest(client *http.Client) Executor {
	return ExecutorFunc(func(ctx context.Context, in Input) (map[string]any, error) {
		endpoint, err := requireURL(in, "endpoint")
		if err != nil {
			return nil, err
		}
		method := strings.ToUpper(stringField(in.Config, "method"))
		if method == "" {
			method = http.MethodGet
		}
		switch method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return nil, configError(in, "method", "unsupported method %q", method)
		}

		var (
			body        io.Reader
			contentType string
		)
		switch b := in.Config["body"].(type) {
		case nil:
		case string:
			if b != "" {
				body = strings.NewReader(b)
				contentType = "text/plain; charset=utf-8"
				if json.Valid([]byte(b)) {
					contentType = "application/json"
				}
			}
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, configError(in, "body", "cannot encode as JSON: %v", err)
			}
			body = bytes.NewReader(data)
			contentType = "application/json"
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return nil, configError(in, "endpoint", "%v", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for k, v := range mapField(in.Config, "headers") {
			req.Header.Set(k, template.Stringify(v))
		}

		status, respBody, err := do(client, req, req.URL.Redacted())
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": status, "body": respBody}, nil
	})
}

// Discord posts {content, username} to a Discord incoming webhook.
func Discord(client *http.Client) Executor {
	return chatWebhook(client, "content", 2000)
}

// Slack posts {content, username} to a Slack incoming webhook.
func Slack(client *http.Client) Executor {
	return chatWebhook(client, "text", 40000)
}

// chatWebhook posts a message to an incoming webhook. textKey is the
// payload field that carries the message; content longer than maxLen
// runes is truncated.
func chatWebhook(client *http.Client, textKey string, maxLen int) Executor {
	return ExecutorFunc(func(ctx context.Context, in Input) (map[string]any, error) {
		webhookURL, err := requireSecretURL(in, "webhookUrl")
		if err != nil {
			return nil, err
		}
		content, err := requireString(in, "content")
		if err != nil {
			return nil, err
		}
		if r := []rune(content); len(r) > maxLen {
			content = string(r[:maxLen])
		}

		payload := map[string]any{textKey: content}
		if username := stringField(in.Config, "username"); username != "" {
			payload["username"] = username
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(data))
		if err != nil {
			return nil, configError(in, "webhookUrl", "cannot build request")
		}
		req.Header.Set("Content-Type", "application/json")

		status, _, err := do(client, req, redactPath(req.URL))
		if err != nil {
			return nil, err
		}
		return map[string]any{"delivered": true, "status": status, "content": content}, nil
	})
}

func requireURL(in Input, key string) (string, error) {
	raw, err := requireString(in, key)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", configError(in, key, "%q is not an http(s) URL", raw)
	}
	return raw, nil
}

// requireSecretURL is requireURL for URLs whose path is a credential, such
// as chat webhook tokens. Errors never echo the path.
func requireSecretURL(in Input, key string) (string, error) {
	raw, err := requireString(in, key)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", configError(in, key, "not an http(s) URL")
	}
	return raw, nil
}

// redactPath renders u as scheme://host with the path and query masked.
func redactPath(u *url.URL) string {
	return u.Scheme + "://" + u.Host + "/xxxxx"
}

// do sends req and returns the status and decoded body. Non-2xx responses
// become a *StatusError. target is how the URL appears in errors.
func do(client *http.Client, req *http.Request, target string) (int, any, error) {
	resp, err := client.Do(req)
	if err != nil {
		// *url.Error repeats the full URL; keep only its cause.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return 0, nil, fmt.Errorf("%s %s: %w", req.Method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, nil, &StatusError{URL: target, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var body any = string(data)
	if len(data) > 0 && json.Valid(data) {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			body = decoded
		}
	}
	return resp.StatusCode, body, nil
}
