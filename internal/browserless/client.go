// Package browserless talks to a remote browserless/chrome deployment
// over its REST API: screenshots, rendered HTML and script execution.
package browserless

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lucasdmn/instagram-scraper/internal/errclass"
)

// Cookie is one browser cookie forwarded with a render request.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Options carries the optional knobs of a render call. Deployments that
// reject any of them get a parameterless retry.
type Options struct {
	FullPage  bool
	WaitFor   string
	TimeoutMS int
	Cookies   []Cookie
	UserAgent string
}

type Client struct {
	host       string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(host, token string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		host:  strings.TrimRight(host, "/"),
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "browserless"),
	}
}

// optional payload fields, stripped on a field-validation retry
var optionalFields = []string{"fullPage", "timeout", "cookies", "waitFor", "userAgent"}

// Screenshot captures a page and returns it base64-encoded. Handles
// both JSON-wrapped and raw-bytes responses.
func (c *Client) Screenshot(ctx context.Context, url string, opts Options) (string, error) {
	payload := map[string]any{
		"url":      url,
		"fullPage": opts.FullPage,
	}
	applyOptions(payload, opts)

	body, contentType, err := c.post(ctx, "/screenshot", payload)
	if err != nil {
		return "", err
	}

	if strings.Contains(contentType, "application/json") {
		var wrapped struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return "", fmt.Errorf("decode screenshot response: %w", err)
		}
		return wrapped.Data, nil
	}

	return base64.StdEncoding.EncodeToString(body), nil
}

// HTML returns the rendered page content.
func (c *Client) HTML(ctx context.Context, url string, opts Options) (string, error) {
	payload := map[string]any{"url": url}
	applyOptions(payload, opts)

	body, contentType, err := c.post(ctx, "/content", payload)
	if err != nil {
		return "", err
	}

	if strings.Contains(contentType, "application/json") {
		var wrapped struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data != "" {
			return wrapped.Data, nil
		}
	}

	return string(body), nil
}

// ExecuteScript runs a script in the page and returns its result.
func (c *Client) ExecuteScript(ctx context.Context, url, script string, opts Options) (json.RawMessage, error) {
	payload := map[string]any{
		"url":  url,
		"code": script,
	}
	applyOptions(payload, opts)

	body, _, err := c.post(ctx, "/execute", payload)
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode execute response: %w", err)
	}

	return wrapped.Data, nil
}

// Health reports whether the deployment is reachable.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/health", nil)
	if err != nil {
		return false
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any) ([]byte, string, error) {
	body, contentType, status, err := c.doPost(ctx, path, payload)
	if err != nil {
		return nil, "", err
	}
	if status == http.StatusOK {
		return body, contentType, nil
	}

	// Older deployments reject optional fields with a 400 naming the
	// offending key; retry once without them.
	if isFieldValidationError(status, body) {
		stripped := map[string]any{"url": payload["url"]}
		if code, ok := payload["code"]; ok {
			stripped["code"] = code
		}

		body, contentType, status, err = c.doPost(ctx, path, stripped)
		if err != nil {
			return nil, "", err
		}
		if status == http.StatusOK {
			c.logger.Info("render call succeeded after stripping optional fields", "path", path)
			return body, contentType, nil
		}
	}

	apiErr := fmt.Errorf("browserless %s: status %d: %s", path, status, truncate(string(body), 512))
	return nil, "", errclass.Classify(apiErr)
}

func (c *Client) doPost(ctx context.Context, path string, payload map[string]any) ([]byte, string, int, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, "", 0, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, "", 0, fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", 0, errclass.Classify(fmt.Errorf("browserless %s: %w", path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", 0, errclass.Classify(fmt.Errorf("read browserless response: %w", err))
	}

	return body, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
}

func applyOptions(payload map[string]any, opts Options) {
	if opts.WaitFor != "" {
		payload["waitFor"] = opts.WaitFor
	}
	if opts.TimeoutMS > 0 {
		payload["timeout"] = opts.TimeoutMS
	}
	if len(opts.Cookies) > 0 {
		payload["cookies"] = opts.Cookies
	}
	if opts.UserAgent != "" {
		payload["userAgent"] = opts.UserAgent
	}
}

// isFieldValidationError matches the 400 response browserless returns
// when a payload field is not supported by the deployment.
func isFieldValidationError(status int, body []byte) bool {
	if status != http.StatusBadRequest {
		return false
	}

	message := string(body)
	if !strings.Contains(message, "not allowed") {
		return false
	}

	// The quotes around the field name arrive escaped when the error is
	// wrapped in a JSON body.
	for _, field := range optionalFields {
		if strings.Contains(message, fmt.Sprintf("%q is not allowed", field)) ||
			strings.Contains(message, fmt.Sprintf(`\"%s\" is not allowed`, field)) {
			return true
		}
	}

	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
