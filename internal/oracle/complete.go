package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lucasdmn/instagram-scraper/internal/errclass"
)

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// apiError carries the HTTP status so rate limits are detectable
// without message sniffing.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("oracle: status %d: %s", e.StatusCode, e.Message)
}

// complete runs one chat completion, retrying once on a fallback model
// when the primary is rate limited. Returns the JSON object embedded in
// the response text.
func (c *Client) complete(ctx context.Context, model, fallbackModel, prompt, screenshotB64, html string) (json.RawMessage, error) {
	raw, err := c.completeWith(ctx, model, prompt, screenshotB64, html)
	if err == nil {
		return raw, nil
	}

	if !isRateLimitError(err) {
		return nil, err
	}

	fallback := resolveFallbackModel(model, fallbackModel)
	if fallback == "" {
		return nil, err
	}

	c.logger.Warn("oracle rate limited, retrying on fallback model",
		"model", model, "fallback", fallback)

	return c.completeWith(ctx, fallback, prompt, screenshotB64, html)
}

func (c *Client) completeWith(ctx context.Context, model, prompt, screenshotB64, html string) (json.RawMessage, error) {
	content := make([]chatContent, 0, 3)
	if screenshotB64 != "" {
		content = append(content, chatContent{
			Type:     "image_url",
			ImageURL: &chatImageURL{URL: "data:image/png;base64," + screenshotB64},
		})
	}
	content = append(content, chatContent{Type: "text", Text: prompt})
	if html != "" {
		content = append(content, chatContent{Type: "text", Text: "\nPage HTML:\n" + html})
	}

	body, err := json.Marshal(map[string]any{
		"model":       model,
		"temperature": c.temperature,
		"messages":    []chatMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal oracle payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new oracle request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errclass.Classify(fmt.Errorf("oracle call: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errclass.Classify(fmt.Errorf("read oracle response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}

	var decoded chatResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode oracle response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("oracle returned no choices")
	}

	return extractJSONObject(decoded.Choices[0].Message.Content)
}

// extractJSONObject accepts either strict JSON or JSON wrapped in a
// markdown code fence or surrounding prose.
func extractJSONObject(text string) (json.RawMessage, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	if json.Valid([]byte(s)) {
		return json.RawMessage(s), nil
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		candidate := s[start : end+1]
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}

	return nil, fmt.Errorf("%w: oracle response is not json", errclass.ErrParseFailure)
}

// isRateLimitError detects rate limiting from the HTTP status when
// available, from the message otherwise.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var api *apiError
	if errors.As(err, &api) {
		return api.StatusCode == http.StatusTooManyRequests
	}

	s := strings.ToLower(err.Error())
	return strings.Contains(s, "rate_limit") || strings.Contains(s, "rate limit") ||
		strings.Contains(s, "tokens per min")
}

// resolveFallbackModel returns the configured fallback unless it is
// empty or identical to the primary.
func resolveFallbackModel(primary, fallback string) string {
	if fallback == "" || fallback == primary {
		return ""
	}
	return fallback
}
