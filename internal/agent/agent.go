// Package agent drives the AI browser agent through its runner service.
// The agent receives a natural-language task plus the session's storage
// state and returns free-form text that is expected, not guaranteed, to
// contain JSON.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lucasdmn/instagram-scraper/internal/errclass"
)

// Result is the outcome of one agent run. StorageState and ReconnectURL
// are only present when the task asked the runner to export them.
type Result struct {
	FinalResult  string          `json:"final_result"`
	Succeeded    bool            `json:"succeeded"`
	Done         bool            `json:"done"`
	Errors       []string        `json:"errors,omitempty"`
	StorageState json.RawMessage `json:"storage_state,omitempty"`
	ReconnectURL string          `json:"reconnect_url,omitempty"`
}

// FailureCode condenses the run into one taxonomy code.
func (r Result) FailureCode() string {
	return errclass.AgentFailureCode(r.FinalResult, r.Errors)
}

// Runner executes agent tasks. Implemented by Client; faked in tests.
type Runner interface {
	Run(ctx context.Context, task string, storageState json.RawMessage) (Result, error)
}

type Client struct {
	runnerURL  string
	token      string
	cdpURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

type ClientConfig struct {
	RunnerURL string
	Token     string
	// CDP endpoint handed to the runner so the agent attaches to the
	// same browserless deployment the render calls use.
	BrowserlessHost  string
	BrowserlessToken string
	BrowserlessWSURL string
	Timeout          time.Duration
}

func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	cdpURL, err := BuildCDPURL(cfg.BrowserlessHost, cfg.BrowserlessWSURL, cfg.BrowserlessToken)
	if err != nil {
		return nil, err
	}

	return &Client{
		runnerURL: strings.TrimRight(cfg.RunnerURL, "/"),
		token:     cfg.Token,
		cdpURL:    cdpURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With("component", "agent"),
	}, nil
}

// BuildCDPURL derives the websocket CDP endpoint from the browserless
// host unless an explicit ws url is configured, and appends the token.
func BuildCDPURL(host, wsURL, token string) (string, error) {
	base := wsURL
	if base == "" {
		parsed, err := url.Parse(host)
		if err != nil || parsed.Host == "" {
			return "", fmt.Errorf("browserless host %q is not a valid url", host)
		}
		scheme := "ws"
		if parsed.Scheme == "https" || parsed.Scheme == "wss" {
			scheme = "wss"
		}
		base = scheme + "://" + parsed.Host
	}

	if token == "" || strings.Contains(base, "token=") {
		return base, nil
	}

	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
	}
	return base + separator + "token=" + token, nil
}

type runRequest struct {
	Task         string          `json:"task"`
	CDPURL       string          `json:"cdp_url"`
	StorageState json.RawMessage `json:"storage_state,omitempty"`
}

// Run submits a task to the runner and waits for the agent to finish.
// An unsuccessful-but-done run is returned as a Result, not an error;
// the caller decides how to treat it. Transport failures come back
// classified.
func (c *Client) Run(ctx context.Context, task string, storageState json.RawMessage) (Result, error) {
	if c.runnerURL == "" {
		return Result{}, fmt.Errorf("agent runner url not configured")
	}

	encoded, err := json.Marshal(runRequest{
		Task:         task,
		CDPURL:       c.cdpURL,
		StorageState: storageState,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.runnerURL+"/run", bytes.NewReader(encoded))
	if err != nil {
		return Result{}, fmt.Errorf("new agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, errclass.Classify(fmt.Errorf("agent run: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, errclass.Classify(fmt.Errorf("read agent response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("agent run: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return Result{}, errclass.Classify(apiErr)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, fmt.Errorf("decode agent response: %w", err)
	}

	c.logger.Info("agent run finished",
		"succeeded", result.Succeeded,
		"done", result.Done,
		"duration", time.Since(started).Round(time.Millisecond),
	)

	return result, nil
}
