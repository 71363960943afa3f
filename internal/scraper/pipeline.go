package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lucasdmn/instagram-scraper/internal/agent"
	"github.com/lucasdmn/instagram-scraper/internal/browserless"
	"github.com/lucasdmn/instagram-scraper/internal/errclass"
	"github.com/lucasdmn/instagram-scraper/internal/models"
	"github.com/lucasdmn/instagram-scraper/internal/normalize"
	"github.com/lucasdmn/instagram-scraper/internal/oracle"
	"github.com/lucasdmn/instagram-scraper/internal/ratelimit"
)

// Credentials is what a scrape run needs from an acquired session.
// Implemented by session.Handle.
type Credentials interface {
	Cookies() []browserless.Cookie
	StorageStateJSON() json.RawMessage
}

// Renderer captures pages for the fallback tier. Implemented by the
// browserless client.
type Renderer interface {
	Screenshot(ctx context.Context, url string, opts browserless.Options) (string, error)
	HTML(ctx context.Context, url string, opts browserless.Options) (string, error)
}

// Options configures the extraction pipeline.
type Options struct {
	MaxPosts     int
	MaxRetries   int
	RetryBackoff time.Duration
}

// Pipeline runs tiered extraction: an agent drives the page first, and
// when the agent tier fails with anything but an auth error, or its
// output cannot be decoded or comes back with holes, a render plus
// model-extraction fallback fills in. The two tiers are independent, so
// an agent-runner outage alone does not sink a run. Values from the
// agent tier always win a merge.
type Pipeline struct {
	agent    agent.Runner
	oracle   oracle.Extractor
	renderer Renderer
	limiter  ratelimit.RateLimiter
	logger   *slog.Logger
	opts     Options

	now func() time.Time
}

func NewPipeline(runner agent.Runner, extractor oracle.Extractor, renderer Renderer, limiter ratelimit.RateLimiter, opts Options, logger *slog.Logger) *Pipeline {
	if opts.MaxPosts <= 0 {
		opts.MaxPosts = 5
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	return &Pipeline{
		agent:    runner,
		oracle:   extractor,
		renderer: renderer,
		limiter:  limiter,
		logger:   logger.With("component", "pipeline"),
		opts:     opts,
		now:      time.Now,
	}
}

// Profile extracts the profile header for a profile URL.
func (p *Pipeline) Profile(ctx context.Context, profileURL string, creds Credentials) (models.Profile, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return models.Profile{}, err
	}

	primary, agentErr := p.profileFromAgent(ctx, profileURL, creds)
	if agentErr != nil && (errors.Is(agentErr, errclass.ErrAuth) || ctx.Err() != nil) {
		return models.Profile{}, agentErr
	}
	if agentErr == nil && profileComplete(primary) {
		return finishProfile(primary, profileURL), nil
	}

	if agentErr != nil {
		p.logger.Warn("agent tier unusable for profile, falling back",
			"profile_url", profileURL, "error", agentErr)
	} else {
		p.logger.Info("agent profile has holes, merging with fallback tier",
			"profile_url", profileURL)
	}

	fallback, fbErr := p.profileFromOracle(ctx, profileURL, creds)
	if fbErr != nil {
		if agentErr == nil && !primary.Empty() {
			p.logger.Warn("fallback tier failed, keeping partial agent profile",
				"profile_url", profileURL, "error", fbErr)
			return finishProfile(primary, profileURL), nil
		}
		return models.Profile{}, fbErr
	}

	merged := MergeProfiles(primary, fallback)
	if merged.Empty() {
		return models.Profile{}, fmt.Errorf("%w: no usable profile data from either tier", errclass.ErrParseFailure)
	}
	return finishProfile(merged, profileURL), nil
}

// Posts extracts the most recent posts of a profile. A maxPosts of
// zero or below falls back to the configured default.
func (p *Pipeline) Posts(ctx context.Context, profileURL string, maxPosts int, creds Credentials) ([]models.Post, error) {
	if maxPosts <= 0 {
		maxPosts = p.opts.MaxPosts
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	primary, agentErr := p.postsFromAgent(ctx, profileURL, maxPosts, creds)
	if agentErr != nil && (errors.Is(agentErr, errclass.ErrAuth) || ctx.Err() != nil) {
		return nil, agentErr
	}

	needFallback := agentErr != nil || len(primary) == 0 || postsHaveHoles(primary)
	if !needFallback {
		return p.finishPosts(primary, maxPosts), nil
	}

	if agentErr != nil {
		p.logger.Warn("agent tier unusable for posts, falling back",
			"profile_url", profileURL, "error", agentErr)
	}

	fallback, fbErr := p.postsFromOracle(ctx, profileURL, creds)
	if fbErr != nil {
		if len(primary) > 0 {
			p.logger.Warn("fallback tier failed, keeping partial agent posts",
				"profile_url", profileURL, "error", fbErr)
			return p.finishPosts(primary, maxPosts), nil
		}
		return nil, fbErr
	}

	merged := MergePosts(primary, fallback, maxPosts)
	if len(merged) == 0 {
		return nil, fmt.Errorf("%w: no usable posts from either tier", errclass.ErrParseFailure)
	}
	return p.finishPosts(merged, maxPosts), nil
}

// Comments extracts the visible comments of one post.
func (p *Pipeline) Comments(ctx context.Context, postURL string, creds Credentials) ([]models.Comment, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	screenshot, err := p.renderer.Screenshot(ctx, postURL, browserless.Options{
		Cookies: creds.Cookies(),
	})
	if err != nil {
		return nil, err
	}
	return p.oracle.ExtractComments(ctx, screenshot)
}

type agentProfilePayload struct {
	Username       string               `json:"username"`
	FullName       string               `json:"full_name"`
	Bio            string               `json:"bio"`
	IsPrivate      bool                 `json:"is_private"`
	Verified       bool                 `json:"verified"`
	FollowerCount  *normalize.FlexCount `json:"follower_count"`
	FollowingCount *normalize.FlexCount `json:"following_count"`
	PostCount      *normalize.FlexCount `json:"post_count"`
}

func (p *Pipeline) profileFromAgent(ctx context.Context, profileURL string, creds Credentials) (models.Profile, error) {
	result, err := runAgentTask(ctx, p.agent, p.limiter, profileTask(profileURL), creds.StorageStateJSON(), p.opts.MaxRetries, p.opts.RetryBackoff, p.logger)
	if err != nil {
		return models.Profile{}, err
	}

	var payload agentProfilePayload
	if err := decodeAgentJSON(result.FinalResult, "username", &payload); err != nil {
		return models.Profile{}, err
	}

	return models.Profile{
		Username:       payload.Username,
		FullName:       payload.FullName,
		Bio:            payload.Bio,
		IsPrivate:      payload.IsPrivate,
		Verified:       payload.Verified,
		FollowerCount:  payload.FollowerCount.Int64Ptr(),
		FollowingCount: payload.FollowingCount.Int64Ptr(),
		PostCount:      payload.PostCount.Int64Ptr(),
	}, nil
}

type agentPostPayload struct {
	PostURL      string              `json:"post_url"`
	Caption      string              `json:"caption"`
	LikeCount    normalize.FlexCount `json:"like_count"`
	CommentCount normalize.FlexCount `json:"comment_count"`
	PostedAtRaw  string              `json:"posted_at_raw"`
}

func (p *Pipeline) postsFromAgent(ctx context.Context, profileURL string, maxPosts int, creds Credentials) ([]models.Post, error) {
	result, err := runAgentTask(ctx, p.agent, p.limiter, postsTask(profileURL, maxPosts), creds.StorageStateJSON(), p.opts.MaxRetries, p.opts.RetryBackoff, p.logger)
	if err != nil {
		return nil, err
	}
	return postsFromAgentJSON(result.FinalResult)
}

// postsFromAgentJSON accepts both the documented envelope and a bare
// array, which agents produce often enough to matter.
func postsFromAgentJSON(finalResult string) ([]models.Post, error) {
	var raw json.RawMessage
	if err := decodeAgentJSON(finalResult, "posts", &raw); err != nil {
		return nil, err
	}

	var payloads []agentPostPayload
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &payloads); err != nil {
			return nil, fmt.Errorf("%w: decode posts array: %v", errclass.ErrParseFailure, err)
		}
	} else {
		var envelope struct {
			Posts []agentPostPayload `json:"posts"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, fmt.Errorf("%w: decode posts envelope: %v", errclass.ErrParseFailure, err)
		}
		payloads = envelope.Posts
	}

	posts := make([]models.Post, 0, len(payloads))
	for _, pp := range payloads {
		if pp.PostURL == "" {
			continue
		}
		posts = append(posts, models.Post{
			PostURL:      pp.PostURL,
			Caption:      pp.Caption,
			LikeCount:    pp.LikeCount.Int64(),
			CommentCount: pp.CommentCount.Int64(),
			PostedAtRaw:  pp.PostedAtRaw,
		})
	}
	return posts, nil
}

func (p *Pipeline) profileFromOracle(ctx context.Context, profileURL string, creds Credentials) (models.Profile, error) {
	screenshot, html, err := p.capture(ctx, profileURL, creds)
	if err != nil {
		return models.Profile{}, err
	}
	return p.oracle.ExtractProfile(ctx, screenshot, html)
}

func (p *Pipeline) postsFromOracle(ctx context.Context, profileURL string, creds Credentials) ([]models.Post, error) {
	screenshot, html, err := p.capture(ctx, profileURL, creds)
	if err != nil {
		return nil, err
	}
	return p.oracle.ExtractPosts(ctx, screenshot, html)
}

func (p *Pipeline) capture(ctx context.Context, url string, creds Credentials) (screenshot, html string, err error) {
	opts := browserless.Options{Cookies: creds.Cookies()}

	screenshot, err = p.renderer.Screenshot(ctx, url, opts)
	if err != nil {
		return "", "", err
	}
	html, err = p.renderer.HTML(ctx, url, opts)
	if err != nil {
		return "", "", err
	}
	return screenshot, html, nil
}

func (p *Pipeline) finishPosts(posts []models.Post, maxPosts int) []models.Post {
	now := p.now()
	out := make([]models.Post, 0, len(posts))
	for _, post := range posts {
		post.PostURL = normalize.CanonicalURL(post.PostURL)
		if post.PostURL == "" {
			continue
		}
		if post.PostedAt == nil && post.PostedAtRaw != "" {
			if t, ok := normalize.ResolvePostedAt(post.PostedAtRaw, now); ok {
				post.PostedAt = &t
			}
		}
		out = append(out, post)
	}
	if maxPosts > 0 && len(out) > maxPosts {
		out = out[:maxPosts]
	}
	return out
}

func profileComplete(p models.Profile) bool {
	return p.Username != "" && p.FollowerCount != nil &&
		p.FollowingCount != nil && p.PostCount != nil
}

func postsHaveHoles(posts []models.Post) bool {
	for _, p := range posts {
		if p.PostedAt == nil && p.PostedAtRaw == "" {
			return true
		}
	}
	return false
}

func finishProfile(p models.Profile, requestedURL string) models.Profile {
	if p.Username == "" {
		p.Username = normalize.UsernameFromURL(requestedURL)
	}
	if p.ProfileURL == "" && p.Username != "" {
		p.ProfileURL = normalize.CanonicalProfileURL(p.Username)
	}
	if p.ProfileURL == "" {
		p.ProfileURL = normalize.CanonicalURL(requestedURL)
	}
	return p
}

// runAgentTask executes one agent task with bounded retries. Only
// transient failures are retried; auth errors and parse failures
// surface immediately so the caller can invalidate or fall back.
// Transient outcomes are fed back to the limiter so it can widen the
// gap between navigations under upstream pressure.
func runAgentTask(ctx context.Context, runner agent.Runner, limiter ratelimit.RateLimiter, task string, storageState json.RawMessage, maxRetries int, backoff time.Duration, logger *slog.Logger) (agent.Result, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff * time.Duration(1<<(attempt-1))
			logger.Info("retrying agent task", "attempt", attempt, "backoff", wait)
			select {
			case <-ctx.Done():
				return agent.Result{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := runner.Run(ctx, task, storageState)
		if err != nil {
			err = errclass.Classify(err)
			if errclass.Retryable(err) {
				limiter.RecordError()
				lastErr = err
				continue
			}
			return agent.Result{}, err
		}

		if !result.Succeeded {
			switch code := result.FailureCode(); code {
			case errclass.CodeRateLimited, errclass.CodeProtocolError:
				limiter.RecordError()
				lastErr = fmt.Errorf("%w: agent run failed (%s)", errclass.ErrTransientProtocol, code)
				continue
			default:
				if class := errclass.ClassifyText(result.FinalResult); class != nil {
					return result, fmt.Errorf("%w: %s", class, firstLine(result.FinalResult))
				}
				return result, fmt.Errorf("%w: agent run failed (%s)", errclass.ErrParseFailure, code)
			}
		}

		limiter.RecordSuccess()
		return result, nil
	}

	return agent.Result{}, fmt.Errorf("agent task failed after %d retries: %w", maxRetries, lastErr)
}

// decodeAgentJSON decodes an agent's final result, recovering a JSON
// document from surrounding prose when strict decoding fails. A
// non-empty requiredKey rejects documents that do not carry the
// expected payload.
func decodeAgentJSON(finalResult, requiredKey string, v any) error {
	trimmed := strings.TrimSpace(finalResult)
	if trimmed == "" {
		return fmt.Errorf("%w: agent returned empty result", errclass.ErrParseFailure)
	}

	if json.Valid([]byte(trimmed)) && hasRequiredKey(json.RawMessage(trimmed), requiredKey) {
		if err := json.Unmarshal([]byte(trimmed), v); err == nil {
			return nil
		}
	}

	raw, ok := RecoverJSON(finalResult, requiredKey)
	if !ok {
		return fmt.Errorf("%w: no JSON document in agent result", errclass.ErrParseFailure)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode recovered JSON: %v", errclass.ErrParseFailure, err)
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
