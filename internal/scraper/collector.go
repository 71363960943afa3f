package scraper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lucasdmn/instagram-scraper/internal/agent"
	"github.com/lucasdmn/instagram-scraper/internal/errclass"
	"github.com/lucasdmn/instagram-scraper/internal/models"
	"github.com/lucasdmn/instagram-scraper/internal/normalize"
	"github.com/lucasdmn/instagram-scraper/internal/ratelimit"
)

// CollectorOptions configures recency classification and like
// harvesting.
type CollectorOptions struct {
	WindowDays      int
	MaxUsersPerPost int
	MaxRetries      int
	RetryBackoff    time.Duration
}

// Collector gates posts on the recency window and harvests the
// accounts that liked the ones inside it.
type Collector struct {
	agent   agent.Runner
	limiter ratelimit.RateLimiter
	logger  *slog.Logger
	opts    CollectorOptions

	now func() time.Time
}

func NewCollector(runner agent.Runner, limiter ratelimit.RateLimiter, opts CollectorOptions, logger *slog.Logger) *Collector {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 1
	}
	if opts.MaxUsersPerPost <= 0 {
		opts.MaxUsersPerPost = 30
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	return &Collector{
		agent:   runner,
		limiter: limiter,
		logger:  logger.With("component", "collector"),
		opts:    opts,
		now:     time.Now,
	}
}

// ClassifyAndHarvest tags every post with its recency verdict and
// harvests like users for the recent ones. Posts outside the window or
// with unreadable dates are kept with an error code instead of being
// dropped, so the result documents why each post contributed nothing.
// Only auth errors abort the run; anything else is a per-post verdict.
// windowDays and maxUsers of zero or below fall back to the configured
// defaults.
func (c *Collector) ClassifyAndHarvest(ctx context.Context, posts []models.Post, windowDays, maxUsers int, creds Credentials) ([]models.EnrichedPost, []models.Interaction, error) {
	if windowDays <= 0 {
		windowDays = c.opts.WindowDays
	}
	if maxUsers <= 0 {
		maxUsers = c.opts.MaxUsersPerPost
	}

	enriched := make([]models.EnrichedPost, 0, len(posts))
	var interactions []models.Interaction

	for _, post := range posts {
		ep := models.EnrichedPost{Post: post}

		if !c.isRecent(post, windowDays) {
			ep.ErrorCode = models.PostErrorNotRecent
			enriched = append(enriched, ep)
			continue
		}
		ep.Recent = true

		if err := c.limiter.Wait(ctx); err != nil {
			return enriched, interactions, err
		}

		users, err := c.harvestLikeUsers(ctx, post, maxUsers, creds)
		if err != nil {
			if errors.Is(err, errclass.ErrAuth) || errors.Is(err, context.Canceled) {
				return enriched, interactions, err
			}
			c.logger.Warn("like harvest failed for post",
				"post_url", post.PostURL, "error", err)
			ep.ErrorCode = models.PostErrorLikesNotVisible
			enriched = append(enriched, ep)
			continue
		}

		ep.LikeUsers = users
		enriched = append(enriched, ep)

		for _, userURL := range users {
			interactions = append(interactions, models.Interaction{
				PostURL:  post.PostURL,
				Username: normalize.UsernameFromURL(userURL),
				UserURL:  userURL,
				Kind:     models.InteractionLike,
			})
		}
	}

	return enriched, interactions, nil
}

// isRecent prefers the page-shown date string over a resolved
// timestamp, matching how the window is defined for humans reading the
// page. A post with no readable date never counts as recent.
func (c *Collector) isRecent(post models.Post, windowDays int) bool {
	if post.PostedAtRaw != "" {
		return normalize.IsRecent(post.PostedAtRaw, windowDays, c.now())
	}
	if post.PostedAt != nil {
		window := time.Duration(windowDays) * 24 * time.Hour
		return c.now().Sub(*post.PostedAt) <= window
	}
	return false
}

type likeUsersPayload struct {
	PostURL   string   `json:"post_url"`
	LikeUsers []string `json:"like_users"`
}

func (c *Collector) harvestLikeUsers(ctx context.Context, post models.Post, maxUsers int, creds Credentials) ([]string, error) {
	result, err := runAgentTask(ctx, c.agent, c.limiter, likeUsersTask(post.PostURL, maxUsers), creds.StorageStateJSON(), c.opts.MaxRetries, c.opts.RetryBackoff, c.logger)
	if err != nil {
		return nil, err
	}

	var payload likeUsersPayload
	if err := decodeAgentJSON(result.FinalResult, "like_users", &payload); err != nil {
		if class := errclass.ClassifyText(result.FinalResult); class != nil {
			return nil, class
		}
		return nil, err
	}

	seen := make(map[string]struct{}, len(payload.LikeUsers))
	users := make([]string, 0, len(payload.LikeUsers))
	for _, raw := range payload.LikeUsers {
		userURL := normalize.CanonicalURL(raw)
		if userURL == "" || normalize.UsernameFromURL(userURL) == "" {
			continue
		}
		if _, dup := seen[userURL]; dup {
			continue
		}
		seen[userURL] = struct{}{}
		users = append(users, userURL)
		if len(users) >= maxUsers {
			break
		}
	}
	return users, nil
}

// CommentsToInteractions converts harvested comments into interaction
// rows for a post.
func CommentsToInteractions(postURL string, comments []models.Comment) []models.Interaction {
	out := make([]models.Interaction, 0, len(comments))
	for _, comment := range comments {
		userURL := normalize.CanonicalURL(comment.UserURL)
		if userURL == "" && comment.Username != "" {
			userURL = normalize.CanonicalProfileURL(comment.Username)
		}
		if userURL == "" {
			continue
		}
		out = append(out, models.Interaction{
			PostURL:        postURL,
			Username:       comment.Username,
			UserURL:        userURL,
			Kind:           models.InteractionComment,
			CommentText:    comment.Text,
			CommentLikes:   comment.Likes,
			CommentReplies: comment.Replies,
			CommentedAtRaw: comment.PostedRaw,
		})
	}
	return out
}
