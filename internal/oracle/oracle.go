// Package oracle extracts structured fields from screenshots and HTML
// through an OpenAI-compatible vision/text model. Every call is
// stateless and independently retryable.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lucasdmn/instagram-scraper/internal/models"
	"github.com/lucasdmn/instagram-scraper/internal/normalize"
)

const (
	maxHTMLContext     = 5000
	maxUserHTMLContext = 3000
)

type Extractor interface {
	ExtractProfile(ctx context.Context, screenshotB64, html string) (models.Profile, error)
	ExtractPosts(ctx context.Context, screenshotB64, html string) ([]models.Post, error)
	ExtractComments(ctx context.Context, screenshotB64 string) ([]models.Comment, error)
	ExtractUser(ctx context.Context, screenshotB64, html, username string) (models.Profile, error)
}

type Client struct {
	endpoint            string
	apiKey              string
	textModel           string
	visionModel         string
	fallbackTextModel   string
	fallbackVisionModel string
	temperature         float64
	httpClient          *http.Client
	logger              *slog.Logger
}

type Config struct {
	Endpoint            string
	APIKey              string
	TextModel           string
	VisionModel         string
	FallbackTextModel   string
	FallbackVisionModel string
	Temperature         float64
	Timeout             time.Duration
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		endpoint:            cfg.Endpoint,
		apiKey:              cfg.APIKey,
		textModel:           cfg.TextModel,
		visionModel:         cfg.VisionModel,
		fallbackTextModel:   cfg.FallbackTextModel,
		fallbackVisionModel: cfg.FallbackVisionModel,
		temperature:         cfg.Temperature,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With("component", "oracle"),
	}
}

const profilePrompt = `Analyze this Instagram profile page and extract:

1. Username
2. Bio (full text)
3. Whether the account is private or public
4. Follower count (if visible)
5. Following count (if visible)
6. Post count (if visible)
7. Whether it has a verification badge

Return ONLY a valid JSON object with this structure:
{
  "username": "string",
  "full_name": "string or null",
  "bio": "string or null",
  "is_private": boolean,
  "follower_count": number or null,
  "following_count": number or null,
  "post_count": number or null,
  "verified": boolean
}`

const postsPrompt = `Analyze this Instagram page and extract information for ALL visible posts.

For each post return:
1. Post URL (direct link)
2. Caption
3. Like count
4. Comment count
5. Post date (if visible, as shown on the page)

Return ONLY a valid JSON object with this structure:
{
  "posts": [
    {
      "post_url": "string",
      "caption": "string or null",
      "like_count": number,
      "comment_count": number,
      "posted_at": "string or null"
    }
  ]
}`

const commentsPrompt = `Analyze the comments in this image and extract, for each comment:

1. Username of the commenter
2. Full comment text
3. Like count on the comment
4. Reply count (if any)
5. Profile link of the commenter (if extractable)
6. Relative time shown next to the comment (if visible)

Return ONLY a valid JSON object with this structure:
{
  "comments": [
    {
      "user_username": "string",
      "user_url": "string or null",
      "comment_text": "string",
      "comment_likes": number,
      "comment_replies": number,
      "commented_at_raw": "string or null"
    }
  ]
}`

func (c *Client) ExtractProfile(ctx context.Context, screenshotB64, html string) (models.Profile, error) {
	raw, err := c.complete(ctx, c.visionModel, c.fallbackVisionModel, profilePrompt, screenshotB64, clip(html, maxHTMLContext))
	if err != nil {
		return models.Profile{}, err
	}

	var decoded struct {
		Username       string                `json:"username"`
		FullName       string                `json:"full_name"`
		Bio            string                `json:"bio"`
		IsPrivate      bool                  `json:"is_private"`
		FollowerCount  *normalize.FlexCount  `json:"follower_count"`
		FollowingCount *normalize.FlexCount  `json:"following_count"`
		PostCount      *normalize.FlexCount  `json:"post_count"`
		Verified       bool                  `json:"verified"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return models.Profile{}, fmt.Errorf("decode profile fields: %w", err)
	}

	profile := models.Profile{
		Username:  strings.TrimSpace(decoded.Username),
		FullName:  strings.TrimSpace(decoded.FullName),
		Bio:       decoded.Bio,
		IsPrivate: decoded.IsPrivate,
		Verified:  decoded.Verified,
	}
	if profile.Username != "" {
		profile.ProfileURL = normalize.CanonicalProfileURL(profile.Username)
	}
	profile.FollowerCount = flexPtr(decoded.FollowerCount)
	profile.FollowingCount = flexPtr(decoded.FollowingCount)
	profile.PostCount = flexPtr(decoded.PostCount)

	return profile, nil
}

func (c *Client) ExtractPosts(ctx context.Context, screenshotB64, html string) ([]models.Post, error) {
	raw, err := c.complete(ctx, c.visionModel, c.fallbackVisionModel, postsPrompt, screenshotB64, clip(html, maxHTMLContext))
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Posts []struct {
			PostURL      string              `json:"post_url"`
			Caption      string              `json:"caption"`
			LikeCount    normalize.FlexCount `json:"like_count"`
			CommentCount normalize.FlexCount `json:"comment_count"`
			PostedAt     string              `json:"posted_at"`
		} `json:"posts"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode post fields: %w", err)
	}

	posts := make([]models.Post, 0, len(decoded.Posts))
	for _, p := range decoded.Posts {
		if p.PostURL == "" {
			continue
		}
		posts = append(posts, models.Post{
			PostURL:      p.PostURL,
			Caption:      p.Caption,
			LikeCount:    p.LikeCount.Int64(),
			CommentCount: p.CommentCount.Int64(),
			PostedAtRaw:  p.PostedAt,
		})
	}

	return posts, nil
}

func (c *Client) ExtractComments(ctx context.Context, screenshotB64 string) ([]models.Comment, error) {
	raw, err := c.complete(ctx, c.visionModel, c.fallbackVisionModel, commentsPrompt, screenshotB64, "")
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Comments []struct {
			Username  string              `json:"user_username"`
			UserURL   string              `json:"user_url"`
			Text      string              `json:"comment_text"`
			Likes     normalize.FlexCount `json:"comment_likes"`
			Replies   normalize.FlexCount `json:"comment_replies"`
			PostedRaw string              `json:"commented_at_raw"`
		} `json:"comments"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode comment fields: %w", err)
	}

	comments := make([]models.Comment, 0, len(decoded.Comments))
	for _, cm := range decoded.Comments {
		if cm.Username == "" {
			continue
		}
		comments = append(comments, models.Comment{
			Username:  cm.Username,
			UserURL:   cm.UserURL,
			Text:      cm.Text,
			Likes:     cm.Likes.Int64(),
			Replies:   cm.Replies.Int64(),
			PostedRaw: cm.PostedRaw,
		})
	}

	return comments, nil
}

func (c *Client) ExtractUser(ctx context.Context, screenshotB64, html, username string) (models.Profile, error) {
	prompt := fmt.Sprintf(`Analyze the Instagram profile of user '%s' and extract:

1. Bio (full text)
2. Whether the account is private or public
3. Follower count (if visible)
4. Whether it has a verification badge

Return ONLY a valid JSON object:
{
  "bio": "string or null",
  "is_private": boolean,
  "follower_count": number or null,
  "verified": boolean
}`, username)

	raw, err := c.complete(ctx, c.visionModel, c.fallbackVisionModel, prompt, screenshotB64, clip(html, maxUserHTMLContext))
	if err != nil {
		return models.Profile{}, err
	}

	var decoded struct {
		Bio           string               `json:"bio"`
		IsPrivate     bool                 `json:"is_private"`
		FollowerCount *normalize.FlexCount `json:"follower_count"`
		Verified      bool                 `json:"verified"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return models.Profile{}, fmt.Errorf("decode user fields: %w", err)
	}

	return models.Profile{
		Username:      username,
		ProfileURL:    normalize.CanonicalProfileURL(username),
		Bio:           decoded.Bio,
		IsPrivate:     decoded.IsPrivate,
		Verified:      decoded.Verified,
		FollowerCount: flexPtr(decoded.FollowerCount),
	}, nil
}

func flexPtr(c *normalize.FlexCount) *int64 {
	if c == nil {
		return nil
	}
	v := c.Int64()
	return &v
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
