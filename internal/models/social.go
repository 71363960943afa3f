package models

import "time"

// Interaction kinds.
const (
	InteractionLike    = "like"
	InteractionComment = "comment"
)

// Per-post error codes attached during recency classification and
// engagement harvesting.
const (
	PostErrorNotRecent       = "not_recent"
	PostErrorLikesNotVisible = "likes_list_unavailable"
)

// Profile is a scraped Instagram profile. Username is the natural key,
// matched case-insensitively.
type Profile struct {
	Username       string     `json:"username"`
	FullName       string     `json:"full_name,omitempty"`
	ProfileURL     string     `json:"profile_url"`
	Bio            string     `json:"bio,omitempty"`
	IsPrivate      bool       `json:"is_private"`
	Verified       bool       `json:"verified"`
	FollowerCount  *int64     `json:"follower_count,omitempty"`
	FollowingCount *int64     `json:"following_count,omitempty"`
	PostCount      *int64     `json:"post_count,omitempty"`
	LastScrapedAt  *time.Time `json:"last_scraped_at,omitempty"`
}

// Empty reports whether extraction produced no usable profile fields.
func (p Profile) Empty() bool {
	return p.Username == "" && p.Bio == "" && p.FollowerCount == nil &&
		p.FollowingCount == nil && p.PostCount == nil
}

// Post is a scraped post. PostURL is the natural key.
type Post struct {
	PostURL      string     `json:"post_url"`
	Caption      string     `json:"caption,omitempty"`
	LikeCount    int64      `json:"like_count"`
	CommentCount int64      `json:"comment_count"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`
	PostedAtRaw  string     `json:"posted_at_raw,omitempty"`
}

// Comment is one comment harvested from a post page.
type Comment struct {
	Username  string `json:"user_username"`
	UserURL   string `json:"user_url,omitempty"`
	Text      string `json:"comment_text"`
	Likes     int64  `json:"comment_likes"`
	Replies   int64  `json:"comment_replies"`
	PostedRaw string `json:"commented_at_raw,omitempty"`
}

// Interaction is one like or comment, keyed by
// (post URL, user URL, kind).
type Interaction struct {
	PostURL        string `json:"post_url"`
	Username       string `json:"user_username"`
	UserURL        string `json:"user_url"`
	Kind           string `json:"type"`
	CommentText    string `json:"comment_text,omitempty"`
	CommentLikes   int64  `json:"comment_likes,omitempty"`
	CommentReplies int64  `json:"comment_replies,omitempty"`
	CommentedAtRaw string `json:"commented_at_raw,omitempty"`
}

// EnrichedPost is a post after recency classification and, when recent
// and accessible, like harvesting.
type EnrichedPost struct {
	Post
	Recent    bool     `json:"recent"`
	ErrorCode string   `json:"error,omitempty"`
	LikeUsers []string `json:"like_users,omitempty"`
}
