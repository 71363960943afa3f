package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lucasdmn/instagram-scraper/internal/models"
	"github.com/lucasdmn/instagram-scraper/internal/normalize"
)

// InteractionRow is a stored like or comment.
type InteractionRow struct {
	ID             string
	PostID         string
	ProfileID      string
	PostURL        string
	Username       string
	UserURL        string
	Kind           string
	CommentText    *string
	CommentLikes   int64
	CommentReplies int64
	CommentedAtRaw *string
	CreatedAt      time.Time
}

// UpsertInteractions writes interactions keyed by (post_url, user_url,
// kind). Rows persisted before the post_url column existed are keyed by
// (post_id, user_url, kind) instead; both shapes are checked so re-runs
// never duplicate an interaction. Returns the number of new rows.
func (db *DB) UpsertInteractions(ctx context.Context, profileID string, postIDByURL map[string]string, interactions []models.Interaction) (int, error) {
	inserted := 0

	for _, in := range interactions {
		postURL := normalize.CanonicalURL(in.PostURL)
		userURL := normalize.CanonicalURL(in.UserURL)
		if userURL == "" && in.Username != "" {
			userURL = normalize.CanonicalProfileURL(in.Username)
		}
		if postURL == "" || userURL == "" || in.Kind == "" {
			continue
		}

		postID, ok := postIDByURL[postURL]
		if !ok {
			var err error
			postID, err = db.GetPostIDByURL(ctx, postURL)
			if err != nil {
				return inserted, err
			}
			if postID == "" {
				continue
			}
			postIDByURL[postURL] = postID
		}

		var legacy bool
		err := db.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM interactions
				WHERE post_url = '' AND post_id = $1 AND user_url = $2 AND kind = $3
			)`,
			postID, userURL, in.Kind,
		).Scan(&legacy)
		if err != nil {
			return inserted, fmt.Errorf("check legacy interaction: %w", err)
		}
		if legacy {
			continue
		}

		tag, err := db.Exec(ctx, `
			INSERT INTO interactions (
				id, post_id, profile_id, post_url, user_username, user_url, kind,
				comment_text, comment_likes, comment_replies, commented_at_raw
			) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, NULLIF($11, ''))
			ON CONFLICT DO NOTHING`,
			uuid.New().String(), postID, profileID, postURL, in.Username, userURL,
			in.Kind, in.CommentText, in.CommentLikes, in.CommentReplies, in.CommentedAtRaw,
		)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return inserted, fmt.Errorf("insert interaction: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	return inserted, nil
}

// ListInteractionsByPost returns all stored interactions for a post.
func (db *DB) ListInteractionsByPost(ctx context.Context, postID string) ([]InteractionRow, error) {
	rows, err := db.Query(ctx, `
		SELECT id, post_id, profile_id, post_url, user_username, user_url, kind,
		       comment_text, comment_likes, comment_replies, commented_at_raw, created_at
		FROM interactions
		WHERE post_id = $1
		ORDER BY created_at`,
		postID,
	)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var out []InteractionRow
	for rows.Next() {
		var in InteractionRow
		if err := rows.Scan(
			&in.ID, &in.PostID, &in.ProfileID, &in.PostURL, &in.Username,
			&in.UserURL, &in.Kind, &in.CommentText, &in.CommentLikes,
			&in.CommentReplies, &in.CommentedAtRaw, &in.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
