package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lucasdmn/instagram-scraper/internal/models"
	"github.com/lucasdmn/instagram-scraper/internal/normalize"
)

// PostRow is a stored post.
type PostRow struct {
	ID           string
	ProfileID    string
	PostURL      string
	Caption      *string
	LikeCount    int64
	CommentCount int64
	PostedAt     *time.Time
	PostedAtRaw  *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UpsertPosts writes posts keyed by canonical URL and returns post IDs
// indexed by that URL. Re-runs update counts in place instead of
// duplicating rows.
func (db *DB) UpsertPosts(ctx context.Context, profileID string, posts []models.Post) (map[string]string, error) {
	ids := make(map[string]string, len(posts))

	for _, p := range posts {
		postURL := normalize.CanonicalURL(p.PostURL)
		if postURL == "" {
			continue
		}
		if _, seen := ids[postURL]; seen {
			continue
		}

		var id string
		err := db.QueryRow(ctx, `
			INSERT INTO posts (
				id, profile_id, post_url, caption, like_count, comment_count,
				posted_at, posted_at_raw
			) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''))
			ON CONFLICT (post_url) DO UPDATE SET
				caption = COALESCE(EXCLUDED.caption, posts.caption),
				like_count = EXCLUDED.like_count,
				comment_count = EXCLUDED.comment_count,
				posted_at = COALESCE(EXCLUDED.posted_at, posts.posted_at),
				posted_at_raw = COALESCE(EXCLUDED.posted_at_raw, posts.posted_at_raw),
				updated_at = NOW()
			RETURNING id`,
			uuid.New().String(), profileID, postURL, p.Caption,
			p.LikeCount, p.CommentCount, p.PostedAt, p.PostedAtRaw,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("upsert post %s: %w", postURL, err)
		}
		ids[postURL] = id
	}

	return ids, nil
}

// GetPostIDByURL returns the stored post ID for a canonical URL, or ""
// when the post is unknown.
func (db *DB) GetPostIDByURL(ctx context.Context, postURL string) (string, error) {
	var id string
	err := db.QueryRow(ctx,
		`SELECT id FROM posts WHERE post_url = $1`,
		normalize.CanonicalURL(postURL),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup post: %w", err)
	}
	return id, nil
}

// ListPostsByProfile returns all stored posts for a profile, newest first.
func (db *DB) ListPostsByProfile(ctx context.Context, profileID string) ([]PostRow, error) {
	rows, err := db.Query(ctx, `
		SELECT id, profile_id, post_url, caption, like_count, comment_count,
		       posted_at, posted_at_raw, created_at, updated_at
		FROM posts
		WHERE profile_id = $1
		ORDER BY posted_at DESC NULLS LAST, created_at DESC`,
		profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var out []PostRow
	for rows.Next() {
		var p PostRow
		if err := rows.Scan(
			&p.ID, &p.ProfileID, &p.PostURL, &p.Caption, &p.LikeCount,
			&p.CommentCount, &p.PostedAt, &p.PostedAtRaw, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
