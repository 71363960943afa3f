package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lucasdmn/instagram-scraper/internal/models"
	"github.com/lucasdmn/instagram-scraper/internal/normalize"
)

// ProfileRow is a stored profile.
type ProfileRow struct {
	ID             string
	Username       string
	FullName       *string
	ProfileURL     string
	Bio            *string
	IsPrivate      bool
	Verified       bool
	FollowerCount  *int64
	FollowingCount *int64
	PostCount      *int64
	LastScrapedAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertProfile inserts or updates a profile. Lookup tries the
// case-insensitive username OR the canonical URL before deciding,
// because either key may already exist from a prior partial run.
func (db *DB) UpsertProfile(ctx context.Context, p models.Profile) (string, error) {
	username := p.Username
	profileURL := p.ProfileURL
	if profileURL == "" && username != "" {
		profileURL = normalize.CanonicalProfileURL(username)
	}
	if username == "" {
		username = normalize.UsernameFromURL(profileURL)
	}
	if username == "" {
		return "", fmt.Errorf("profile has no username or url")
	}

	id, err := db.findProfileID(ctx, username, profileURL)
	if err != nil {
		return "", err
	}

	if id == "" {
		id = uuid.New().String()
		_, err := db.Exec(ctx, `
			INSERT INTO profiles (
				id, username, full_name, profile_url, bio, is_private, verified,
				follower_count, following_count, post_count, last_scraped_at
			) VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8, $9, $10, NOW())
			ON CONFLICT DO NOTHING`,
			id, username, p.FullName, profileURL, p.Bio, p.IsPrivate, p.Verified,
			p.FollowerCount, p.FollowingCount, p.PostCount,
		)
		if err != nil && !isUniqueViolation(err) {
			return "", fmt.Errorf("insert profile: %w", err)
		}

		// Concurrent run may have inserted the same profile; fall
		// through to update the existing row either way.
		existing, err := db.findProfileID(ctx, username, profileURL)
		if err != nil {
			return "", err
		}
		if existing == "" || existing == id {
			return id, nil
		}
		id = existing
	}

	_, err = db.Exec(ctx, `
		UPDATE profiles SET
			full_name = COALESCE(NULLIF($2, ''), full_name),
			bio = COALESCE(NULLIF($3, ''), bio),
			is_private = $4,
			verified = $5,
			follower_count = COALESCE($6, follower_count),
			following_count = COALESCE($7, following_count),
			post_count = COALESCE($8, post_count),
			last_scraped_at = NOW(),
			updated_at = NOW()
		WHERE id = $1`,
		id, p.FullName, p.Bio, p.IsPrivate, p.Verified,
		p.FollowerCount, p.FollowingCount, p.PostCount,
	)
	if err != nil {
		return "", fmt.Errorf("update profile: %w", err)
	}

	return id, nil
}

func (db *DB) findProfileID(ctx context.Context, username, profileURL string) (string, error) {
	var id string
	err := db.QueryRow(ctx, `
		SELECT id FROM profiles
		WHERE LOWER(username) = LOWER($1) OR profile_url = $2
		ORDER BY created_at
		LIMIT 1`,
		username, profileURL,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup profile: %w", err)
	}
	return id, nil
}

// GetProfileByUsername returns the stored profile, or nil when absent.
func (db *DB) GetProfileByUsername(ctx context.Context, username string) (*ProfileRow, error) {
	row := &ProfileRow{}
	err := db.QueryRow(ctx, `
		SELECT id, username, full_name, profile_url, bio, is_private, verified,
		       follower_count, following_count, post_count, last_scraped_at,
		       created_at, updated_at
		FROM profiles
		WHERE LOWER(username) = LOWER($1)`,
		username,
	).Scan(
		&row.ID, &row.Username, &row.FullName, &row.ProfileURL, &row.Bio,
		&row.IsPrivate, &row.Verified, &row.FollowerCount, &row.FollowingCount,
		&row.PostCount, &row.LastScrapedAt, &row.CreatedAt, &row.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return row, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
