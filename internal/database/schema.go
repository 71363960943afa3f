package database

import (
	"context"
	"fmt"
)

// Bootstrap creates tables and indexes if absent and upgrades legacy
// interactions tables that predate the post_url column. Safe to run on
// every startup.
func (db *DB) Bootstrap(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id UUID PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			full_name VARCHAR(255),
			profile_url VARCHAR(500) NOT NULL,
			bio TEXT,
			is_private BOOLEAN NOT NULL DEFAULT FALSE,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			follower_count BIGINT,
			following_count BIGINT,
			post_count BIGINT,
			last_scraped_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_profiles_username_lower
			ON profiles (LOWER(username))`,
		`CREATE INDEX IF NOT EXISTS ix_profiles_profile_url
			ON profiles (profile_url)`,

		`CREATE TABLE IF NOT EXISTS posts (
			id UUID PRIMARY KEY,
			profile_id UUID NOT NULL REFERENCES profiles(id),
			post_url VARCHAR(500) NOT NULL,
			caption TEXT,
			like_count BIGINT NOT NULL DEFAULT 0,
			comment_count BIGINT NOT NULL DEFAULT 0,
			posted_at TIMESTAMPTZ,
			posted_at_raw VARCHAR(100),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_posts_post_url
			ON posts (post_url)`,
		`CREATE INDEX IF NOT EXISTS ix_posts_profile_id
			ON posts (profile_id)`,

		`CREATE TABLE IF NOT EXISTS interactions (
			id UUID PRIMARY KEY,
			post_id UUID NOT NULL REFERENCES posts(id),
			profile_id UUID NOT NULL REFERENCES profiles(id),
			post_url VARCHAR(500) NOT NULL DEFAULT '',
			user_username VARCHAR(255) NOT NULL,
			user_url VARCHAR(500) NOT NULL,
			kind VARCHAR(20) NOT NULL,
			comment_text TEXT,
			comment_likes BIGINT NOT NULL DEFAULT 0,
			comment_replies BIGINT NOT NULL DEFAULT 0,
			commented_at_raw VARCHAR(100),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		// Legacy tables predate post_url; the triple falls back to
		// (post_id, user_url, kind) for those rows.
		`ALTER TABLE interactions ADD COLUMN IF NOT EXISTS post_url VARCHAR(500) NOT NULL DEFAULT ''`,
		`CREATE INDEX IF NOT EXISTS ix_interactions_post_url
			ON interactions (post_url)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_interactions_post_url_user_url_kind
			ON interactions (post_url, user_url, kind) WHERE post_url <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_interactions_post_id_user_url_kind
			ON interactions (post_id, user_url, kind) WHERE post_url = ''`,

		`CREATE TABLE IF NOT EXISTS scrape_jobs (
			id UUID PRIMARY KEY,
			profile_url VARCHAR(500) NOT NULL,
			flow VARCHAR(50) NOT NULL DEFAULT 'default',
			status VARCHAR(50) NOT NULL DEFAULT 'pending',
			error_message TEXT,
			posts_scraped INT NOT NULL DEFAULT 0,
			interactions_scraped INT NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS ix_scrape_jobs_status_created
			ON scrape_jobs (status, created_at)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			username VARCHAR(255) NOT NULL DEFAULT '',
			storage_state JSONB NOT NULL,
			reconnect_url VARCHAR(1000),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS ix_sessions_active
			ON sessions (username, is_active, updated_at)`,

		`CREATE TABLE IF NOT EXISTS outbox_events (
			id UUID PRIMARY KEY,
			aggregate_type VARCHAR(100) NOT NULL,
			aggregate_id VARCHAR(255) NOT NULL,
			event_type VARCHAR(100) NOT NULL,
			payload JSONB NOT NULL,
			target_stream VARCHAR(255) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			retry_count INT NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			next_retry_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS ix_outbox_events_status_retry
			ON outbox_events (status, next_retry_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}

	return nil
}
