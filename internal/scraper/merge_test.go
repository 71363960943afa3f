package scraper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasdmn/instagram-scraper/internal/models"
)

func int64Ptr(v int64) *int64 { return &v }

func TestMergeProfiles(t *testing.T) {
	t.Run("Primary values win", func(t *testing.T) {
		primary := models.Profile{
			Username:      "someuser",
			Bio:           "primary bio",
			FollowerCount: int64Ptr(100),
		}
		fallback := models.Profile{
			Username:      "otheruser",
			Bio:           "fallback bio",
			FollowerCount: int64Ptr(999),
		}

		merged := MergeProfiles(primary, fallback)

		assert.Equal(t, "someuser", merged.Username)
		assert.Equal(t, "primary bio", merged.Bio)
		require.NotNil(t, merged.FollowerCount)
		assert.Equal(t, int64(100), *merged.FollowerCount)
	})

	t.Run("Fallback fills holes", func(t *testing.T) {
		primary := models.Profile{Username: "someuser"}
		fallback := models.Profile{
			Username:       "someuser",
			FullName:       "Some User",
			ProfileURL:     "https://www.instagram.com/someuser",
			Bio:            "about me",
			FollowerCount:  int64Ptr(100),
			FollowingCount: int64Ptr(50),
			PostCount:      int64Ptr(12),
			Verified:       true,
		}

		merged := MergeProfiles(primary, fallback)

		assert.Equal(t, "Some User", merged.FullName)
		assert.Equal(t, "https://www.instagram.com/someuser", merged.ProfileURL)
		assert.Equal(t, "about me", merged.Bio)
		require.NotNil(t, merged.FollowerCount)
		assert.Equal(t, int64(100), *merged.FollowerCount)
		require.NotNil(t, merged.FollowingCount)
		assert.Equal(t, int64(50), *merged.FollowingCount)
		require.NotNil(t, merged.PostCount)
		assert.Equal(t, int64(12), *merged.PostCount)
		assert.True(t, merged.Verified)
	})

	t.Run("Empty fallback changes nothing", func(t *testing.T) {
		primary := models.Profile{Username: "someuser", FollowerCount: int64Ptr(5)}

		merged := MergeProfiles(primary, models.Profile{})

		assert.Equal(t, primary, merged)
	})
}

func TestMergePosts(t *testing.T) {
	postedAt := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	t.Run("Deduplicates by canonical URL", func(t *testing.T) {
		primary := []models.Post{
			{PostURL: "https://www.instagram.com/p/ABC/", LikeCount: 10},
		}
		fallback := []models.Post{
			{PostURL: "https://www.instagram.com/p/ABC?igsh=xyz", LikeCount: 99},
		}

		merged := MergePosts(primary, fallback, 0)

		require.Len(t, merged, 1)
		assert.Equal(t, "https://www.instagram.com/p/ABC", merged[0].PostURL)
		assert.Equal(t, int64(10), merged[0].LikeCount)
	})

	t.Run("Fallback fills holes in matched posts", func(t *testing.T) {
		primary := []models.Post{
			{PostURL: "https://www.instagram.com/p/ABC", Caption: "kept"},
		}
		fallback := []models.Post{
			{
				PostURL:      "https://www.instagram.com/p/ABC",
				Caption:      "ignored",
				LikeCount:    42,
				CommentCount: 7,
				PostedAt:     &postedAt,
				PostedAtRaw:  "2 days ago",
			},
		}

		merged := MergePosts(primary, fallback, 0)

		require.Len(t, merged, 1)
		assert.Equal(t, "kept", merged[0].Caption)
		assert.Equal(t, int64(42), merged[0].LikeCount)
		assert.Equal(t, int64(7), merged[0].CommentCount)
		require.NotNil(t, merged[0].PostedAt)
		assert.Equal(t, postedAt, *merged[0].PostedAt)
		assert.Equal(t, "2 days ago", merged[0].PostedAtRaw)
	})

	t.Run("Fallback-only posts append after primary", func(t *testing.T) {
		primary := []models.Post{
			{PostURL: "https://www.instagram.com/p/A"},
			{PostURL: "https://www.instagram.com/p/B"},
		}
		fallback := []models.Post{
			{PostURL: "https://www.instagram.com/p/C"},
			{PostURL: "https://www.instagram.com/p/A"},
		}

		merged := MergePosts(primary, fallback, 0)

		require.Len(t, merged, 3)
		assert.Equal(t, "https://www.instagram.com/p/A", merged[0].PostURL)
		assert.Equal(t, "https://www.instagram.com/p/B", merged[1].PostURL)
		assert.Equal(t, "https://www.instagram.com/p/C", merged[2].PostURL)
	})

	t.Run("Truncates to max posts keeping primary first", func(t *testing.T) {
		primary := []models.Post{
			{PostURL: "https://www.instagram.com/p/A"},
			{PostURL: "https://www.instagram.com/p/B"},
		}
		fallback := []models.Post{
			{PostURL: "https://www.instagram.com/p/C"},
		}

		merged := MergePosts(primary, fallback, 2)

		require.Len(t, merged, 2)
		assert.Equal(t, "https://www.instagram.com/p/A", merged[0].PostURL)
		assert.Equal(t, "https://www.instagram.com/p/B", merged[1].PostURL)
	})

	t.Run("Posts without URL are dropped", func(t *testing.T) {
		primary := []models.Post{{Caption: "no url"}}
		fallback := []models.Post{{PostURL: "https://www.instagram.com/p/A"}}

		merged := MergePosts(primary, fallback, 0)

		require.Len(t, merged, 1)
		assert.Equal(t, "https://www.instagram.com/p/A", merged[0].PostURL)
	})

	t.Run("Duplicate primary URLs collapse", func(t *testing.T) {
		primary := []models.Post{
			{PostURL: "https://www.instagram.com/p/A/", Caption: "first"},
			{PostURL: "https://www.instagram.com/p/A", Caption: "second"},
		}

		merged := MergePosts(primary, nil, 0)

		require.Len(t, merged, 1)
		assert.Equal(t, "first", merged[0].Caption)
	})
}
