package scraper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasdmn/instagram-scraper/internal/agent"
	"github.com/lucasdmn/instagram-scraper/internal/models"
)

func newTestCollector(runner *fakeRunner, now time.Time) *Collector {
	c := NewCollector(runner, &nopLimiter{}, CollectorOptions{
		WindowDays:      3,
		MaxUsersPerPost: 30,
		MaxRetries:      1,
		RetryBackoff:    time.Millisecond,
	}, testLogger())
	c.now = func() time.Time { return now }
	return c
}

func TestCollectorSkipsStalePosts(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{}
	collector := newTestCollector(runner, now)

	posts := []models.Post{
		{PostURL: "https://www.instagram.com/p/OLD", PostedAtRaw: "4 days ago"},
	}

	enriched, interactions, err := collector.ClassifyAndHarvest(context.Background(), posts, 3, 30, fakeCreds{})

	require.NoError(t, err)
	require.Len(t, enriched, 1)
	assert.False(t, enriched[0].Recent)
	assert.Equal(t, models.PostErrorNotRecent, enriched[0].ErrorCode)
	assert.Empty(t, interactions)
	assert.Equal(t, 0, runner.calls, "stale posts must not trigger a harvest")
}

func TestCollectorUnreadableDateIsNeverRecent(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{}
	collector := newTestCollector(runner, now)

	posts := []models.Post{
		{PostURL: "https://www.instagram.com/p/NODATE"},
		{PostURL: "https://www.instagram.com/p/GARBLED", PostedAtRaw: "sometime"},
	}

	enriched, _, err := collector.ClassifyAndHarvest(context.Background(), posts, 3, 30, fakeCreds{})

	require.NoError(t, err)
	require.Len(t, enriched, 2)
	for _, ep := range enriched {
		assert.False(t, ep.Recent)
		assert.Equal(t, models.PostErrorNotRecent, ep.ErrorCode)
	}
	assert.Equal(t, 0, runner.calls)
}

func TestCollectorShownDateWinsOverResolvedTimestamp(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Hour)
	runner := &fakeRunner{}
	collector := newTestCollector(runner, now)

	// The page said four days, whatever the resolved timestamp claims.
	posts := []models.Post{
		{PostURL: "https://www.instagram.com/p/X", PostedAt: &fresh, PostedAtRaw: "4 days ago"},
	}

	enriched, _, err := collector.ClassifyAndHarvest(context.Background(), posts, 3, 30, fakeCreds{})

	require.NoError(t, err)
	require.Len(t, enriched, 1)
	assert.Equal(t, models.PostErrorNotRecent, enriched[0].ErrorCode)
}

func TestCollectorHarvestsRecentPosts(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{results: []agent.Result{
		{
			FinalResult: `{"post_url": "https://www.instagram.com/p/NEW", "like_users": [
				"https://www.instagram.com/alice/",
				"https://www.instagram.com/alice",
				"https://www.instagram.com/bob/",
				"not-a-profile"
			]}`,
			Succeeded: true,
			Done:      true,
		},
	}}
	collector := newTestCollector(runner, now)

	posts := []models.Post{
		{PostURL: "https://www.instagram.com/p/NEW", PostedAtRaw: "44 minutes ago"},
	}

	enriched, interactions, err := collector.ClassifyAndHarvest(context.Background(), posts, 3, 30, fakeCreds{})

	require.NoError(t, err)
	require.Len(t, enriched, 1)
	assert.True(t, enriched[0].Recent)
	assert.Empty(t, enriched[0].ErrorCode)
	assert.Equal(t, []string{
		"https://www.instagram.com/alice",
		"https://www.instagram.com/bob",
	}, enriched[0].LikeUsers, "duplicate and malformed profile URLs are dropped")

	require.Len(t, interactions, 2)
	assert.Equal(t, "alice", interactions[0].Username)
	assert.Equal(t, models.InteractionLike, interactions[0].Kind)
	assert.Equal(t, "https://www.instagram.com/p/NEW", interactions[0].PostURL)
}

func TestCollectorCapsUsersPerPost(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{results: []agent.Result{
		{
			FinalResult: `{"like_users": [
				"https://www.instagram.com/u1",
				"https://www.instagram.com/u2",
				"https://www.instagram.com/u3"
			]}`,
			Succeeded: true,
			Done:      true,
		},
	}}
	collector := newTestCollector(runner, now)

	posts := []models.Post{
		{PostURL: "https://www.instagram.com/p/NEW", PostedAtRaw: "1 hour ago"},
	}

	enriched, interactions, err := collector.ClassifyAndHarvest(context.Background(), posts, 3, 2, fakeCreds{})

	require.NoError(t, err)
	require.Len(t, enriched, 1)
	assert.Len(t, enriched[0].LikeUsers, 2)
	assert.Len(t, interactions, 2)
}

func TestCollectorRestrictedListIsPerPostVerdict(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{results: []agent.Result{
		{FinalResult: "The likes list is not accessible for this post.", Succeeded: true, Done: true},
		{
			FinalResult: `{"like_users": ["https://www.instagram.com/carol"]}`,
			Succeeded:   true,
			Done:        true,
		},
	}}
	collector := newTestCollector(runner, now)

	posts := []models.Post{
		{PostURL: "https://www.instagram.com/p/HIDDEN", PostedAtRaw: "1 hour ago"},
		{PostURL: "https://www.instagram.com/p/OPEN", PostedAtRaw: "2 hours ago"},
	}

	enriched, interactions, err := collector.ClassifyAndHarvest(context.Background(), posts, 3, 30, fakeCreds{})

	require.NoError(t, err, "restricted lists never fail the run")
	require.Len(t, enriched, 2)
	assert.Equal(t, models.PostErrorLikesNotVisible, enriched[0].ErrorCode)
	assert.Empty(t, enriched[0].LikeUsers)
	assert.Empty(t, enriched[1].ErrorCode)
	assert.Len(t, interactions, 1)
}

func TestCollectorAuthErrorAbortsRun(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{errs: []error{errors.New("login required")}}
	collector := newTestCollector(runner, now)

	posts := []models.Post{
		{PostURL: "https://www.instagram.com/p/A", PostedAtRaw: "1 hour ago"},
		{PostURL: "https://www.instagram.com/p/B", PostedAtRaw: "2 hours ago"},
	}

	_, _, err := collector.ClassifyAndHarvest(context.Background(), posts, 3, 30, fakeCreds{})

	require.Error(t, err)
	assert.Equal(t, 1, runner.calls, "auth failures must stop the whole run")
}

func TestCommentsToInteractions(t *testing.T) {
	comments := []models.Comment{
		{Username: "alice", UserURL: "https://www.instagram.com/alice/", Text: "great shot", Likes: 3, Replies: 1, PostedRaw: "2h"},
		{Username: "bob", Text: "nice"},
		{Text: "anonymous"},
	}

	interactions := CommentsToInteractions("https://www.instagram.com/p/NEW", comments)

	require.Len(t, interactions, 2, "comments without any user reference are dropped")

	assert.Equal(t, "https://www.instagram.com/alice", interactions[0].UserURL)
	assert.Equal(t, models.InteractionComment, interactions[0].Kind)
	assert.Equal(t, "great shot", interactions[0].CommentText)
	assert.Equal(t, int64(3), interactions[0].CommentLikes)
	assert.Equal(t, int64(1), interactions[0].CommentReplies)
	assert.Equal(t, "2h", interactions[0].CommentedAtRaw)

	assert.Equal(t, "https://www.instagram.com/bob", interactions[1].UserURL)
}
