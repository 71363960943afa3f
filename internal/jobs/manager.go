package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasdmn/instagram-scraper/internal/database"
	"github.com/lucasdmn/instagram-scraper/internal/errclass"
	"github.com/lucasdmn/instagram-scraper/internal/events"
	"github.com/lucasdmn/instagram-scraper/internal/models"
	"github.com/lucasdmn/instagram-scraper/internal/normalize"
	"github.com/lucasdmn/instagram-scraper/internal/scraper"
	"github.com/lucasdmn/instagram-scraper/internal/session"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetJob(ctx context.Context, id string) (*database.Job, error)
	MarkJobRunning(ctx context.Context, id string) (bool, error)
	MarkJobCompleted(ctx context.Context, id string, posts, interactions int, metadata json.RawMessage) error
	MarkJobFailed(ctx context.Context, id, message string) error
	UpsertProfile(ctx context.Context, p models.Profile) (string, error)
	UpsertPosts(ctx context.Context, profileID string, posts []models.Post) (map[string]string, error)
	UpsertInteractions(ctx context.Context, profileID string, postIDByURL map[string]string, interactions []models.Interaction) (int, error)
}

// Sessions hands out and maintains scrape sessions.
type Sessions interface {
	Acquire(ctx context.Context) (*session.Handle, error)
	Invalidate(ctx context.Context, handle *session.Handle)
	Refresh(ctx context.Context, handle *session.Handle) error
}

// Extractor is the tiered extraction pipeline.
type Extractor interface {
	Profile(ctx context.Context, profileURL string, creds scraper.Credentials) (models.Profile, error)
	Posts(ctx context.Context, profileURL string, maxPosts int, creds scraper.Credentials) ([]models.Post, error)
	Comments(ctx context.Context, postURL string, creds scraper.Credentials) ([]models.Comment, error)
}

// Harvester classifies recency and harvests like users.
type Harvester interface {
	ClassifyAndHarvest(ctx context.Context, posts []models.Post, windowDays, maxUsers int, creds scraper.Credentials) ([]models.EnrichedPost, []models.Interaction, error)
}

// EventSink publishes job lifecycle events.
type EventSink interface {
	PublishJobCompleted(ctx context.Context, payload *events.ScrapeJobPayload) error
	PublishJobFailed(ctx context.Context, payload *events.ScrapeJobPayload) error
}

// JobOptions are the per-job overrides carried in job metadata under
// the "options" key. Zero values fall back to configuration.
type JobOptions struct {
	MaxPosts     int `json:"max_posts,omitempty"`
	RecentDays   int `json:"recent_days,omitempty"`
	MaxLikeUsers int `json:"max_like_users_per_post,omitempty"`
}

type jobMetadata struct {
	Options JobOptions      `json:"options,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Manager executes scrape jobs. State only moves forward: pending to
// running, running to completed or failed; a terminal job is never
// executed again.
type Manager struct {
	store     Store
	sessions  Sessions
	extractor Extractor
	harvester Harvester
	sink      EventSink
	logger    *slog.Logger

	now func() time.Time
}

func NewManager(store Store, sessions Sessions, extractor Extractor, harvester Harvester, sink EventSink, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		sessions:  sessions,
		extractor: extractor,
		harvester: harvester,
		sink:      sink,
		logger:    logger.With("component", "job_manager"),
		now:       time.Now,
	}
}

// Execute claims a pending job and runs it to a terminal state. A job
// that is already terminal or claimed elsewhere is left alone. The
// returned error reports orchestration problems only; a scrape failure
// lands in the job row instead.
func (m *Manager) Execute(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if job.Terminal() {
		m.logger.Warn("job already terminal, not executing",
			"job_id", job.ID, "status", job.Status)
		return nil
	}

	claimed, err := m.store.MarkJobRunning(ctx, job.ID)
	if err != nil {
		return err
	}
	if !claimed {
		m.logger.Info("job claimed elsewhere, skipping", "job_id", job.ID)
		return nil
	}
	job.Status = database.JobStatusRunning

	return m.ExecuteClaimed(ctx, job)
}

// ExecuteClaimed runs a job that is already marked running.
func (m *Manager) ExecuteClaimed(ctx context.Context, job *database.Job) error {
	logger := m.logger.With("job_id", job.ID, "flow", job.Flow, "profile_url", job.ProfileURL)
	logger.Info("executing scrape job")

	result, err := m.run(ctx, job, logger)
	if err != nil {
		message := err.Error()
		logger.Error("scrape job failed", "error", message)
		if markErr := m.store.MarkJobFailed(ctx, job.ID, message); markErr != nil {
			return markErr
		}
		m.publish(ctx, job, 0, 0, message)
		return nil
	}

	metadata, err := json.Marshal(jobMetadata{Options: result.options, Result: result.document})
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	if err := m.store.MarkJobCompleted(ctx, job.ID, result.posts, result.interactions, metadata); err != nil {
		return err
	}

	logger.Info("scrape job completed",
		"posts", result.posts, "interactions", result.interactions)
	m.publish(ctx, job, result.posts, result.interactions, "")
	return nil
}

type runResult struct {
	posts        int
	interactions int
	options      JobOptions
	document     json.RawMessage
}

func (m *Manager) run(ctx context.Context, job *database.Job, logger *slog.Logger) (runResult, error) {
	opts := parseOptions(job.Metadata)

	handle, err := m.sessions.Acquire(ctx)
	if err != nil {
		return runResult{options: opts}, fmt.Errorf("acquire session: %w", err)
	}

	var result runResult
	switch job.Flow {
	case database.FlowRecentLikes:
		result, err = m.runRecentLikes(ctx, job, opts, handle, logger)
	default:
		result, err = m.runDefault(ctx, job, opts, handle, logger)
	}
	result.options = opts

	if err != nil {
		if errors.Is(err, errclass.ErrAuth) {
			logger.Warn("session rejected mid-run, invalidating it")
			m.sessions.Invalidate(ctx, handle)
		}
		return result, err
	}

	// Keep the stored credential bundle current for the next run.
	if refreshErr := m.sessions.Refresh(ctx, handle); refreshErr != nil {
		logger.Warn("failed to re-export session state", "error", refreshErr)
	}

	return result, nil
}

// runDefault scrapes the profile header, its recent posts and the
// visible comments of each post.
func (m *Manager) runDefault(ctx context.Context, job *database.Job, opts JobOptions, handle *session.Handle, logger *slog.Logger) (runResult, error) {
	profile, err := m.extractor.Profile(ctx, job.ProfileURL, handle)
	if err != nil {
		return runResult{}, fmt.Errorf("extract profile: %w", err)
	}

	posts, err := m.extractor.Posts(ctx, job.ProfileURL, opts.MaxPosts, handle)
	if err != nil {
		return runResult{}, fmt.Errorf("extract posts: %w", err)
	}

	var interactions []models.Interaction
	for _, post := range posts {
		comments, err := m.extractor.Comments(ctx, post.PostURL, handle)
		if err != nil {
			if errors.Is(err, errclass.ErrAuth) {
				return runResult{}, fmt.Errorf("extract comments: %w", err)
			}
			logger.Warn("comment harvest failed for post",
				"post_url", post.PostURL, "error", err)
			continue
		}
		interactions = append(interactions, scraper.CommentsToInteractions(post.PostURL, comments)...)
	}

	profileID, _, inserted, err := m.persist(ctx, profile, posts, interactions)
	if err != nil {
		return runResult{}, err
	}

	document, err := json.Marshal(map[string]any{
		"status":  "success",
		"profile": profile,
		"posts":   posts,
		"summary": map[string]any{
			"profile_id":         profileID,
			"total_posts":        len(posts),
			"total_interactions": inserted,
			"scraped_at":         m.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return runResult{}, fmt.Errorf("marshal result: %w", err)
	}

	return runResult{posts: len(posts), interactions: inserted, document: document}, nil
}

// runRecentLikes scrapes posts only, gates them on the recency window
// and harvests the accounts that liked the recent ones.
func (m *Manager) runRecentLikes(ctx context.Context, job *database.Job, opts JobOptions, handle *session.Handle, logger *slog.Logger) (runResult, error) {
	posts, err := m.extractor.Posts(ctx, job.ProfileURL, opts.MaxPosts, handle)
	if err != nil {
		return runResult{}, fmt.Errorf("extract posts: %w", err)
	}

	enriched, interactions, err := m.harvester.ClassifyAndHarvest(ctx, posts, opts.RecentDays, opts.MaxLikeUsers, handle)
	if err != nil {
		return runResult{}, fmt.Errorf("harvest likes: %w", err)
	}

	profile := models.Profile{
		Username:   normalize.UsernameFromURL(job.ProfileURL),
		ProfileURL: normalize.CanonicalURL(job.ProfileURL),
	}
	profileID, _, inserted, err := m.persist(ctx, profile, posts, interactions)
	if err != nil {
		return runResult{}, err
	}

	recent := 0
	for _, ep := range enriched {
		if ep.Recent {
			recent++
		}
	}

	document, err := json.Marshal(map[string]any{
		"status": "success",
		"flow":   database.FlowRecentLikes,
		"posts":  enriched,
		"summary": map[string]any{
			"profile_id":       profileID,
			"total_posts":      len(enriched),
			"total_recent":     recent,
			"total_like_users": inserted,
			"scraped_at":       m.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return runResult{}, fmt.Errorf("marshal result: %w", err)
	}

	return runResult{posts: len(posts), interactions: inserted, document: document}, nil
}

func (m *Manager) persist(ctx context.Context, profile models.Profile, posts []models.Post, interactions []models.Interaction) (profileID string, postIDs map[string]string, inserted int, err error) {
	profileID, err = m.store.UpsertProfile(ctx, profile)
	if err != nil {
		return "", nil, 0, fmt.Errorf("persist profile: %w", err)
	}
	postIDs, err = m.store.UpsertPosts(ctx, profileID, posts)
	if err != nil {
		return "", nil, 0, fmt.Errorf("persist posts: %w", err)
	}
	inserted, err = m.store.UpsertInteractions(ctx, profileID, postIDs, interactions)
	if err != nil {
		return "", nil, 0, fmt.Errorf("persist interactions: %w", err)
	}
	return profileID, postIDs, inserted, nil
}

func (m *Manager) publish(ctx context.Context, job *database.Job, posts, interactions int, errMessage string) {
	payload := &events.ScrapeJobPayload{
		JobID:               job.ID,
		ProfileURL:          job.ProfileURL,
		Username:            normalize.UsernameFromURL(job.ProfileURL),
		Flow:                job.Flow,
		PostsScraped:        posts,
		InteractionsScraped: interactions,
		Error:               errMessage,
	}

	var err error
	if errMessage == "" {
		err = m.sink.PublishJobCompleted(ctx, payload)
	} else {
		err = m.sink.PublishJobFailed(ctx, payload)
	}
	if err != nil {
		m.logger.Error("failed to publish job event", "job_id", job.ID, "error", err)
	}
}

func parseOptions(metadata json.RawMessage) JobOptions {
	if len(metadata) == 0 {
		return JobOptions{}
	}
	var meta jobMetadata
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return JobOptions{}
	}
	return meta.Options
}
