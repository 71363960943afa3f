package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lucasdmn/instagram-scraper/internal/database"
	"github.com/lucasdmn/instagram-scraper/internal/jobs"
	"github.com/lucasdmn/instagram-scraper/internal/normalize"
)

// HealthProber reports whether the render service is reachable.
type HealthProber interface {
	Health(ctx context.Context) bool
}

type Handlers struct {
	db     *database.DB
	prober HealthProber
	logger *slog.Logger
}

func NewHandlers(db *database.DB, prober HealthProber, logger *slog.Logger) *Handlers {
	return &Handlers{
		db:     db,
		prober: prober,
		logger: logger.With("component", "api"),
	}
}

// CreateScrapeRequest submits a profile for scraping. ProfileURL also
// accepts a bare username.
type CreateScrapeRequest struct {
	ProfileURL   string `json:"profile_url"`
	Flow         string `json:"flow,omitempty"`
	MaxPosts     int    `json:"max_posts,omitempty"`
	RecentDays   int    `json:"recent_days,omitempty"`
	MaxLikeUsers int    `json:"max_like_users_per_post,omitempty"`
}

type CreateScrapeResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CreateScrape handles POST /api/v1/scrape.
func (h *Handlers) CreateScrape(w http.ResponseWriter, r *http.Request) {
	var req CreateScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	profileURL := resolveProfileURL(req.ProfileURL)
	if profileURL == "" {
		h.respondError(w, http.StatusBadRequest, "profile_url is required")
		return
	}

	switch req.Flow {
	case "", database.FlowDefault, database.FlowRecentLikes:
	default:
		h.respondError(w, http.StatusBadRequest, "unknown flow: "+req.Flow)
		return
	}

	metadata, err := json.Marshal(map[string]any{
		"options": jobs.JobOptions{
			MaxPosts:     req.MaxPosts,
			RecentDays:   req.RecentDays,
			MaxLikeUsers: req.MaxLikeUsers,
		},
	})
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	job, err := h.db.CreateJob(r.Context(), profileURL, req.Flow, metadata)
	if err != nil {
		h.logger.Error("failed to create job", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateScrapeResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "Scraping job created",
	})
}

// JobResponse is the status snapshot of a job.
type JobResponse struct {
	JobID               string     `json:"job_id"`
	ProfileURL          string     `json:"profile_url"`
	Flow                string     `json:"flow"`
	Status              string     `json:"status"`
	Error               string     `json:"error,omitempty"`
	PostsScraped        int        `json:"posts_scraped"`
	InteractionsScraped int        `json:"interactions_scraped"`
	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// GetScrape handles GET /api/v1/scrape/{jobID}.
func (h *Handlers) GetScrape(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, jobResponse(job))
}

// GetScrapeResults handles GET /api/v1/scrape/{jobID}/results. The full
// result document only exists once the job completed.
func (h *Handlers) GetScrapeResults(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	switch job.Status {
	case database.JobStatusCompleted:
		var meta struct {
			Result json.RawMessage `json:"result"`
		}
		if len(job.Metadata) > 0 {
			if err := json.Unmarshal(job.Metadata, &meta); err != nil {
				h.logger.Error("unreadable job metadata", "job_id", job.ID, "error", err)
			}
		}
		h.respondJSON(w, http.StatusOK, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
			"result": meta.Result,
		})
	case database.JobStatusFailed:
		h.respondJSON(w, http.StatusOK, jobResponse(job))
	default:
		h.respondJSON(w, http.StatusAccepted, jobResponse(job))
	}
}

// ProfileResponse is a stored profile with its posts and interactions.
type ProfileResponse struct {
	Profile      database.ProfileRow           `json:"profile"`
	Posts        []database.PostRow            `json:"posts"`
	Interactions map[string][]InteractionEntry `json:"interactions"`
}

type InteractionEntry struct {
	Username       string  `json:"user_username"`
	UserURL        string  `json:"user_url"`
	Kind           string  `json:"type"`
	CommentText    *string `json:"comment_text,omitempty"`
	CommentLikes   int64   `json:"comment_likes,omitempty"`
	CommentReplies int64   `json:"comment_replies,omitempty"`
}

// GetProfile handles GET /api/v1/profiles/{username}.
func (h *Handlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if username == "" {
		h.respondError(w, http.StatusBadRequest, "username is required")
		return
	}

	profile, err := h.db.GetProfileByUsername(r.Context(), username)
	if err != nil {
		h.logger.Error("failed to load profile", "username", username, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	if profile == nil {
		h.respondError(w, http.StatusNotFound, "profile not found")
		return
	}

	posts, err := h.db.ListPostsByProfile(r.Context(), profile.ID)
	if err != nil {
		h.logger.Error("failed to load posts", "username", username, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load posts")
		return
	}

	interactions := make(map[string][]InteractionEntry, len(posts))
	for _, post := range posts {
		rows, err := h.db.ListInteractionsByPost(r.Context(), post.ID)
		if err != nil {
			h.logger.Error("failed to load interactions", "post_id", post.ID, "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to load interactions")
			return
		}
		entries := make([]InteractionEntry, 0, len(rows))
		for _, row := range rows {
			entries = append(entries, InteractionEntry{
				Username:       row.Username,
				UserURL:        row.UserURL,
				Kind:           row.Kind,
				CommentText:    row.CommentText,
				CommentLikes:   row.CommentLikes,
				CommentReplies: row.CommentReplies,
			})
		}
		interactions[post.PostURL] = entries
	}

	h.respondJSON(w, http.StatusOK, ProfileResponse{
		Profile:      *profile,
		Posts:        posts,
		Interactions: interactions,
	})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "up"
	if err := h.db.Ping(ctx); err != nil {
		dbStatus = "down"
	}
	browserStatus := "up"
	if h.prober == nil || !h.prober.Health(ctx) {
		browserStatus = "down"
	}

	status := http.StatusOK
	overall := "ok"
	if dbStatus == "down" {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	h.respondJSON(w, status, map[string]string{
		"status":   overall,
		"database": dbStatus,
		"browser":  browserStatus,
	})
}

func (h *Handlers) loadJob(w http.ResponseWriter, r *http.Request) (*database.Job, bool) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		h.respondError(w, http.StatusBadRequest, "job ID is required")
		return nil, false
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		h.logger.Error("failed to load job", "job_id", jobID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load job")
		return nil, false
	}
	if job == nil {
		h.respondError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

func jobResponse(job *database.Job) JobResponse {
	resp := JobResponse{
		JobID:               job.ID,
		ProfileURL:          job.ProfileURL,
		Flow:                job.Flow,
		Status:              job.Status,
		PostsScraped:        job.PostsScraped,
		InteractionsScraped: job.InteractionsScraped,
		CreatedAt:           job.CreatedAt,
		StartedAt:           job.StartedAt,
		CompletedAt:         job.CompletedAt,
	}
	if job.ErrorMessage != nil {
		resp.Error = *job.ErrorMessage
	}
	return resp
}

func resolveProfileURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "/") && !strings.Contains(raw, ".") {
		return normalize.CanonicalProfileURL(raw)
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	return normalize.CanonicalURL(raw)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
