package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lucasdmn/instagram-scraper/internal/database"
)

// EventType identifies a published event.
type EventType string

const (
	// EventTypeScrapeJobCompleted is published when a scrape job finishes
	// with persisted results.
	EventTypeScrapeJobCompleted EventType = "SCRAPE_JOB_COMPLETED"
	// EventTypeScrapeJobFailed is published when a scrape job ends with a
	// terminal failure.
	EventTypeScrapeJobFailed EventType = "SCRAPE_JOB_FAILED"
)

// ScrapeJobPayload is the payload for scrape job lifecycle events.
type ScrapeJobPayload struct {
	EventID             string    `json:"event_id"`
	EventType           string    `json:"event_type"`
	Timestamp           time.Time `json:"timestamp"`
	JobID               string    `json:"job_id"`
	ProfileURL          string    `json:"profile_url"`
	Username            string    `json:"username,omitempty"`
	Flow                string    `json:"flow"`
	PostsScraped        int       `json:"posts_scraped"`
	InteractionsScraped int       `json:"interactions_scraped"`
	Error               string    `json:"error,omitempty"`
	Source              string    `json:"source"`
}

// Publisher writes job lifecycle events through the transactional
// outbox, so an event is only ever visible alongside the job state it
// describes.
type Publisher struct {
	db     *database.DB
	outbox *database.OutboxRepository
	logger *slog.Logger
}

func NewPublisher(db *database.DB, logger *slog.Logger) *Publisher {
	return &Publisher{
		db:     db,
		outbox: database.NewOutboxRepository(db),
		logger: logger.With("component", "event_publisher"),
	}
}

// PublishJobCompleted publishes a SCRAPE_JOB_COMPLETED event.
func (p *Publisher) PublishJobCompleted(ctx context.Context, payload *ScrapeJobPayload) error {
	return p.publish(ctx, EventTypeScrapeJobCompleted, payload)
}

// PublishJobFailed publishes a SCRAPE_JOB_FAILED event.
func (p *Publisher) PublishJobFailed(ctx context.Context, payload *ScrapeJobPayload) error {
	return p.publish(ctx, EventTypeScrapeJobFailed, payload)
}

func (p *Publisher) publish(ctx context.Context, eventType EventType, payload *ScrapeJobPayload) error {
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	payload.EventType = string(eventType)
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	if payload.Source == "" {
		payload.Source = "scraper"
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	outboxEvent := &database.OutboxEvent{
		AggregateType: "scrape_job",
		AggregateID:   payload.JobID,
		EventType:     string(eventType),
		Payload:       data,
		TargetStream:  database.DefaultScrapeStream,
	}

	err = p.db.Transaction(ctx, func(tx pgx.Tx) error {
		return p.outbox.InsertWithTx(ctx, tx, outboxEvent)
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	p.logger.Info("event published to outbox",
		"type", payload.EventType,
		"event_id", payload.EventID,
		"job_id", payload.JobID,
		"outbox_id", outboxEvent.ID,
	)
	return nil
}
