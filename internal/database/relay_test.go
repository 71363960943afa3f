package database

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	added []*redis.XAddArgs
	err   error
}

func (f *fakeRedis) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	f.added = append(f.added, args)
	cmd := redis.NewStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal("1-1")
	}
	return cmd
}

func (f *fakeRedis) Close() error { return nil }

type fakeOutbox struct {
	pending   []*OutboxEvent
	processed []uuid.UUID
	failed    []uuid.UUID
}

func (f *fakeOutbox) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	return f.pending, nil
}

func (f *fakeOutbox) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeOutbox) MarkFailed(ctx context.Context, id uuid.UUID, err error) error {
	f.failed = append(f.failed, id)
	return nil
}

func newTestRelay(outbox OutboxRepo, client RedisClient) *Relay {
	return &Relay{
		redis:     client,
		outbox:    outbox,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		interval:  time.Second,
		batchSize: 100,
	}
}

func outboxEvent(eventType string, payload string) *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "scrape_job",
		AggregateID:   uuid.New().String(),
		EventType:     eventType,
		Payload:       json.RawMessage(payload),
		TargetStream:  DefaultScrapeStream,
		Status:        OutboxStatusPending,
		CreatedAt:     time.Now(),
	}
}

func TestRelayPublishesPendingEvents(t *testing.T) {
	event := outboxEvent("scrape_job.completed", `{"job_id": "abc", "username": "someuser"}`)
	outbox := &fakeOutbox{pending: []*OutboxEvent{event}}
	client := &fakeRedis{}
	relay := newTestRelay(outbox, client)

	require.NoError(t, relay.processEvents(context.Background()))

	require.Len(t, client.added, 1)
	args := client.added[0]
	assert.Equal(t, DefaultScrapeStream, args.Stream)
	assert.Equal(t, "scrape_job.completed", args.Values.(map[string]interface{})["type"])
	assert.Equal(t, event.ID.String(), args.Values.(map[string]interface{})["original_id"])

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(args.Values.(map[string]interface{})["data"].(string)), &data))
	assert.Equal(t, "scrape_job.completed", data["type"])
	payload, ok := data["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "someuser", payload["username"])

	assert.Equal(t, []uuid.UUID{event.ID}, outbox.processed)
	assert.Empty(t, outbox.failed)
}

func TestRelayMarksFailedOnRedisError(t *testing.T) {
	event := outboxEvent("scrape_job.failed", `{"job_id": "abc"}`)
	outbox := &fakeOutbox{pending: []*OutboxEvent{event}}
	client := &fakeRedis{err: errors.New("connection refused")}
	relay := newTestRelay(outbox, client)

	require.NoError(t, relay.processEvents(context.Background()))

	assert.Empty(t, outbox.processed)
	assert.Equal(t, []uuid.UUID{event.ID}, outbox.failed)
}

func TestRelayRejectsUnreadablePayload(t *testing.T) {
	event := outboxEvent("scrape_job.completed", `not json`)
	outbox := &fakeOutbox{pending: []*OutboxEvent{event}}
	client := &fakeRedis{}
	relay := newTestRelay(outbox, client)

	require.NoError(t, relay.processEvents(context.Background()))

	assert.Empty(t, client.added, "nothing reaches redis when the payload cannot be decoded")
	assert.Equal(t, []uuid.UUID{event.ID}, outbox.failed)
}

func TestRelayEmptyQueueIsANoop(t *testing.T) {
	outbox := &fakeOutbox{}
	client := &fakeRedis{}
	relay := newTestRelay(outbox, client)

	require.NoError(t, relay.processEvents(context.Background()))

	assert.Empty(t, client.added)
}
