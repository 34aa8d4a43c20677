// Package notify announces completed refreshes on a Pub/Sub topic.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-alertcache/pkg/refresh"
	"github.com/illmade-knight/go-alertcache/pkg/regions"
	"github.com/rs/zerolog"
)

const stopTimeout = 10 * time.Second

// Config holds configuration for the refresh publisher.
type Config struct {
	TopicID string `yaml:"topic_id"`
}

// RefreshMessage is the JSON body of each published message.
type RefreshMessage struct {
	Key       string           `json:"key"`
	FetchedAt time.Time        `json:"fetched_at"`
	Pattern   string           `json:"pattern"`
	Regions   []regions.Status `json:"regions"`
	FetchMS   int64            `json:"fetch_ms"`
}

// Publisher is a refresh.Observer that publishes one message per refresh.
type Publisher struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPublisher verifies that the topic exists before returning.
func NewPublisher(ctx context.Context, client *pubsub.Client, cfg Config, logger zerolog.Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if cfg.TopicID == "" {
		return nil, fmt.Errorf("topic ID is required")
	}
	topic := client.Topic(cfg.TopicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	return &Publisher{
		topic:  topic,
		logger: logger.With().Str("component", "RefreshPublisher").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// OnRefresh publishes ev and waits for the server to acknowledge it.
func (p *Publisher) OnRefresh(ctx context.Context, ev refresh.Event) error {
	payload, err := json.Marshal(RefreshMessage{
		Key:       ev.Key,
		FetchedAt: ev.Entry.FetchedAt,
		Pattern:   ev.Entry.Payload.Pattern,
		Regions:   ev.Entry.Payload.Regions,
		FetchMS:   ev.Elapsed.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal refresh message: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"key":        ev.Key,
			"fetched_at": ev.Entry.FetchedAt.UTC().Format(time.RFC3339),
		},
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish refresh of %s: %w", ev.Key, err)
	}
	p.logger.Debug().
		Str("published_msg_id", msgID).
		Dur("fetch_elapsed", ev.Elapsed).
		Msg("Refresh event published.")
	return nil
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	// topic.Stop() blocks, so it is raced against the timeout.
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping publisher: %w", ctx.Err())
	}
}
