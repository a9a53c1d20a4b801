package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"SkillGuard/internal/guard"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// LogChannel writes alerts to the structured log. It is always
// registered so alerts are never silently lost when no external
// channel is configured.
type LogChannel struct {
	logger *log.Helper
}

// NewLogChannel creates a log-backed alert channel.
func NewLogChannel(logger log.Logger) *LogChannel {
	return &LogChannel{logger: log.NewHelper(logger)}
}

// Name implements guard.AlertChannel.
func (c *LogChannel) Name() string { return "log" }

// Send implements guard.AlertChannel.
func (c *LogChannel) Send(_ context.Context, alert guard.Alert) error {
	c.logger.Warnw("msg", "alert",
		"id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"alert", alert.Message,
		"dedupe_key", alert.DedupeKey,
	)
	return nil
}

// WebhookChannel POSTs alerts as JSON to a configured endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
	logger *log.Helper
}

// NewWebhookChannel creates a webhook-backed alert channel.
func NewWebhookChannel(url string, logger log.Logger) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{},
		logger: log.NewHelper(logger),
	}
}

// Name implements guard.AlertChannel.
func (c *WebhookChannel) Name() string { return "webhook" }

// Send implements guard.AlertChannel. The request honors the context
// deadline set by the alert manager.
func (c *WebhookChannel) Send(ctx context.Context, alert guard.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	c.logger.Debugw("msg", "alert delivered to webhook", "id", alert.ID, "status", resp.StatusCode)
	return nil
}

// RedisChannel publishes alerts as JSON on a Redis pub/sub channel so
// external consumers can subscribe to them.
type RedisChannel struct {
	rdb     *redis.Client
	channel string
	logger  *log.Helper
}

// NewRedisChannel creates a Redis-backed alert channel.
func NewRedisChannel(rdb *redis.Client, channel string, logger log.Logger) *RedisChannel {
	return &RedisChannel{
		rdb:     rdb,
		channel: channel,
		logger:  log.NewHelper(logger),
	}
}

// Name implements guard.AlertChannel.
func (c *RedisChannel) Name() string { return "redis" }

// Send implements guard.AlertChannel.
func (c *RedisChannel) Send(ctx context.Context, alert guard.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := c.rdb.Publish(ctx, c.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
