package notification

import (
	"context"
	"log/slog"
	"time"

	"github.com/smukkama/aqgrid/internal/logging"
	"github.com/smukkama/aqgrid/internal/protocol"
	"github.com/smukkama/aqgrid/internal/queue"
)

// Sender delivers one alert; *EmailNotifier implements it.
type Sender interface {
	SendAlertNotification(n *protocol.AlertNotification) error
}

// Consumer mails every alert published on the alerts topic.
type Consumer struct {
	src      queue.MessageSource
	sender   Sender
	log      *slog.Logger
	attempts int
	backoff  time.Duration
}

// NewConsumer creates a Consumer that tries each alert three times.
func NewConsumer(src queue.MessageSource, sender Sender, log *slog.Logger) *Consumer {
	return &Consumer{src: src, sender: sender, log: logging.OrDiscard(log), attempts: 3, backoff: 5 * time.Second}
}

// Run consumes until ctx ends. An alert that still fails after the last
// attempt is logged and committed so it does not block the partition.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.src.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("failed to consume alert", "error", err)
			if !c.wait(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		n, err := protocol.DecodeAlertNotification(msg.Value)
		if err != nil {
			c.log.Warn("skipping undecodable alert", "offset", msg.Offset, "error", err)
		} else if !c.deliver(ctx, n) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		if err := c.src.Commit(ctx, msg); err != nil {
			c.log.Warn("failed to commit alert offset", "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, n *protocol.AlertNotification) bool {
	for attempt := 1; attempt <= c.attempts; attempt++ {
		err := c.sender.SendAlertNotification(n)
		if err == nil {
			return true
		}
		c.log.Warn("failed to send alert", "type", n.Type, "metric", n.Metric, "attempt", attempt, "error", err)
		if attempt < c.attempts && !c.wait(ctx, c.backoff*time.Duration(attempt)) {
			return false
		}
	}
	c.log.Error("giving up on alert", "type", n.Type, "metric", n.Metric, "alert_id", n.AlertID)
	return false
}

func (c *Consumer) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
