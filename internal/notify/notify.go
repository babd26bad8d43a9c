package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	roomsync "github.com/latra/ChronOBS/internal/sync"
)

// Notifier is the interface for pushing room-health alerts to the
// broadcast operator.
type Notifier interface {
	RoomOpened(ctx context.Context, room string) error
	RoomClosed(ctx context.Context, room string, openFor time.Duration) error
	MainObserverLost(ctx context.Context, room, memberID, label, cause string) error
	SyncDegraded(ctx context.Context, room string, result *roomsync.Result) error
}

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *zap.Logger
}

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// RoomOpened announces a freshly created room and its join code.
func (c *Client) RoomOpened(ctx context.Context, room string) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Room Opened: %s", room)
	message := fmt.Sprintf("Broadcast room %s is accepting observers.", room)
	tags := c.config.Tags + ",clapper"

	return c.send(ctx, title, message, tags, c.config.Priority)
}

// RoomClosed announces that a room was shut down.
func (c *Client) RoomClosed(ctx context.Context, room string, openFor time.Duration) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Room Closed: %s", room)
	message := fmt.Sprintf("Open for: %s", openFor.Round(time.Second))
	tags := c.config.Tags + ",checkered_flag"

	return c.send(ctx, title, message, tags, c.config.Priority)
}

// MainObserverLost warns that the room no longer has a main observer.
// Nothing is promoted automatically, so the operator has to act.
func (c *Client) MainObserverLost(ctx context.Context, room, memberID, label, cause string) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Main Observer Lost: %s", room)
	message := FormatMainObserverLostMessage(memberID, label, cause)
	tags := c.config.Tags + ",rotating_light"
	priority := "high" // Override to high priority, the broadcast is headless

	return c.send(ctx, title, message, tags, priority)
}

// SyncDegraded warns that a sync command resolved with failures or
// missing acks.
func (c *Client) SyncDegraded(ctx context.Context, room string, result *roomsync.Result) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Sync %s: %s", result.Outcome, room)
	message := FormatSyncMessage(result)
	tags := c.config.Tags + ",warning"
	priority := "high"

	return c.send(ctx, title, message, tags, priority)
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", title))
	return nil
}

// NoopNotifier is a no-op implementation for when notifications are disabled.
type NoopNotifier struct{}

// RoomOpened is a no-op.
func (n *NoopNotifier) RoomOpened(_ context.Context, _ string) error {
	return nil
}

// RoomClosed is a no-op.
func (n *NoopNotifier) RoomClosed(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

// MainObserverLost is a no-op.
func (n *NoopNotifier) MainObserverLost(_ context.Context, _, _, _, _ string) error {
	return nil
}

// SyncDegraded is a no-op.
func (n *NoopNotifier) SyncDegraded(_ context.Context, _ string, _ *roomsync.Result) error {
	return nil
}

// New creates the appropriate notifier based on config.
func New(cfg *Config, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return &NoopNotifier{}
	}
	return NewClient(cfg, logger)
}
