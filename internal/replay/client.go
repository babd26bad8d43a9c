// Package replay talks to the spectator game client's local Replay API.
package replay

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client interface for testability
type Client interface {
	GetPlayback(ctx context.Context) (*Playback, error)
	SetPlayback(ctx context.Context, req PlaybackRequest) (*Playback, error)
	GetGame(ctx context.Context) (*Game, error)
}

// Playback is the game client's current playback state. Times are in
// seconds, the unit the Replay API speaks.
type Playback struct {
	Paused  bool    `json:"paused"`
	Seeking bool    `json:"seeking"`
	Speed   float64 `json:"speed"`
	Time    float64 `json:"time"`
	Length  float64 `json:"length"`
}

// PlaybackRequest asks the game client to move to an absolute playback
// state. Absolute targets make retries safe.
type PlaybackRequest struct {
	Paused bool    `json:"paused"`
	Speed  float64 `json:"speed"`
	Time   float64 `json:"time"`
}

// Game identifies the replay process currently loaded.
type Game struct {
	ProcessID int `json:"processID"`
}

type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewClient(baseURL string, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:    10,
		MaxConnsPerHost: 4,
		IdleConnTimeout: 90 * time.Second,
		// The game client serves a self-signed certificate on loopback.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:    baseURL,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

func (c *HTTPClient) GetPlayback(ctx context.Context) (*Playback, error) {
	var playback Playback
	if err := c.do(ctx, http.MethodGet, "/replay/playback", nil, &playback); err != nil {
		return nil, err
	}
	return &playback, nil
}

func (c *HTTPClient) SetPlayback(ctx context.Context, req PlaybackRequest) (*Playback, error) {
	var playback Playback
	if err := c.do(ctx, http.MethodPost, "/replay/playback", req, &playback); err != nil {
		return nil, err
	}
	return &playback, nil
}

func (c *HTTPClient) GetGame(ctx context.Context) (*Game, error) {
	var game Game
	if err := c.do(ctx, http.MethodGet, "/replay/game", nil, &game); err != nil {
		return nil, err
	}
	return &game, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	url := c.baseURL + path
	c.logger.Debug("replay request", zap.String("method", method), zap.String("url", url))

	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			c.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, string(respBody))
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
		return nil
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}
