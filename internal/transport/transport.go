// Package transport wraps a publish/subscribe broker connection behind a
// small adapter interface so the coordination core never sees broker
// specifics. Adapters exist for MQTT, NATS, the ChronOBS relay, and an
// in-process broker used by tests.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrConnect reports that the broker connection could not be
	// established. The core never retries establishment; reconnecting is
	// an operator action.
	ErrConnect = errors.New("transport: connect failed")

	// ErrClosed reports an operation on a closed transport.
	ErrClosed = errors.New("transport: closed")
)

// Handler receives messages delivered for a subscription. Handlers are
// invoked from the adapter's delivery goroutine in per-publisher publish
// order and must hand work off quickly.
type Handler func(topic string, payload []byte)

// Subscription is an active topic-pattern subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport is a publish/subscribe connection to a message broker.
// Sessions receive a Transport from the caller and do not own its
// lifecycle; only the caller that dialed it may Close it.
type Transport interface {
	Publish(topic string, payload []byte) error
	Subscribe(pattern string, h Handler) (Subscription, error)
	Close() error
}

// Options carries connection settings shared by all adapters.
type Options struct {
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 60 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Dial connects to the broker named by rawURL, selecting the adapter by
// scheme: tcp/ssl/mqtt/mqtts for MQTT brokers, nats for NATS, ws/wss for a
// ChronOBS relay, mem for an in-process broker.
func Dial(ctx context.Context, rawURL string, opts Options) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid broker url %q: %v", ErrConnect, rawURL, err)
	}

	switch u.Scheme {
	case "tcp", "ssl", "mqtt", "mqtts":
		return DialMQTT(ctx, rawURL, opts)
	case "nats":
		return DialNATS(ctx, rawURL, opts)
	case "ws", "wss":
		return DialRelay(ctx, rawURL, opts)
	case "mem":
		return NewMemory(opts.Logger), nil
	default:
		return nil, fmt.Errorf("%w: unsupported broker scheme %q (want tcp, ssl, mqtt, mqtts, nats, ws, wss or mem)", ErrConnect, u.Scheme)
	}
}

// MatchTopic reports whether a concrete topic falls under a subscription
// pattern. Patterns are either exact topics or a prefix ending in "/#",
// which matches every topic below that prefix.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if pattern == "#" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/#"); ok {
		return strings.HasPrefix(topic, prefix+"/")
	}
	return false
}
