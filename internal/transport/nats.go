package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type natsTransport struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// DialNATS connects to a NATS server. Topic names are translated at this
// boundary only: "/" becomes the NATS token separator "." and the trailing
// "#" wildcard becomes ">". Room codes never contain either character.
func DialNATS(ctx context.Context, serverURL string, opts Options) (Transport, error) {
	opts = opts.withDefaults()

	conn, err := nats.Connect(serverURL,
		nats.Name(opts.ClientID),
		nats.Timeout(opts.ConnectTimeout),
		nats.PingInterval(opts.KeepAlive),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			opts.Logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			opts.Logger.Info("nats reconnected", zap.String("server", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	opts.Logger.Info("nats connected",
		zap.String("server", serverURL),
		zap.String("clientID", opts.ClientID),
	)

	return &natsTransport{conn: conn, logger: opts.Logger}, nil
}

func (t *natsTransport) Publish(topic string, payload []byte) error {
	if err := t.conn.Publish(toSubject(topic), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

func (t *natsTransport) Subscribe(pattern string, h Handler) (Subscription, error) {
	sub, err := t.conn.Subscribe(toSubject(pattern), func(msg *nats.Msg) {
		h(fromSubject(msg.Subject), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", pattern, err)
	}
	return &natsSub{sub: sub}, nil
}

func (t *natsTransport) Close() error {
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe: %w", err)
	}
	return nil
}

func toSubject(topic string) string {
	subject := strings.ReplaceAll(topic, "/", ".")
	return strings.ReplaceAll(subject, "#", ">")
}

func fromSubject(subject string) string {
	topic := strings.ReplaceAll(subject, ".", "/")
	return strings.ReplaceAll(topic, ">", "#")
}
