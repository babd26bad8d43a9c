package transport

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// mqttQoS is at-least-once. Coordination messages are idempotent on the
// receiving side (duplicate joins, stale acks and reordered heartbeats are
// all discarded), so the occasional redelivery is harmless.
const mqttQoS = 1

type mqttTransport struct {
	client mqtt.Client
	logger *zap.Logger
}

// DialMQTT connects to an MQTT broker. The original production setup runs
// a plain broker on localhost:1883 with a 60s keepalive.
func DialMQTT(ctx context.Context, brokerURL string, opts Options) (Transport, error) {
	opts = opts.withDefaults()

	clientOpts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(opts.ClientID).
		SetKeepAlive(opts.KeepAlive).
		SetConnectTimeout(opts.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(true)

	clientOpts.OnConnectionLost = func(_ mqtt.Client, err error) {
		opts.Logger.Warn("mqtt connection lost", zap.Error(err))
	}
	clientOpts.OnReconnecting = func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		opts.Logger.Info("mqtt reconnecting", zap.String("broker", brokerURL))
	}

	client := mqtt.NewClient(clientOpts)

	token := client.Connect()
	select {
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, fmt.Errorf("%w: %v", ErrConnect, ctx.Err())
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	opts.Logger.Info("mqtt connected",
		zap.String("broker", brokerURL),
		zap.String("clientID", opts.ClientID),
	)

	return &mqttTransport{client: client, logger: opts.Logger}, nil
}

func (t *mqttTransport) Publish(topic string, payload []byte) error {
	token := t.client.Publish(topic, mqttQoS, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (t *mqttTransport) Subscribe(pattern string, h Handler) (Subscription, error) {
	token := t.client.Subscribe(pattern, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt subscribe %s: %w", pattern, err)
	}
	return &mqttSub{transport: t, pattern: pattern}, nil
}

func (t *mqttTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}

type mqttSub struct {
	transport *mqttTransport
	pattern   string
}

func (s *mqttSub) Unsubscribe() error {
	token := s.transport.client.Unsubscribe(s.pattern)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt unsubscribe %s: %w", s.pattern, err)
	}
	return nil
}
