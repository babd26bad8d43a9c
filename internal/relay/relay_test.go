package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/transport"
)

// newRelayServer starts a hub behind an httptest server and returns the
// ws:// URL of its endpoint.
func newRelayServer(t *testing.T) string {
	t.Helper()

	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(NewRouter(hub, zap.NewNop()))
	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dialRelay(t *testing.T, url string) transport.Transport {
	t.Helper()

	conn, err := transport.Dial(context.Background(), url, transport.Options{
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type delivery struct {
	topic   string
	payload string
}

func collect(ch chan delivery) transport.Handler {
	return func(topic string, payload []byte) {
		ch <- delivery{topic: topic, payload: string(payload)}
	}
}

func waitFor(t *testing.T, ch chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return delivery{}
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	url := newRelayServer(t)
	subscriber := dialRelay(t, url)
	publisher := dialRelay(t, url)

	got := make(chan delivery, 1)
	if _, err := subscriber.Subscribe("rooms/KQ3XP/#", collect(got)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := publisher.Publish("rooms/KQ3XP/join", []byte(`{"memberId":"obs-1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d := waitFor(t, got)
	if d.topic != "rooms/KQ3XP/join" {
		t.Errorf("topic = %q, want rooms/KQ3XP/join", d.topic)
	}
	if d.payload != `{"memberId":"obs-1"}` {
		t.Errorf("payload = %q", d.payload)
	}
}

func TestExactTopicSubscription(t *testing.T) {
	url := newRelayServer(t)
	conn := dialRelay(t, url)

	got := make(chan delivery, 2)
	if _, err := conn.Subscribe("rooms/KQ3XP/heartbeat", collect(got)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// The join does not match the exact pattern; the heartbeat after it
	// does. Receiving only the heartbeat proves the join was filtered,
	// because the hub delivers in publish order.
	if err := conn.Publish("rooms/KQ3XP/join", []byte(`{}`)); err != nil {
		t.Fatalf("publish join: %v", err)
	}
	if err := conn.Publish("rooms/KQ3XP/heartbeat", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("publish heartbeat: %v", err)
	}

	d := waitFor(t, got)
	if d.topic != "rooms/KQ3XP/heartbeat" {
		t.Errorf("topic = %q, want rooms/KQ3XP/heartbeat", d.topic)
	}
	select {
	case extra := <-got:
		t.Errorf("unexpected extra delivery on %q", extra.topic)
	default:
	}
}

func TestPatternScopesRooms(t *testing.T) {
	url := newRelayServer(t)
	conn := dialRelay(t, url)

	got := make(chan delivery, 2)
	if _, err := conn.Subscribe("rooms/AAAAA/#", collect(got)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := conn.Publish("rooms/BBBBB/join", []byte(`{}`)); err != nil {
		t.Fatalf("publish other room: %v", err)
	}
	if err := conn.Publish("rooms/AAAAA/join", []byte(`{}`)); err != nil {
		t.Fatalf("publish own room: %v", err)
	}

	d := waitFor(t, got)
	if d.topic != "rooms/AAAAA/join" {
		t.Errorf("delivered %q, want only rooms/AAAAA/join", d.topic)
	}
}

func TestPublisherHearsOwnMessages(t *testing.T) {
	url := newRelayServer(t)
	conn := dialRelay(t, url)

	got := make(chan delivery, 1)
	if _, err := conn.Subscribe("rooms/KQ3XP/sync-request", collect(got)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := conn.Publish("rooms/KQ3XP/sync-request", []byte(`{"sequence":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d := waitFor(t, got)
	if d.payload != `{"sequence":1}` {
		t.Errorf("payload = %q", d.payload)
	}
}

func TestDeliveryPreservesPublishOrder(t *testing.T) {
	url := newRelayServer(t)
	subscriber := dialRelay(t, url)
	publisher := dialRelay(t, url)

	got := make(chan delivery, 10)
	if _, err := subscriber.Subscribe("rooms/KQ3XP/#", collect(got)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 10; i++ {
		payload := fmt.Sprintf(`{"n":%d}`, i)
		if err := publisher.Publish("rooms/KQ3XP/heartbeat", []byte(payload)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for i := 0; i < 10; i++ {
		d := waitFor(t, got)
		want := fmt.Sprintf(`{"n":%d}`, i)
		if d.payload != want {
			t.Fatalf("delivery %d = %q, want %q", i, d.payload, want)
		}
	}
}

func TestSubscribeRefusedForInvalidPattern(t *testing.T) {
	url := newRelayServer(t)
	conn := dialRelay(t, url)

	for _, pattern := range []string{"", "rooms/+/join", "rooms/#/join", "rooms//join"} {
		if _, err := conn.Subscribe(pattern, func(string, []byte) {}); err == nil {
			t.Errorf("Subscribe(%q) accepted, want refusal", pattern)
		}
	}

	// The connection stays usable after a refused subscription.
	got := make(chan delivery, 1)
	if _, err := conn.Subscribe("rooms/KQ3XP/#", collect(got)); err != nil {
		t.Fatalf("subscribe after refusal: %v", err)
	}
	if err := conn.Publish("rooms/KQ3XP/join", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	url := newRelayServer(t)
	conn := dialRelay(t, url)

	dropped := make(chan delivery, 1)
	kept := make(chan delivery, 1)

	sub, err := conn.Subscribe("rooms/KQ3XP/leave", collect(dropped))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := conn.Subscribe("rooms/KQ3XP/#", collect(kept)); err != nil {
		t.Fatalf("subscribe keeper: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if err := conn.Publish("rooms/KQ3XP/leave", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The keeper seeing the message proves it arrived; the dropped
	// subscription must not have.
	waitFor(t, kept)
	select {
	case <-dropped:
		t.Error("unsubscribed handler still received a delivery")
	default:
	}
}

func TestHealthReportsConnections(t *testing.T) {
	url := newRelayServer(t)
	conn := dialRelay(t, url)

	// A confirmed subscription means the hub has processed this
	// connection's registration.
	if _, err := conn.Subscribe("rooms/KQ3XP/#", func(string, []byte) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	healthURL := "http" + strings.TrimPrefix(strings.TrimSuffix(url, "/ws"), "ws") + "/health"
	resp, err := http.Get(healthURL)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q, want ok", health.Status)
	}
	if health.Clients != 1 {
		t.Errorf("clients = %d, want 1", health.Clients)
	}
	if health.Subscriptions != 1 {
		t.Errorf("subscriptions = %d, want 1", health.Subscriptions)
	}
}

func TestTopicValidation(t *testing.T) {
	topics := map[string]bool{
		"rooms/KQ3XP/join": true,
		"rooms":            true,
		"":                 false,
		"rooms/":           false,
		"/rooms":           false,
		"rooms/#":          false,
		"rooms/+/join":     false,
	}
	for topic, want := range topics {
		if got := validTopic(topic); got != want {
			t.Errorf("validTopic(%q) = %v, want %v", topic, got, want)
		}
	}

	patterns := map[string]bool{
		"rooms/KQ3XP/#":    true,
		"rooms/KQ3XP/join": true,
		"#":                true,
		"rooms/#/join":     false,
		"rooms/+":          false,
		"":                 false,
		"/#":               false,
	}
	for pattern, want := range patterns {
		if got := validPattern(pattern); got != want {
			t.Errorf("validPattern(%q) = %v, want %v", pattern, got, want)
		}
	}
}
