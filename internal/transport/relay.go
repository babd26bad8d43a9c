package transport

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Relay frame types. The relay server speaks the same schema; this side of
// the contract lives here so the adapter and the server cannot drift.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FrameMessage     = "message"
	FrameAck         = "ack"
)

// Frame is the relay wire message. Payloads are embedded as raw JSON,
// since every ChronOBS payload already is JSON.
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	AckID   uint64          `json:"ackId,omitempty"`
	Success *bool           `json:"success,omitempty"`
}

const relayWriteWait = 10 * time.Second

type relayTransport struct {
	conn    *websocket.Conn
	writeMu gosync.Mutex

	mu      gosync.Mutex
	subs    map[*relaySub]struct{}
	pending map[uint64]chan bool
	nextAck uint64
	closed  bool

	done       chan struct{}
	ackTimeout time.Duration
	logger     *zap.Logger
}

type relaySub struct {
	transport *relayTransport
	pattern   string
	handler   Handler
}

// DialRelay connects to a chronobs-relay WebSocket endpoint (ws:// or wss://).
func DialRelay(ctx context.Context, rawURL string, opts Options) (Transport, error) {
	opts = opts.withDefaults()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	t := &relayTransport{
		conn:       conn,
		subs:       make(map[*relaySub]struct{}),
		pending:    make(map[uint64]chan bool),
		nextAck:    1,
		done:       make(chan struct{}),
		ackTimeout: opts.ConnectTimeout,
		logger:     opts.Logger,
	}

	opts.Logger.Info("relay connected", zap.String("url", rawURL))

	go t.readLoop()
	return t, nil
}

func (t *relayTransport) readLoop() {
	defer t.teardown()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.logger.Debug("relay read closed", zap.Error(err))
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.logger.Debug("relay frame malformed", zap.Error(err))
			continue
		}

		switch frame.Type {
		case FrameMessage:
			t.mu.Lock()
			matched := make([]Handler, 0, len(t.subs))
			for sub := range t.subs {
				if MatchTopic(sub.pattern, frame.Topic) {
					matched = append(matched, sub.handler)
				}
			}
			t.mu.Unlock()
			for _, h := range matched {
				h(frame.Topic, frame.Data)
			}

		case FrameAck:
			t.mu.Lock()
			ch, ok := t.pending[frame.AckID]
			if ok {
				delete(t.pending, frame.AckID)
			}
			t.mu.Unlock()
			if ok {
				ch <- frame.Success != nil && *frame.Success
			}

		default:
			t.logger.Debug("relay frame ignored", zap.String("type", frame.Type))
		}
	}
}

func (t *relayTransport) teardown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id, ch := range t.pending {
		delete(t.pending, id)
		close(ch)
	}
	t.mu.Unlock()

	close(t.done)
	t.conn.Close()
}

func (t *relayTransport) Publish(topic string, payload []byte) error {
	return t.writeFrame(Frame{Type: FramePublish, Topic: topic, Data: json.RawMessage(payload)})
}

func (t *relayTransport) Subscribe(pattern string, h Handler) (Subscription, error) {
	sub := &relaySub{transport: t, pattern: pattern, handler: h}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	// Register before the server confirms so deliveries racing the ack are
	// not dropped.
	t.subs[sub] = struct{}{}
	ackID := t.nextAck
	t.nextAck++
	ch := make(chan bool, 1)
	t.pending[ackID] = ch
	t.mu.Unlock()

	if err := t.writeFrame(Frame{Type: FrameSubscribe, Topic: pattern, AckID: ackID}); err != nil {
		t.dropSub(sub, ackID)
		return nil, err
	}

	select {
	case ok := <-ch:
		if !ok {
			t.dropSub(sub, ackID)
			return nil, fmt.Errorf("relay refused subscription %q", pattern)
		}
		return sub, nil
	case <-time.After(t.ackTimeout):
		t.dropSub(sub, ackID)
		return nil, fmt.Errorf("relay subscribe %q: ack timeout", pattern)
	case <-t.done:
		t.dropSub(sub, ackID)
		return nil, ErrClosed
	}
}

func (t *relayTransport) dropSub(sub *relaySub, ackID uint64) {
	t.mu.Lock()
	delete(t.subs, sub)
	delete(t.pending, ackID)
	t.mu.Unlock()
}

func (t *relayTransport) Close() error {
	t.writeMu.Lock()
	t.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	t.teardown()
	return nil
}

func (t *relayTransport) writeFrame(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("relay frame encode: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	t.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

func (s *relaySub) Unsubscribe() error {
	s.transport.mu.Lock()
	delete(s.transport.subs, s)
	s.transport.mu.Unlock()

	// Fire-and-forget; the relay also drops the registration when the
	// connection goes away.
	return s.transport.writeFrame(Frame{Type: FrameUnsubscribe, Topic: s.pattern})
}
