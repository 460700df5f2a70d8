package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound packet buffer. Publishing into a full buffer fails
	// rather than blocking the caller.
	sendBuffer = 64

	redialBase = time.Second
	redialCap  = 30 * time.Second
)

// WSTransport is a Transport over a single websocket connection to the
// relay. It redials with capped, jittered exponential backoff when the
// connection drops, resubscribing every held channel after a successful
// redial. Events published while disconnected are lost; recovery is the
// caller's resync responsibility.
type WSTransport struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	subs      map[string]map[int]Handler
	nextID    int
	statusFns []func(ConnStatus)
	out       chan *Packet
	closed    chan struct{}
	closeOnce sync.Once
}

type WSOption func(*WSTransport)

func WithWSLogger(logger *slog.Logger) WSOption {
	return func(t *WSTransport) {
		t.logger = logger
	}
}

func WithDialer(d *websocket.Dialer) WSOption {
	return func(t *WSTransport) {
		t.dialer = d
	}
}

// DialWS connects to the relay websocket endpoint. The token is sent as a
// bearer credential on the handshake request.
func DialWS(ctx context.Context, url, token string, opts ...WSOption) (*WSTransport, error) {
	t := &WSTransport{
		url:    url,
		token:  token,
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
		subs:   make(map[string]map[int]Handler),
		out:    make(chan *Packet, sendBuffer),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	t.attach(conn)
	return t, nil
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}
	conn, _, err := t.dialer.DialContext(ctx, t.url, header)
	return conn, err
}

// attach installs the connection and starts its read and write loops.
func (t *WSTransport) attach(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	done := make(chan struct{})
	go t.writeLoop(conn, done)
	go t.readLoop(conn, done)
}

func (t *WSTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		mt, r, err := conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug(fmt.Sprintf("expected close: %v", err))
			} else {
				t.logger.Error(fmt.Sprintf("NextReader: %v", err))
			}
			break
		}

		packet, err := DecodePacket(mt, r)
		if err != nil {
			t.logger.Error(fmt.Sprintf("DecodePacket: %v", err))
			continue
		}
		if packet.Type != PacketEvent {
			continue
		}
		t.dispatch(Event{Channel: packet.Channel, Name: packet.Event, Payload: packet.Payload})
	}

	conn.Close()
	select {
	case <-t.closed:
		return
	default:
		go t.redial()
	}
}

func (t *WSTransport) writeLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.closed:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case packet := <-t.out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := EncodePacket(conn.NextWriter, packet); err != nil {
				t.logger.Error(fmt.Sprintf("EncodePacket: %v", err))
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.logger.Error(fmt.Sprintf("WritePing: %v", err))
				return
			}
		}
	}
}

// redial reconnects with backoff until it succeeds or the transport is
// closed, then resubscribes every channel held before the drop.
func (t *WSTransport) redial() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := retry.WithJitter(500*time.Millisecond,
		retry.WithCappedDuration(redialCap, retry.NewExponential(redialBase)))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		t.notifyStatus(StatusReconnecting)
		conn, err := t.dial(ctx)
		if err != nil {
			t.logger.Warn(fmt.Sprintf("redial: %v", err))
			return retry.RetryableError(err)
		}
		t.attach(conn)
		return nil
	})
	if err != nil {
		t.notifyStatus(StatusDisconnected)
		return
	}

	t.mu.Lock()
	channels := make([]string, 0, len(t.subs))
	for ch := range t.subs {
		channels = append(channels, ch)
	}
	t.mu.Unlock()
	for _, ch := range channels {
		t.enqueue(&Packet{Type: PacketSubscribe, Channel: ch})
	}
	t.notifyStatus(StatusConnected)
}

func (t *WSTransport) dispatch(ev Event) {
	t.mu.Lock()
	handlers := make([]Handler, 0, len(t.subs[ev.Channel]))
	for _, h := range t.subs[ev.Channel] {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error(fmt.Sprintf("handler(%s): %v", ev.Name, r))
				}
			}()
			h(ev)
		}()
	}
}

func (t *WSTransport) enqueue(packet *Packet) error {
	select {
	case t.out <- packet:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

type wsSub struct {
	t       *WSTransport
	channel string
	id      int
}

func (s *wsSub) Channel() string { return s.channel }

func (s *wsSub) Unsubscribe() error {
	s.t.mu.Lock()
	last := false
	if handlers, ok := s.t.subs[s.channel]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.t.subs, s.channel)
			last = true
		}
	}
	s.t.mu.Unlock()
	if last {
		return s.t.enqueue(&Packet{Type: PacketUnsubscribe, Channel: s.channel})
	}
	return nil
}

func (t *WSTransport) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	t.mu.Lock()
	handlers, ok := t.subs[channel]
	if !ok {
		handlers = make(map[int]Handler)
		t.subs[channel] = handlers
	}
	t.nextID++
	id := t.nextID
	handlers[id] = h
	first := len(handlers) == 1
	t.mu.Unlock()

	if first {
		if err := t.enqueue(&Packet{Type: PacketSubscribe, Channel: channel}); err != nil {
			return nil, fmt.Errorf("subscribe %q: %w", channel, err)
		}
	}
	return &wsSub{t: t, channel: channel, id: id}, nil
}

func (t *WSTransport) Publish(ctx context.Context, channel, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := t.enqueue(&Packet{Type: PacketPublish, Channel: channel, Event: event, Payload: b}); err != nil {
		return fmt.Errorf("publish %q: %w", channel, err)
	}
	return nil
}

func (t *WSTransport) OnStatusChange(fn func(ConnStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusFns = append(t.statusFns, fn)
}

func (t *WSTransport) notifyStatus(status ConnStatus) {
	t.mu.Lock()
	fns := make([]func(ConnStatus), len(t.statusFns))
	copy(fns, t.statusFns)
	t.mu.Unlock()
	for _, fn := range fns {
		fn(status)
	}
}

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}
