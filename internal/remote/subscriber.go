package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
)

const (
	reconnectMin = 2 * time.Second
	reconnectMax = 2 * time.Minute

	// jitterDivisor bounds reconnect jitter to [0, backoff/jitterDivisor).
	jitterDivisor = 2

	reconnectBackoffMultiplier = 2

	// controlWriteTimeout bounds subscribe/unsubscribe frame writes.
	controlWriteTimeout = 5 * time.Second

	wsReadLimit = 8 * 1024 * 1024
)

// wsConn abstracts the WebSocket connection so Subscriber can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

func dialWebsocket(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(wsReadLimit)

	return conn, nil
}

type controlFrame struct {
	Op   string `json:"op"`
	ID   int64  `json:"id"`
	Path string `json:"path,omitempty"`
}

// Subscriber multiplexes store subscriptions over one websocket. It
// re-sends every live subscription after a reconnect.
type Subscriber struct {
	url    string
	token  func() string
	logger *slog.Logger
	dial   dialFunc

	mu     sync.Mutex
	conn   wsConn
	subs   map[int64]*wsSub
	nextID int64

	connected atomic.Bool
}

type wsSub struct {
	id     int64
	prefix string
	fn     func(Event)
	closed atomic.Bool
	owner  *Subscriber
}

// NewSubscriber creates a subscriber for the given websocket URL. token
// may be nil.
func NewSubscriber(url string, token func() string, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		url:    url,
		token:  token,
		logger: logger,
		dial:   dialWebsocket,
		subs:   make(map[int64]*wsSub),
	}
}

// Connected reports whether a websocket is currently established.
func (s *Subscriber) Connected() bool {
	return s.connected.Load()
}

// Subscribe registers fn for changes under prefix. The subscription is
// sent immediately when connected and on every reconnect.
func (s *Subscriber) Subscribe(ctx context.Context, prefix string, fn func(Event)) (Subscription, error) {
	s.mu.Lock()
	s.nextID++
	sub := &wsSub{id: s.nextID, prefix: Join(prefix), fn: fn, owner: s}
	s.subs[sub.id] = sub
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if err := s.writeControl(ctx, conn, controlFrame{Op: "subscribe", ID: sub.id, Path: sub.prefix}); err != nil {
			s.logger.Warn("subscribe frame failed, will resend on reconnect",
				slog.String("prefix", sub.prefix),
				slog.String("error", err.Error()),
			)
		}
	}

	return sub, nil
}

func (w *wsSub) Cancel() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}

	s := w.owner

	s.mu.Lock()
	delete(s.subs, w.id)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlWriteTimeout)
	defer cancel()

	if err := s.writeControl(ctx, conn, controlFrame{Op: "unsubscribe", ID: w.id}); err != nil {
		s.logger.Debug("unsubscribe frame failed", slog.String("error", err.Error()))
	}
}

func (s *Subscriber) writeControl(ctx context.Context, conn wsConn, f controlFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

// connect dials and replays all live subscriptions.
func (s *Subscriber) connect(ctx context.Context) (wsConn, error) {
	header := http.Header{}
	if s.token != nil {
		if tok := s.token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	conn, err := s.dial(ctx, s.url, header)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	live := make([]*wsSub, 0, len(s.subs))

	for _, sub := range s.subs {
		live = append(live, sub)
	}
	s.mu.Unlock()

	for _, sub := range live {
		if err := s.writeControl(ctx, conn, controlFrame{Op: "subscribe", ID: sub.id, Path: sub.prefix}); err != nil {
			s.dropConn(conn, websocket.StatusInternalError, "subscribe failed")
			return nil, fmt.Errorf("resubscribing %s: %w", sub.prefix, err)
		}
	}

	s.connected.Store(true)

	return conn, nil
}

func (s *Subscriber) dropConn(conn wsConn, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()

	s.connected.Store(false)
	conn.Close(code, reason)
}

// Listen connects and dispatches events until ctx is cancelled,
// reconnecting with jittered exponential backoff.
func (s *Subscriber) Listen(ctx context.Context) error {
	backoff := reconnectMin

	for {
		conn, err := s.connect(ctx)
		if err == nil {
			s.logger.Info("subscriber connected", slog.String("url", s.url))
			backoff = reconnectMin
			err = s.readLoop(ctx, conn)
			s.dropConn(conn, websocket.StatusNormalClosure, "bye")
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, apperrors.ErrPermanent) {
			return err
		}

		s.logger.Warn("subscriber disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: reconnect jitter only

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
	}
}

func (s *Subscriber) readLoop(ctx context.Context, conn wsConn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}

		if typ == websocket.MessageBinary {
			s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		if err := s.handleFrame(data); err != nil {
			return err
		}
	}
}

// handleFrame dispatches one server frame. Only an auth rejection is
// returned as an error; malformed frames are logged and skipped.
func (s *Subscriber) handleFrame(data []byte) error {
	switch op := gjson.GetBytes(data, "op").Str; op {
	case "event":
		id := gjson.GetBytes(data, "id").Int()

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("failed to decode event", slog.String("error", err.Error()))
			return nil
		}

		ev.Entry.Key = Base(ev.Entry.Path)

		s.mu.Lock()
		sub := s.subs[id]
		s.mu.Unlock()

		if sub == nil || sub.closed.Load() {
			return nil
		}

		sub.fn(ev)

		return nil

	case "error":
		msg := gjson.GetBytes(data, "error").Str
		if gjson.GetBytes(data, "code").Str == "unauthenticated" {
			return fmt.Errorf("%w: subscription rejected: %s", apperrors.ErrPermanent, msg)
		}

		s.logger.Warn("subscriber error frame", slog.String("error", msg))

		return nil

	case "pong", "ready":
		return nil

	default:
		s.logger.Debug("unexpected frame", slog.String("op", op))
		return nil
	}
}
