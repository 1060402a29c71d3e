package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"outbound-dialer/internal/metrics"
)

const (
	handshakeTimeout = 10 * time.Second
	// readIdle is how long the stream may stay silent before the connection is
	// considered dead. Pings from the platform reset it.
	readIdle = 2 * time.Minute
)

// Stream consumes the platform's event websocket and reconnects with backoff when the
// connection drops. Events are delivered in receipt order on one goroutine.
type Stream struct {
	url     string
	log     *slog.Logger
	metrics *metrics.Metrics

	minBackoff time.Duration
	maxBackoff time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewStream(url string, log *slog.Logger, m *metrics.Metrics) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{
		url:        url,
		log:        log,
		metrics:    m,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run reads events until ctx is cancelled, calling handle for each decoded event.
// Malformed frames are counted and skipped.
func (s *Stream) Run(ctx context.Context, handle func(Event)) error {
	backoff := s.minBackoff
	for {
		connected, err := s.session(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = s.minBackoff
		}
		s.log.Warn("event stream disconnected", "err", err, "retry_in", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *Stream) session(ctx context.Context, handle func(Event)) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial event stream: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()
	s.log.Info("event stream connected")

	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readIdle))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	// Unblock the read when ctx ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(500*time.Millisecond))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readIdle)); err != nil {
			return true, fmt.Errorf("set read deadline: %w", err)
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, errors.New("closed by platform")
			}
			return true, fmt.Errorf("read event: %w", err)
		}
		ev, err := DecodeEvent(payload)
		if err != nil {
			s.metrics.IncEventDiscarded("malformed")
			s.log.Warn("discarding event", "err", err)
			continue
		}
		s.metrics.IncEvent(string(ev.Type))
		handle(ev)
	}
}

// Connected reports whether a connection is currently open.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}
