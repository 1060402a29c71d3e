package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDeliversEventsAndSkipsMalformed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := []string{
			`{"type":"StasisStart","channel":{"id":"ch-1"}}`,
			`garbage`,
			`{"type":"ChannelStateChange","channel":{"id":"ch-1","state":"Up"}}`,
		}
		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		// Hold the connection until the client goes away.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	s := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Event, 4)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, func(ev Event) { got <- ev }) }()

	first := <-got
	second := <-got
	assert.Equal(t, EventStasisStart, first.Type)
	assert.Equal(t, EventChannelStateChange, second.Type)
	assert.Equal(t, ChannelUp, second.ChannelState)
	assert.True(t, s.Connected())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestStreamReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	conns := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- struct{}{}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"StasisStart","channel":{"id":"ch"}}`))
		_ = conn.Close()
	}))
	defer srv.Close()

	s := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), nil, nil)
	s.minBackoff = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx, func(Event) {}) }()

	for i := 0; i < 2; i++ {
		select {
		case <-conns:
		case <-time.After(3 * time.Second):
			t.Fatalf("connection %d not seen", i+1)
		}
	}
}
