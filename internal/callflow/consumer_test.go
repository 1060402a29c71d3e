package callflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/telephony"
)

// scriptSource replays fixed events, then blocks until cancelled.
type scriptSource struct{ events []telephony.Event }

func (s scriptSource) Run(ctx context.Context, handle func(telephony.Event)) error {
	for _, ev := range s.events {
		handle(ev)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestConsumerFeedsWorker(t *testing.T) {
	h := newHarness(t)
	id, ch := h.dial(t, "l1")

	c := NewConsumer(scriptSource{events: []telephony.Event{
		{Type: telephony.EventStasisStart, ChannelID: ch, Vars: telephony.Vars{CallType: telephony.CallTypeCustomer, CallID: id}},
		{Type: telephony.EventChannelDestroyed, ChannelID: ch, Cause: 17},
	}}, h.w, nil)
	c.Start(context.Background())
	require.Eventually(t, c.Running, time.Second, 5*time.Millisecond)
	c.Stop()

	assert.False(t, c.Running())
	call, err := h.w.Call(id)
	require.NoError(t, err)
	assert.Equal(t, calls.StateEnded, call.State)
	assert.Equal(t, calls.OutcomeBusy, call.Outcome)
}

func TestConsumerRestarts(t *testing.T) {
	h := newHarness(t)
	c := NewConsumer(scriptSource{}, h.w, nil)

	c.Start(context.Background())
	c.Start(context.Background())
	require.True(t, c.Running())
	c.Stop()
	c.Stop()
	assert.False(t, c.Running())

	c.Start(context.Background())
	assert.True(t, c.Running())
	c.Stop()
}

type linkedSource struct {
	scriptSource
	up bool
}

func (s linkedSource) Connected() bool { return s.up }

func TestConsumerConnectedFollowsSource(t *testing.T) {
	h := newHarness(t)

	plain := NewConsumer(scriptSource{}, h.w, nil)
	assert.False(t, plain.Connected())
	plain.Start(context.Background())
	assert.True(t, plain.Connected())
	plain.Stop()

	down := NewConsumer(linkedSource{up: false}, h.w, nil)
	down.Start(context.Background())
	assert.False(t, down.Connected())
	down.Stop()

	up := NewConsumer(linkedSource{up: true}, h.w, nil)
	up.Start(context.Background())
	assert.True(t, up.Connected())
	up.Stop()
	assert.False(t, up.Connected())
}
