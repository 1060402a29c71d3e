package telephony

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Command is one call recorded by MemoryCommander.
type Command struct {
	Op        string
	ChannelID string
	BridgeID  string
	Request   OriginateRequest
	Arg       string
	// PlaybackID is set for play commands.
	PlaybackID string
}

// MemoryCommander is an in-process Commander for tests and dry runs. It records every
// command and can be told to fail specific operations.
type MemoryCommander struct {
	mu       sync.Mutex
	commands []Command
	failures map[string][]error
}

func NewMemoryCommander() *MemoryCommander {
	return &MemoryCommander{failures: map[string][]error{}}
}

// FailNext queues errors returned by the next calls of op, in order.
func (m *MemoryCommander) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Commands returns recorded commands, optionally filtered by op.
func (m *MemoryCommander) Commands(op string) []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Command
	for _, c := range m.commands {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *MemoryCommander) record(c Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, c)
	if q := m.failures[c.Op]; len(q) > 0 {
		m.failures[c.Op] = q[1:]
		if q[0] != nil {
			return &CommandError{Op: c.Op, Err: q[0]}
		}
	}
	return nil
}

func (m *MemoryCommander) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	id := req.ChannelID
	if id == "" {
		id = uuid.NewString()
	}
	if err := m.record(Command{Op: "originate", ChannelID: id, Request: req}); err != nil {
		return "", err
	}
	return id, nil
}

func (m *MemoryCommander) Hangup(ctx context.Context, channelID string) error {
	return m.record(Command{Op: "hangup", ChannelID: channelID})
}

func (m *MemoryCommander) CreateBridge(ctx context.Context, bridgeID string) (string, error) {
	if bridgeID == "" {
		bridgeID = uuid.NewString()
	}
	if err := m.record(Command{Op: "bridge_create", BridgeID: bridgeID}); err != nil {
		return "", err
	}
	return bridgeID, nil
}

func (m *MemoryCommander) DestroyBridge(ctx context.Context, bridgeID string) error {
	return m.record(Command{Op: "bridge_destroy", BridgeID: bridgeID})
}

func (m *MemoryCommander) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	return m.record(Command{Op: "bridge_add", BridgeID: bridgeID, ChannelID: channelID})
}

func (m *MemoryCommander) RemoveChannel(ctx context.Context, bridgeID, channelID string) error {
	return m.record(Command{Op: "bridge_remove", BridgeID: bridgeID, ChannelID: channelID})
}

func (m *MemoryCommander) Play(ctx context.Context, channelID, playbackID, media string) error {
	return m.record(Command{Op: "play", ChannelID: channelID, Arg: media, PlaybackID: playbackID})
}

func (m *MemoryCommander) ContinueInDialplan(ctx context.Context, channelID, dialContext, extension string) error {
	return m.record(Command{Op: "continue", ChannelID: channelID, Arg: fmt.Sprintf("%s,%s,1", dialContext, extension)})
}
