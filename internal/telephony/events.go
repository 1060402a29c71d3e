package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type EventType string

// Platform event types, as named on the wire.
const (
	EventStasisStart          EventType = "StasisStart"
	EventStasisEnd            EventType = "StasisEnd"
	EventChannelStateChange   EventType = "ChannelStateChange"
	EventChannelDestroyed     EventType = "ChannelDestroyed"
	EventChannelVarset        EventType = "ChannelVarset"
	EventBridgeCreated        EventType = "BridgeCreated"
	EventBridgeDestroyed      EventType = "BridgeDestroyed"
	EventChannelEnteredBridge EventType = "ChannelEnteredBridge"
	EventChannelLeftBridge    EventType = "ChannelLeftBridge"
	EventEndpointStateChange  EventType = "EndpointStateChange"
	EventPlaybackFinished     EventType = "PlaybackFinished"
)

// Channel states reported by the platform.
const (
	ChannelDown    = "Down"
	ChannelRinging = "Ringing"
	ChannelUp      = "Up"
)

var ErrMalformedEvent = errors.New("telephony: malformed event")

// Endpoint is a device registration (an agent softphone).
type Endpoint struct {
	Technology string `json:"technology"`
	Resource   string `json:"resource"`
	State      string `json:"state"`
}

// Name is the dial string form, e.g. "PJSIP/1001".
func (e Endpoint) Name() string {
	if e.Technology == "" {
		return e.Resource
	}
	return e.Technology + "/" + e.Resource
}

// Online reports whether the state means the device can take calls.
func (e Endpoint) Online() bool {
	switch strings.ToLower(e.State) {
	case "online", "reachable", "available", "ready":
		return true
	}
	return false
}

// Event is one decoded platform event. Fields not relevant to Type are zero.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	ChannelID    string `json:"channel_id,omitempty"`
	ChannelName  string `json:"channel_name,omitempty"`
	ChannelState string `json:"channel_state,omitempty"`
	Vars         Vars   `json:"vars,omitempty"`

	BridgeID string `json:"bridge_id,omitempty"`

	Cause     int    `json:"cause,omitempty"`
	CauseText string `json:"cause_text,omitempty"`

	// Variable/Value are set for ChannelVarset.
	Variable string `json:"variable,omitempty"`
	Value    string `json:"value,omitempty"`

	Endpoint   Endpoint `json:"endpoint,omitempty"`
	PlaybackID string   `json:"playback_id,omitempty"`
}

// Key is the id events for one call are serialized on.
func (e Event) Key() string {
	if e.ChannelID != "" {
		return e.ChannelID
	}
	if e.BridgeID != "" {
		return e.BridgeID
	}
	return e.Endpoint.Name()
}

type wireChannel struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	State       string            `json:"state"`
	ChannelVars map[string]string `json:"channelvars"`
}

type wireEvent struct {
	Type      string       `json:"type"`
	Timestamp string       `json:"timestamp"`
	Channel   *wireChannel `json:"channel"`
	Bridge    *struct {
		ID string `json:"id"`
	} `json:"bridge"`
	Cause    int       `json:"cause"`
	CauseTxt string    `json:"cause_txt"`
	Variable string    `json:"variable"`
	Value    string    `json:"value"`
	Endpoint *Endpoint `json:"endpoint"`
	Playback *struct {
		ID        string `json:"id"`
		TargetURI string `json:"target_uri"`
	} `json:"playback"`
}

// wire timestamps look like 2026-03-02T09:00:00.123+0000
var timestampLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	time.RFC3339Nano,
}

// DecodeEvent parses one event frame. Channel variables are validated here so nothing
// past this point sees an untyped map. Invalid variables fail the event.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	ev := Event{
		Type:      EventType(w.Type),
		Variable:  w.Variable,
		Value:     w.Value,
		Cause:     w.Cause,
		CauseText: w.CauseTxt,
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, w.Timestamp); err == nil {
			ev.Timestamp = ts.UTC()
			break
		}
	}
	if w.Channel != nil {
		ev.ChannelID = w.Channel.ID
		ev.ChannelName = w.Channel.Name
		ev.ChannelState = w.Channel.State
		vars, err := ParseVars(w.Channel.ChannelVars)
		if err != nil {
			return Event{}, err
		}
		ev.Vars = vars
	}
	if w.Bridge != nil {
		ev.BridgeID = w.Bridge.ID
	}
	if w.Endpoint != nil {
		ev.Endpoint = *w.Endpoint
	}
	if w.Playback != nil {
		ev.PlaybackID = w.Playback.ID
		if ev.ChannelID == "" {
			ev.ChannelID = strings.TrimPrefix(w.Playback.TargetURI, "channel:")
		}
	}

	switch ev.Type {
	case EventStasisStart, EventStasisEnd, EventChannelStateChange, EventChannelDestroyed, EventChannelVarset:
		if ev.ChannelID == "" {
			return Event{}, fmt.Errorf("%w: %s without channel", ErrMalformedEvent, ev.Type)
		}
	case EventBridgeCreated, EventBridgeDestroyed:
		if ev.BridgeID == "" {
			return Event{}, fmt.Errorf("%w: %s without bridge", ErrMalformedEvent, ev.Type)
		}
	case EventChannelEnteredBridge, EventChannelLeftBridge:
		if ev.ChannelID == "" || ev.BridgeID == "" {
			return Event{}, fmt.Errorf("%w: %s without channel or bridge", ErrMalformedEvent, ev.Type)
		}
	case EventEndpointStateChange:
		if ev.Endpoint.Resource == "" {
			return Event{}, fmt.Errorf("%w: endpoint without resource", ErrMalformedEvent)
		}
	}
	return ev, nil
}
