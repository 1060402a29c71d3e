package telephony

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStasisStart(t *testing.T) {
	raw := `{
		"type": "StasisStart",
		"timestamp": "2026-03-02T09:00:01.250+0000",
		"application": "autodialer",
		"args": ["autodial"],
		"channel": {
			"id": "ch-1", "name": "PJSIP/trunk-0001", "state": "Ring",
			"channelvars": {"CALL_TYPE": "autodial", "CALL_ID": "k1", "CAMPAIGN_ID": "c1", "LEAD_ID": "l1"}
		}
	}`
	ev, err := DecodeEvent([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, EventStasisStart, ev.Type)
	assert.Equal(t, "ch-1", ev.ChannelID)
	assert.Equal(t, "ch-1", ev.Key())
	assert.Equal(t, CallTypeCustomer, ev.Vars.CallType)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 1, 250_000_000, time.UTC), ev.Timestamp)
}

func TestDecodeEventShapes(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"ChannelDestroyed","channel":{"id":"ch-1"},"cause":17,"cause_txt":"User busy"}`))
	require.NoError(t, err)
	assert.Equal(t, 17, ev.Cause)
	assert.Equal(t, "User busy", ev.CauseText)

	ev, err = DecodeEvent([]byte(`{"type":"ChannelEnteredBridge","channel":{"id":"ch-1"},"bridge":{"id":"b-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "b-1", ev.BridgeID)

	ev, err = DecodeEvent([]byte(`{"type":"ChannelVarset","channel":{"id":"ch-1"},"variable":"AMDSTATUS","value":"MACHINE"}`))
	require.NoError(t, err)
	assert.Equal(t, VarAMDStatus, ev.Variable)

	ev, err = DecodeEvent([]byte(`{"type":"EndpointStateChange","endpoint":{"technology":"PJSIP","resource":"1001","state":"online"}}`))
	require.NoError(t, err)
	assert.Equal(t, "PJSIP/1001", ev.Endpoint.Name())
	assert.True(t, ev.Endpoint.Online())
	assert.Equal(t, "PJSIP/1001", ev.Key())

	ev, err = DecodeEvent([]byte(`{"type":"PlaybackFinished","playback":{"id":"pb-1","target_uri":"channel:ch-9"}}`))
	require.NoError(t, err)
	assert.Equal(t, "ch-9", ev.ChannelID)
	assert.Equal(t, "pb-1", ev.PlaybackID)
}

func TestDecodeEventRejects(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"channel":{"id":"x"}}`,
		`{"type":"ChannelDestroyed"}`,
		`{"type":"BridgeCreated","bridge":{}}`,
		`{"type":"ChannelLeftBridge","channel":{"id":"x"}}`,
		`{"type":"EndpointStateChange","endpoint":{"technology":"PJSIP"}}`,
	} {
		_, err := DecodeEvent([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedEvent, raw)
	}

	_, err := DecodeEvent([]byte(`{"type":"StasisStart","channel":{"id":"x","channelvars":{"CALL_TYPE":"weird"}}}`))
	assert.ErrorIs(t, err, ErrInvalidVars)
}
