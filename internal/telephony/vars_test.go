package telephony

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVars(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]string
		want    Vars
		wantErr bool
	}{
		{name: "none", raw: map[string]string{"SIPCALLID": "x"}, want: Vars{}},
		{
			name: "customer",
			raw: map[string]string{
				"CALL_TYPE": "autodial", "CALL_ID": "k1", "CAMPAIGN_ID": "c1", "LEAD_ID": "l1",
				"CUSTOMER_NUMBER": " 5551234 ", "SOMETHING_ELSE": "ignored",
			},
			want: Vars{CallType: CallTypeCustomer, CallID: "k1", CampaignID: "c1", LeadID: "l1", PhoneNumber: "5551234"},
		},
		{
			name: "agent connect",
			raw:  map[string]string{"CALL_TYPE": "AGENT_CONNECT", "AGENT_ID": "a1", "BRIDGE_ID": "b1"},
			want: Vars{CallType: CallTypeAgentConnect, AgentID: "a1", BridgeID: "b1"},
		},
		{name: "unknown type", raw: map[string]string{"CALL_TYPE": "inbound"}, wantErr: true},
		{name: "ids without type", raw: map[string]string{"LEAD_ID": "l1"}, wantErr: true},
		{name: "customer missing lead", raw: map[string]string{"CALL_TYPE": "autodial", "CALL_ID": "k1", "CAMPAIGN_ID": "c1"}, wantErr: true},
		{name: "agent leg missing agent", raw: map[string]string{"CALL_TYPE": "agent_leg", "CALL_ID": "k1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVars(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidVars)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVarsMapRoundTrip(t *testing.T) {
	v := Vars{CallType: CallTypeAgentLeg, CallID: "k1", AgentID: "a1", BridgeID: "b1"}
	m := v.Map()
	assert.Len(t, m, 4)
	got, err := ParseVars(m)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestParseVerdict(t *testing.T) {
	assert.Equal(t, VerdictHuman, ParseVerdict("human", ""))
	assert.Equal(t, VerdictMachine, ParseVerdict("MACHINE", "LONGGREETING-1500-1500"))
	assert.Equal(t, VerdictFax, ParseVerdict("MACHINE", "FAX-TONE"))
	assert.Equal(t, VerdictSIT, ParseVerdict("NOTSURE", "SIT"))
	assert.Equal(t, VerdictNotSure, ParseVerdict("", ""))

	assert.True(t, VerdictNotSure.ReachesAgent())
	assert.False(t, VerdictFax.ReachesAgent())
	assert.True(t, VerdictSIT.Machine())
	assert.False(t, VerdictHangup.Machine())
}
