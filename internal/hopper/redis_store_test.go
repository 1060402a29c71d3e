package hopper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScriptsInitialized(t *testing.T) {
	for name, s := range map[string]any{
		"enqueue":    enqueueScript,
		"lease_pop":  leasePopScript,
		"transition": transitionScript,
		"renew":      renewScript,
		"reclaim":    reclaimScript,
		"stats":      statsScript,
	} {
		assert.NotNil(t, s, name)
	}
}

func TestKeysFor_HashTagged(t *testing.T) {
	k := keysFor("42")
	assert.Equal(t, "hopper:{42}:queue", k.queue)
	assert.Equal(t, "hopper:{42}:active", k.active)
	assert.Equal(t, "hopper:{42}:fence", k.fence)
	assert.Equal(t, "hopper:{42}:lease:", k.leasePrefix)
}

func TestParseLeaseHash(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	ms := "1714554000000"
	l := parseLeaseHash([]any{
		"lead_id", "l1", "campaign_id", "c1", "phone", "+15550001",
		"priority", "70", "state", "leased", "leased_by", "w1", "token", "9",
		"enqueued_at", ms, "leased_at", ms,
	})
	assert.Equal(t, "l1", l.LeadID)
	assert.Equal(t, 70, l.Priority)
	assert.Equal(t, StateLeased, l.State)
	assert.Equal(t, "9", l.Token)
	assert.Equal(t, at, l.LeasedAt)
	assert.True(t, l.DialedAt.IsZero())
}

func TestScriptResult(t *testing.T) {
	ok, err := scriptResult(-1)
	assert.ErrorIs(t, err, ErrLeaseNotFound)
	assert.False(t, ok)
	ok, _ = scriptResult(1)
	assert.True(t, ok)
	ok, _ = scriptResult(0)
	assert.False(t, ok)
}
