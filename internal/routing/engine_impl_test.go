package routing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/telephony"
)

type fixture struct {
	repo *agents.MemoryRepo
	svc  *agents.Service
	res  *MemoryReserver
	cmd  *telephony.MemoryCommander
	sel  *AgentSelector
}

func newFixture(t *testing.T, roster ...agents.Agent) fixture {
	t.Helper()
	repo := agents.NewMemoryRepo()
	for _, a := range roster {
		repo.Put(a)
	}
	svc := agents.NewService(repo, time.Minute, nil, nil)
	for _, a := range roster {
		if _, err := svc.Login(context.Background(), a.ID, "c1"); err != nil {
			t.Fatalf("login %s: %v", a.ID, err)
		}
		if a.BridgeID != "" {
			if _, err := svc.SetBridge(context.Background(), a.ID, a.BridgeID, true); err != nil {
				t.Fatalf("set bridge %s: %v", a.ID, err)
			}
		}
	}
	res := NewMemoryReserver(time.Minute)
	cmd := telephony.NewMemoryCommander()
	sel := NewAgentSelector(svc, res, cmd, 15*time.Second, nil)
	n := 0
	sel.NewID = func() string { n++; return fmt.Sprintf("id-%d", n) }
	return fixture{repo: repo, svc: svc, res: res, cmd: cmd, sel: sel}
}

var req = Request{CallID: "k1", CampaignID: "c1", CustomerChannelID: "cust-1", CallerID: "5551234"}

func TestSelect_PrefersWarmBridge(t *testing.T) {
	f := newFixture(t,
		agents.Agent{ID: "a1", Extension: "PJSIP/1001"},
		agents.Agent{ID: "a2", Extension: "PJSIP/1002", BridgeID: "br-a2"},
	)

	a, err := f.sel.Select(context.Background(), req)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if a.Path != PathWarmBridge || a.AgentID != "a2" || a.BridgeID != "br-a2" || a.OwnsBridge {
		t.Fatalf("unexpected assignment %+v", a)
	}
	ag, _ := f.svc.Get(context.Background(), "a2")
	if ag.Status != agents.StatusBusy || ag.CurrentCallID != "k1" {
		t.Fatalf("agent not busy on call: %+v", ag)
	}
	if f.res.Held("a2") {
		t.Fatalf("reservation should be released once the agent is busy")
	}
	if got := f.cmd.Commands("bridge_add"); len(got) != 1 || got[0].ChannelID != "cust-1" {
		t.Fatalf("expected customer added to warm bridge, got %+v", got)
	}
}

func TestSelect_FreshLegWhenNoWarmBridge(t *testing.T) {
	f := newFixture(t, agents.Agent{ID: "a1", Extension: "PJSIP/1001"})

	a, err := f.sel.Select(context.Background(), req)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !a.Pending() || a.AgentChannelID == "" || !a.OwnsBridge {
		t.Fatalf("unexpected assignment %+v", a)
	}
	orig := f.cmd.Commands("originate")
	if len(orig) != 1 {
		t.Fatalf("expected one agent leg, got %d", len(orig))
	}
	if orig[0].Request.Endpoint != "PJSIP/1001" || orig[0].Request.Vars.CallType != telephony.CallTypeAgentLeg || orig[0].Request.Vars.BridgeID != a.BridgeID {
		t.Fatalf("unexpected originate %+v", orig[0].Request)
	}
	ag, _ := f.svc.Get(context.Background(), "a1")
	if ag.Status != agents.StatusAvailable {
		t.Fatalf("agent must stay available until the leg answers, got %s", ag.Status)
	}
	if !f.res.Held("a1") {
		t.Fatalf("agent should stay reserved while the leg rings")
	}

	if err := f.sel.Confirm(context.Background(), req, a); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	ag, _ = f.svc.Get(context.Background(), "a1")
	if ag.Status != agents.StatusBusy {
		t.Fatalf("expected busy after confirm, got %s", ag.Status)
	}
	if f.res.Held("a1") {
		t.Fatalf("reservation should be released after confirm")
	}
}

func TestSelect_FailedCandidateIsReleasedAndNextTried(t *testing.T) {
	f := newFixture(t,
		agents.Agent{ID: "a1", Extension: "PJSIP/1001"},
		agents.Agent{ID: "a2", Extension: "PJSIP/1002"},
	)
	f.cmd.FailNext("originate", errors.New("endpoint unavailable"))

	a, err := f.sel.Select(context.Background(), req)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if f.res.Held("a1") && a.AgentID != "a1" {
		t.Fatalf("failed candidate still reserved")
	}
	if got := len(f.cmd.Commands("bridge_destroy")); got != 1 {
		t.Fatalf("expected the failed candidate's bridge destroyed, got %d", got)
	}
	if got := len(f.cmd.Commands("originate")); got != 2 {
		t.Fatalf("expected two originate attempts, got %d", got)
	}
}

func TestSelect_NoAgent(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sel.Select(context.Background(), req); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected ErrNoAgent, got %v", err)
	}
	if n := len(f.cmd.Commands("")); n != 0 {
		t.Fatalf("expected no platform commands, got %d", n)
	}
}

func TestSelect_ReservedAgentSkipped(t *testing.T) {
	f := newFixture(t, agents.Agent{ID: "a1", Extension: "PJSIP/1001", BridgeID: "br-a1"})
	if ok, _ := f.res.Reserve(context.Background(), "a1", "other-call"); !ok {
		t.Fatalf("pre-reserve failed")
	}
	if _, err := f.sel.Select(context.Background(), req); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected ErrNoAgent, got %v", err)
	}
}

func TestAbandon_KeepsPersistentBridge(t *testing.T) {
	f := newFixture(t)
	f.sel.Abandon(context.Background(), Assignment{Path: PathWarmBridge, AgentID: "a1", BridgeID: "br-a1", Token: "k1"})
	if n := len(f.cmd.Commands("bridge_destroy")); n != 0 {
		t.Fatalf("persistent bridge destroyed")
	}
}
