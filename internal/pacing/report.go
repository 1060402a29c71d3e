package pacing

import (
	"fmt"
	"time"

	"outbound-dialer/internal/hopper"
)

// Status is the human-facing summary of one admission decision.
type Status struct {
	CampaignID  string       `json:"campaign_id"`
	GeneratedAt time.Time    `json:"generated_at"`
	DryRun      bool         `json:"dry_run"`
	Inputs      Inputs       `json:"inputs"`
	Decision    Decision     `json:"decision"`
	Hopper      hopper.Stats `json:"hopper"`
	Warnings    []string     `json:"warnings,omitempty"`
}

// lowAnswerRate is the answer rate below which a measured window is flagged.
const lowAnswerRate = 0.10

func Report(campaignID string, in Inputs, d Decision, h hopper.Stats, at time.Time) Status {
	s := Status{
		CampaignID:  campaignID,
		GeneratedAt: at.UTC(),
		Inputs:      in,
		Decision:    d,
		Hopper:      h,
	}
	if in.AbandonSamples > 0 && in.AbandonTarget > 0 && in.AbandonRate > in.AbandonTarget {
		s.Warnings = append(s.Warnings, fmt.Sprintf("abandon rate %.2f%% is over target %.2f%%", in.AbandonRate, in.AbandonTarget))
	}
	if in.AgentsAvailable == 0 && in.AgentsWrapup == 0 {
		s.Warnings = append(s.Warnings, "no agents available")
	}
	if in.StatsSource != SourceDefaults && in.AnswerRate < lowAnswerRate {
		s.Warnings = append(s.Warnings, fmt.Sprintf("answer rate %.1f%% is unusually low", in.AnswerRate*100))
	}
	if h.New == 0 {
		s.Warnings = append(s.Warnings, "hopper is empty")
	}
	return s
}
