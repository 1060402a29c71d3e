package leads

import (
	"context"
	"time"

	"outbound-dialer/internal/hopper"
)

// Source adapts a Repository to the hopper's refill contract.
type Source struct {
	repo Repository
}

func NewSource(repo Repository) *Source { return &Source{repo: repo} }

var _ hopper.LeadSource = (*Source)(nil)

func (s *Source) ClaimEligible(ctx context.Context, req hopper.ClaimRequest) ([]hopper.Lead, error) {
	rows, err := s.repo.ClaimEligible(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]hopper.Lead, 0, len(rows))
	for _, l := range rows {
		out = append(out, hopper.Lead{ID: l.ID, PhoneNumber: l.PhoneNumber, Priority: l.Priority})
	}
	return out, nil
}

func (s *Source) ResetStaleLocks(ctx context.Context, campaignID string, lockedBefore time.Time) (int, error) {
	return s.repo.ResetStaleLocks(ctx, campaignID, lockedBefore)
}
