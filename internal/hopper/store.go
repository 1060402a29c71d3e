package hopper

import (
	"context"
	"errors"
)

var (
	ErrInvalidArgument = errors.New("hopper: invalid argument")
	// ErrStoreUnavailable wraps any backend failure; callers fail closed on it.
	ErrStoreUnavailable = errors.New("hopper: store unavailable")
	ErrLeaseNotFound    = errors.New("hopper: lease not found")
)

// Store is the lease queue contract. Every operation is atomic with respect to concurrent
// callers in this and other processes.
//
// Mark*, Release and Renew return true when they changed the lease and false when the
// lease was already in that state or a later one, or when the caller no longer holds it
// (the lease was reclaimed and handed to someone else).
type Store interface {
	// Enqueue inserts leads as new, skipping any lead already queued or leased for the
	// campaign. It returns how many were inserted.
	Enqueue(ctx context.Context, campaignID string, leads []Lead) (int, error)
	// LeasePop removes up to count new leads ordered by (priority desc, enqueue order asc)
	// and marks them leased by owner. It never blocks.
	LeasePop(ctx context.Context, campaignID string, count int, owner string) ([]LeadLease, error)

	MarkDialing(ctx context.Context, lease LeadLease) (bool, error)
	MarkCompleted(ctx context.Context, lease LeadLease) (bool, error)
	MarkDropped(ctx context.Context, lease LeadLease) (bool, error)
	MarkFailed(ctx context.Context, lease LeadLease) (bool, error)

	// Release hands a leased, not yet dialed lead back to the queue.
	Release(ctx context.Context, lease LeadLease) (bool, error)
	// Renew refreshes the age of an active lease so a long answered call is not reclaimed.
	Renew(ctx context.Context, lease LeadLease) (bool, error)

	// ReclaimStale resets leases older than their state's timeout to new and clears the owner.
	ReclaimStale(ctx context.Context, campaignID string, timeouts ReclaimTimeouts) (int, error)

	Stats(ctx context.Context, campaignID string) (Stats, error)
}

func validateLease(l LeadLease) error {
	if l.CampaignID == "" || l.LeadID == "" {
		return ErrInvalidArgument
	}
	return nil
}

func validateTimeouts(t ReclaimTimeouts) error {
	if t.Dialing <= 0 || t.Leased <= 0 {
		return ErrInvalidArgument
	}
	return nil
}
