package notify

import (
	"context"

	"roomsync/pkg/backend"
	"roomsync/pkg/models"
)

// Policy decides which queries back the role-dependent counters. Selected
// once at construction instead of branching on role strings throughout.
type Policy interface {
	PendingInvitations(ctx context.Context, store backend.RowStore, userID string) (int, error)
	RelevantApplications(ctx context.Context, store backend.RowStore, userID string) (int, error)
}

// ManagerPolicy counts the manager's inbound items: applications pending
// on their projects. No invitations are addressed to a manager, so that
// counter stays zero.
type ManagerPolicy struct{}

func (ManagerPolicy) PendingInvitations(ctx context.Context, store backend.RowStore, userID string) (int, error) {
	return 0, nil
}

func (ManagerPolicy) RelevantApplications(ctx context.Context, store backend.RowStore, userID string) (int, error) {
	return store.CountApplications(ctx, backend.ApplicationQuery{
		ManagerID: userID,
		Statuses:  []string{models.StatusPending},
	})
}

// SeekerPolicy counts invitations addressed to the seeker and their own
// applications whose status changed without being acknowledged yet.
type SeekerPolicy struct{}

func (SeekerPolicy) PendingInvitations(ctx context.Context, store backend.RowStore, userID string) (int, error) {
	return store.CountInvitations(ctx, backend.InvitationQuery{
		SeekerID: userID,
		Statuses: []string{models.StatusPending},
	})
}

func (SeekerPolicy) RelevantApplications(ctx context.Context, store backend.RowStore, userID string) (int, error) {
	return store.CountApplications(ctx, backend.ApplicationQuery{
		SeekerID:  userID,
		StatusNot: models.StatusPending,
		Unacked:   true,
	})
}

// PolicyFor returns the strategy matching the role.
func PolicyFor(role models.Role) Policy {
	if role == models.RoleManager {
		return ManagerPolicy{}
	}
	return SeekerPolicy{}
}
