// Package access enforces project-level visibility.
package access

import (
	"context"
	"errors"
	"fmt"

	"tablero/api/internal/session"
)

var (
	// ErrInvalidProjectID means the project id was missing or non-positive.
	ErrInvalidProjectID = errors.New("project id must be a positive integer")
	// ErrNoTeam means the requester has no team association.
	ErrNoTeam = errors.New("requester has no team assigned")
	// ErrDenied means the visibility rule rejected the requester.
	ErrDenied = errors.New("access denied to project")
)

// ProjectStore answers the single visibility query: did the requester
// create the project, or does its creator belong to the requester's team.
type ProjectStore interface {
	ProjectAccessible(ctx context.Context, projectID, userID, teamID int64) (bool, error)
}

// Guard decides project access per request. It holds no cache: a user
// removed from a team loses access on their very next request.
type Guard struct {
	store ProjectStore
}

func NewGuard(store ProjectStore) *Guard {
	return &Guard{store: store}
}

// Check validates the project id, requires a team association, and then
// evaluates the visibility rule. The rule is deliberately coarse (team
// provenance of the creator, no per-project ACL) and is preserved as-is.
func (g *Guard) Check(ctx context.Context, projectID int64, requester session.User) error {
	if projectID <= 0 {
		return ErrInvalidProjectID
	}
	if requester.TeamID == nil {
		return ErrNoTeam
	}

	allowed, err := g.store.ProjectAccessible(ctx, projectID, requester.ID, *requester.TeamID)
	if err != nil {
		return fmt.Errorf("project access query: %w", err)
	}
	if !allowed {
		return ErrDenied
	}
	return nil
}
