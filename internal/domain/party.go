package domain

import "context"

// PartyKind distinguishes individuals from groups.
type PartyKind string

const (
	PartyKindIndividual PartyKind = "individual"
	PartyKindGroup      PartyKind = "group"
)

// Party is a directory entry. Email may be missing; recipients without an
// email are skipped by the delivery scan.
type Party struct {
	ID    int64     `json:"id"`
	Name  string    `json:"name"`
	Email *string   `json:"email,omitempty"`
	Kind  PartyKind `json:"kind"`
}

// PartyDirectory resolves party ids. It has no side effects; group
// membership is snapshotted at expansion time.
type PartyDirectory interface {
	// Resolve returns the party for an id.
	Resolve(ctx context.Context, id int64) (*Party, error)

	// MembersOf enumerates the approved individual members of a group.
	// Non-groups and empty groups yield an empty slice, not an error.
	MembersOf(ctx context.Context, groupID int64) ([]int64, error)
}
