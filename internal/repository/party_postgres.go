package repository

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/heraldmail/herald/internal/domain"
)

// PartyRepository implements domain.PartyDirectory over the parties and
// party_members tables.
type PartyRepository struct {
	db *sql.DB
}

// NewPartyRepository creates a new PartyRepository
func NewPartyRepository(db *sql.DB) domain.PartyDirectory {
	return &PartyRepository{db: db}
}

// Resolve returns the party for an id.
func (r *PartyRepository) Resolve(ctx context.Context, id int64) (*domain.Party, error) {
	query, args, err := psql.
		Select("id", "name", "email", "is_group").
		From("parties").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var party domain.Party
	var email sql.NullString
	var isGroup bool
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&party.ID, &party.Name, &email, &isGroup)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &domain.ErrNotFound{Entity: "party", ID: fmt.Sprintf("%d", id)}
		}
		return nil, fmt.Errorf("failed to resolve party: %w", err)
	}

	if email.Valid {
		party.Email = &email.String
	}
	party.Kind = domain.PartyKindIndividual
	if isGroup {
		party.Kind = domain.PartyKindGroup
	}

	return &party, nil
}

// MembersOf enumerates the approved members of a group. Non-groups and
// empty groups yield an empty slice.
func (r *PartyRepository) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	query, args, err := psql.
		Select("member_id").
		From("party_members").
		Where(sq.Eq{"group_id": groupID, "approved": true}).
		OrderBy("member_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query group members: %w", err)
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, id)
	}

	return members, rows.Err()
}
