package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildpay/buildpay/internal/shared"
)

// ErrNotFound indicates that the user has no role assignment.
var ErrNotFound = errors.New("rbac: not found")

// RoleStore loads the role assigned to a user.
type RoleStore interface {
	UserRole(ctx context.Context, userID int64) (string, error)
}

// Service resolves actors and their permissions.
type Service struct {
	store RoleStore
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{store: pgRoleStore{pool: pool}}
}

// NewServiceWithStore constructs a Service over an arbitrary store.
func NewServiceWithStore(store RoleStore) *Service {
	return &Service{store: store}
}

// Resolve builds the Actor for userID.
func (s *Service) Resolve(ctx context.Context, userID int64) (shared.Actor, error) {
	raw, err := s.store.UserRole(ctx, userID)
	if err != nil {
		return shared.Actor{}, err
	}
	role, err := shared.ParseRole(raw)
	if err != nil {
		return shared.Actor{}, fmt.Errorf("rbac: user %d: %w", userID, err)
	}
	return shared.Actor{UserID: userID, Role: role}, nil
}


type pgRoleStore struct {
	pool *pgxpool.Pool
}

func (s pgRoleStore) UserRole(ctx context.Context, userID int64) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx, `SELECT role FROM user_roles WHERE user_id = $1`, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return role, nil
}
