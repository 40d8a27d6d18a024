package shared

import (
	"context"
	"fmt"
	"strings"
)

// Role is the coarse job function of a signed-in user.
type Role string

const (
	// RoleForeman submits billing requests from the field.
	RoleForeman Role = "foreman"
	// RoleReviewer is the project manager who approves or rejects requests.
	RoleReviewer Role = "reviewer"
	// RoleAdmin has every capability.
	RoleAdmin Role = "admin"
)

// ParseRole normalises a stored role name.
func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleForeman, RoleReviewer, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("shared: unknown role %q", raw)
	}
}

// Actor identifies who performs an operation. It is always passed explicitly.
type Actor struct {
	UserID int64
	Role   Role
}

// IsReviewer reports whether the actor may review other users' documents.
func (a Actor) IsReviewer() bool {
	return a.Role == RoleReviewer || a.Role == RoleAdmin
}

// Valid reports whether the actor identifies a user.
func (a Actor) Valid() bool {
	return a.UserID > 0 && a.Role != ""
}

type actorContextKey struct{}

// ContextWithActor stores the resolved actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor resolved by the auth middleware.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok && actor.Valid()
}
