package auth

import "context"

// SystemActor is the recorded identity for transitions the engine applies on
// its own, as opposed to an explicit operator action.
const SystemActor = "System (Auto)"

type contextKey string

const actorKey contextKey = "actor"

// Actor is the authenticated user performing an action. Display is what
// lands in performed_by / entered_by / status_updated_by fields.
type Actor struct {
	ID      string
	Display string
	Roles   []string
}

// System returns the sentinel actor for engine-triggered transitions.
func System() Actor {
	return Actor{ID: "system", Display: SystemActor}
}

// WithActor returns a context carrying the given actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the acting user, or the system sentinel when the
// context carries none (background recomputation paths).
func ActorFromContext(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey).(Actor); ok && a.Display != "" {
		return a
	}
	return System()
}

// HasRole reports whether the actor holds the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}
