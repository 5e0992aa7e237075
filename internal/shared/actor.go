package shared

import "context"

// Actor is the identity performing a mutation, as asserted by the
// upstream gateway. It is recorded verbatim in the audit trail.
type Actor struct {
	UID  string
	Role string
	Name string
}

// Valid reports whether the actor carries an identity.
func (a Actor) Valid() bool {
	return a.UID != ""
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
