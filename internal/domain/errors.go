package domain

import "fmt"

// ValidationError rejects an operation before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// AuthorizationError indicates the actor's role may not perform the action.
type AuthorizationError struct {
	Role   Role
	Action string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}
