package routing

import (
	"fmt"

	"relay/internal/identity"
)

// AlreadyInUseError is returned by Register when uid already has an open
// session.
type AlreadyInUseError struct {
	UserId identity.UserId
}

func (e *AlreadyInUseError) Error() string {
	return fmt.Sprintf("routing: user %q is already registered", e.UserId)
}
