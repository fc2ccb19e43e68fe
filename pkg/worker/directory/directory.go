package directory

import (
	"context"
	"errors"
	"time"
)

// ErrUserNotFound indicates no directory account matches the username.
var ErrUserNotFound = errors.New("user not found in directory")

// ErrUnavailable indicates the directory server could not be reached. The
// handler reattempts these; semantic failures like an unknown user are final.
var ErrUnavailable = errors.New("directory unavailable")

// Directory is the account surface the worker needs. The production
// implementation speaks LDAP; tests substitute a fake.
type Directory interface {
	// SetEnabled enables or disables a user account.
	SetEnabled(ctx context.Context, username string, enabled bool) error

	// Groups returns the names of the groups the user currently belongs to.
	Groups(ctx context.Context, username string) ([]string, error)

	// AddToGroup adds the user to a group.
	AddToGroup(ctx context.Context, username, group string) error

	// RemoveFromGroup removes the user from a group.
	RemoveFromGroup(ctx context.Context, username, group string) error

	// CurrentTime reads the directory server clock.
	CurrentTime(ctx context.Context) (time.Time, error)
}
