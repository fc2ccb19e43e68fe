package rfid

import (
	"context"
	"time"
)

// CardAccessYears is how far into the future a card grant extends. Cards are
// granted on all doors from now until this many years out; revocation is an
// explicit delete, not an expiry.
const CardAccessYears = 25

// Board is the controller surface the worker needs. The production
// implementation speaks the UHPPOTE UDP protocol; tests substitute a fake.
type Board interface {
	// PutCard grants a card on all doors for the given validity window.
	PutCard(ctx context.Context, card uint32, start, end time.Time) error

	// DeleteCard revokes a card.
	DeleteCard(ctx context.Context, card uint32) error

	// SetTime sets the controller clock and returns the time the board
	// acknowledged.
	SetTime(ctx context.Context, t time.Time) (time.Time, error)

	// GetTime reads the controller clock.
	GetTime(ctx context.Context) (time.Time, error)
}
