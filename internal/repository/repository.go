// Package repository persists registration offers and participants.
// Two stores implement it: PostgresStore on pgx, and MemoryStore for tests
// and single-process deployments.
package repository

import (
	"context"
	"errors"

	"github.com/Shivanand-hulikatti/offer-engine/internal/model"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrExists is returned when creating a resource whose id is taken.
var ErrExists = errors.New("already exists")

// Store runs units of work. Usage counters read inside fn stay valid until
// fn returns: PostgresStore holds row locks, MemoryStore a store-wide lock.
// An error returned by fn discards the writes of a PostgresStore
// transaction; MemoryStore writes are applied in place, so callers mutate
// only after every check passed.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of operations available inside a unit of work. Every
// aggregate is loaded once per Tx, so an offer and a participant loaded in
// the same Tx share their *FlagOffer values.
type Tx interface {
	model.UsageCounter

	// LockOffer loads the offer and locks the usage counters of the offer
	// and of every flag offer reachable from it. Counters of already loaded
	// values are refreshed.
	LockOffer(ctx context.Context, id string) (*model.RegistrationOffer, error)
	// LockOffers locks several offers at once and returns them in argument
	// order. Offer rows are locked before any flag offer row.
	LockOffers(ctx context.Context, ids ...string) ([]*model.RegistrationOffer, error)
	GetOffer(ctx context.Context, id string) (*model.RegistrationOffer, error)
	ListOfferIDs(ctx context.Context) ([]string, error)
	// SaveOffer upserts the configuration of an offer. Usage counters are
	// written on insert only.
	SaveOffer(ctx context.Context, o *model.RegistrationOffer) error
	// SaveUsage writes the counters of the offer and of its expanded flag
	// offers.
	SaveUsage(ctx context.Context, o *model.RegistrationOffer) error

	GetParticipant(ctx context.Context, id string) (*model.Participant, error)
	SaveParticipant(ctx context.Context, p *model.Participant) error
	FindParticipantsByOffer(ctx context.Context, offerID string, includeDeleted bool) ([]*model.Participant, error)
	// ActiveEventIDsForContact returns the events on which the contact
	// holds a participant that is not deleted.
	ActiveEventIDsForContact(ctx context.Context, contactID string) (map[string]bool, error)
}
