/*
store.go - Persistence interfaces for the rebate ledger and its entities

PURPOSE:
  Defines the boundary between engine logic and the database. The engine
  only talks to these interfaces; store/sqlite and rebate/store (memory)
  implement them.

KEY INTERFACES:
  LedgerStore:  Versioned rebate configurations (insert + status CAS, no delete)
  EntityStore:  Talents, agencies and customer overlays, including the
                denormalized rate caches
  Store:        Both of the above
  TxStore:      Store with transactions (atomic multi-table writes)

COMPARE-AND-SWAP CONTRACT:
  ExpireConfig and ActivateConfig only succeed when the record is still in
  the status the caller read (active, resp. pending). Otherwise they return
  ErrConcurrentModification and write nothing. InsertConfig with
  Status=active returns ErrConcurrentModification if the key already has an
  active record. Together with WithTx this makes expire-old + insert-new
  linearizable per Key.

SEE ALSO:
  - engine.go: Uses TxStore
  - store/sqlite/sqlite.go: SQLite implementation
  - store/memory.go (package rebate/store): In-memory implementation
*/
package rebate

import (
	"context"

	"github.com/shopspring/decimal"
)

// LedgerStore persists rebate configurations.
// IMPORTANT: No Delete. Status flips are the only updates.
type LedgerStore interface {
	// InsertConfig appends a new record.
	InsertConfig(ctx context.Context, c Config) error

	// ExpireConfig moves an active record to expired with the given expiry date.
	ExpireConfig(ctx context.Context, id ConfigID, expiry Date) error

	// ActivateConfig moves a pending record to active.
	ActivateConfig(ctx context.Context, id ConfigID) error

	// GetConfig returns a record by id, or ErrNotFound.
	GetConfig(ctx context.Context, id ConfigID) (*Config, error)

	// ActiveConfig returns the active record for key, or nil if none.
	ActiveConfig(ctx context.Context, key Key) (*Config, error)

	// ConfigByIdempotencyKey returns the record created with idemKey, or nil.
	ConfigByIdempotencyKey(ctx context.Context, idemKey string) (*Config, error)

	// History returns records for key, newest first, plus the total count.
	History(ctx context.Context, key Key, limit, offset int) ([]Config, int, error)

	// DuePending returns pending records for key with EffectiveDate <= asOf,
	// oldest effective date first.
	DuePending(ctx context.Context, key Key, asOf Date) ([]Config, error)

	// DuePendingKeys lists every key that has a due pending record.
	DuePendingKeys(ctx context.Context, asOf Date) ([]Key, error)
}

// EntityStore persists talents, agencies and customer overlays.
type EntityStore interface {
	SaveTalent(ctx context.Context, t Talent) error
	// GetTalent returns ErrNotFound if the talent doesn't exist.
	GetTalent(ctx context.Context, oneID string, platform Platform) (*Talent, error)
	// ListAgencyTalents returns the agency's talents on platform, ordered by OneID.
	ListAgencyTalents(ctx context.Context, agencyID string, platform Platform) ([]Talent, error)
	UpdateTalentRebate(ctx context.Context, oneID string, platform Platform, cur CurrentRebate) error
	SetTalentRebateMode(ctx context.Context, oneID string, platform Platform, mode RebateMode) error

	SaveAgency(ctx context.Context, a Agency) error
	// GetAgency returns ErrNotFound if the agency doesn't exist.
	GetAgency(ctx context.Context, id string) (*Agency, error)
	UpdateAgencyBaseRebate(ctx context.Context, agencyID string, platform Platform, base BaseRebate) error

	SaveCustomerTalent(ctx context.Context, ct CustomerTalent) error
	// GetCustomerTalent returns nil, nil if no overlay exists.
	GetCustomerTalent(ctx context.Context, customerID, oneID string, platform Platform) (*CustomerTalent, error)
}

// Store combines ledger and entity persistence.
type Store interface {
	LedgerStore
	EntityStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store passed to fn
	// is rolled back. If fn returns nil, they are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// rateOf is a small helper for metadata and messages.
func rateOf(c *Config) *decimal.Decimal {
	if c == nil {
		return nil
	}
	r := c.Rate
	return &r
}
