package rebate

// Status is the lifecycle state of a Config.
//
//	pending --activate--> active --expire--> expired
//
// No other move exists. An expired record is never resurrected and a
// pending record never expires without having been active.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusActive || s == StatusExpired
}

// CanTransitionTo reports whether s -> next is a legal move.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusActive
	case StatusActive:
		return next == StatusExpired
	default:
		return false
	}
}

// Transition moves c to next. Expiring sets ExpiryDate to at; activating
// leaves the dates alone.
func (c *Config) Transition(next Status, at Date) error {
	if !c.Status.CanTransitionTo(next) {
		return &TransitionError{ConfigID: c.ID, From: c.Status, To: next}
	}
	if next == StatusExpired {
		expiry := at
		c.ExpiryDate = &expiry
	}
	c.Status = next
	return nil
}
