/*
Package rebate provides the rebate (commission) versioning and resolution engine.

PURPOSE:
  Decides which commission percentage applies to a (talent, platform) pair,
  records every change in an append-only ledger of versioned configurations,
  and pushes agency-level rates down to talents that track their agency.

KEY CONCEPTS IN THIS FILE (types.go):
  - Config: One ledger entry (a versioned rebate configuration)
  - Key: The (target type, target id, platform) lineage a Config belongs to
  - Talent / Agency / CustomerTalent: Entities read and cached by the engine
  - CurrentRebate / BaseRebate: Denormalized caches of the active Config

LEDGER RULES:
  1. A Config is created on every rate-changing operation
  2. A Config is never edited, only moved pending->active or active->expired
  3. At most one active Config per Key, at every point in time
  4. Talent.CurrentRebate and Agency.BaseRebates mirror the active Config and
     are only written by the engine, inside the transaction that writes the ledger

USAGE:
  rate, err := rebate.ParseRate("15.00")
  engine := rebate.NewEngine(store)
  res, err := engine.ApplyRateChange(ctx, rebate.ChangeRequest{
      TargetType: rebate.TargetTalent,
      TargetID:   "kol-001",
      Platform:   rebate.PlatformDouyin,
      RawRate:    "15.00",
      EffectType: rebate.EffectImmediate,
  })

SEE ALSO:
  - engine.go: Transition engine
  - sync.go: Agency-to-talent propagation
  - resolve.go: Effective rate resolution
  - store.go: Persistence interfaces
*/
package rebate

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENUMERATIONS
// =============================================================================

// TargetType is the kind of entity a rebate configuration applies to.
type TargetType string

const (
	TargetTalent TargetType = "talent"
	TargetAgency TargetType = "agency"
)

func (t TargetType) Valid() bool {
	return t == TargetTalent || t == TargetAgency
}

// Platform is a supported publishing platform.
type Platform string

const (
	PlatformDouyin      Platform = "douyin"
	PlatformXiaohongshu Platform = "xiaohongshu"
	PlatformBilibili    Platform = "bilibili"
	PlatformKuaishou    Platform = "kuaishou"
	PlatformWeixin      Platform = "weixin"
	PlatformWeibo       Platform = "weibo"
)

// Platforms lists every supported platform in display order.
var Platforms = []Platform{
	PlatformDouyin,
	PlatformXiaohongshu,
	PlatformBilibili,
	PlatformKuaishou,
	PlatformWeixin,
	PlatformWeibo,
}

func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

// EffectType says when a new rate takes effect.
type EffectType string

const (
	EffectImmediate       EffectType = "immediate"
	EffectNextCooperation EffectType = "next_cooperation"
)

func (e EffectType) Valid() bool {
	return e == EffectImmediate || e == EffectNextCooperation
}

// RebateMode says whether a talent's rate tracks its agency.
type RebateMode string

const (
	ModeSync        RebateMode = "sync"
	ModeIndependent RebateMode = "independent"
)

func (m RebateMode) Valid() bool {
	return m == ModeSync || m == ModeIndependent
}

// Source tags where a resolved rate came from.
type Source string

const (
	SourceCustomer Source = "customer"
	SourceAgency   Source = "agency"
	SourcePersonal Source = "personal"
	SourceDefault  Source = "default"
)

// =============================================================================
// BUSINESS DEFAULTS
// =============================================================================

// IndividualAgencyID marks a talent that belongs to no agency.
const IndividualAgencyID = "individual"

// DefaultRate applies when neither the talent nor its agency was ever configured.
var DefaultRate = decimal.RequireFromString("10.00")

// IsIndependentAgency reports whether agencyID means "no agency".
func IsIndependentAgency(agencyID string) bool {
	return agencyID == "" || agencyID == IndividualAgencyID
}

// EffectiveMode returns the rebate mode that applies to t.
// Talents without an agency are always independent; agency talents with no
// stored mode track their agency.
func EffectiveMode(t Talent) RebateMode {
	if IsIndependentAgency(t.AgencyID) {
		return ModeIndependent
	}
	if t.RebateMode == "" {
		return ModeSync
	}
	return t.RebateMode
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type ConfigID string

// Key identifies one configuration lineage.
type Key struct {
	TargetType TargetType
	TargetID   string
	Platform   Platform
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.TargetType, k.TargetID, k.Platform)
}

// Config is a versioned rebate configuration. It is append-only: the only
// permitted mutations go through Transition.
type Config struct {
	ID             ConfigID
	TargetType     TargetType
	TargetID       string
	Platform       Platform
	Rate           decimal.Decimal
	EffectType     EffectType
	EffectiveDate  Date
	ExpiryDate     *Date // nil while pending or active
	Status         Status
	CreatedBy      string
	CreatedAt      time.Time
	IdempotencyKey string
	Metadata       map[string]any
}

func (c Config) Key() Key {
	return Key{TargetType: c.TargetType, TargetID: c.TargetID, Platform: c.Platform}
}

// Clone returns a copy that shares no mutable state with c.
func (c Config) Clone() Config {
	out := c
	if c.ExpiryDate != nil {
		d := *c.ExpiryDate
		out.ExpiryDate = &d
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// =============================================================================
// ENTITIES
// =============================================================================

// CurrentRebate mirrors the talent's active configuration.
type CurrentRebate struct {
	Rate          decimal.Decimal
	Source        Source
	EffectiveDate Date
	LastUpdated   time.Time
}

// Talent is identified by (OneID, Platform).
type Talent struct {
	OneID         string
	Platform      Platform
	Name          string
	AgencyID      string
	RebateMode    RebateMode // empty means unset
	CurrentRebate *CurrentRebate
}

// BaseRebate mirrors an agency's active configuration for one platform.
type BaseRebate struct {
	Rate          decimal.Decimal
	EffectiveDate Date
	UpdatedAt     time.Time
}

type Agency struct {
	ID          string
	Name        string
	BaseRebates map[Platform]BaseRebate
}

// CustomerRebate is a customer-specific override.
type CustomerRebate struct {
	Enabled bool
	Rate    decimal.Decimal
}

const CustomerTalentActive = "active"

// CustomerTalent links a customer to a talent on one platform. It never
// alters the talent's own ledger.
type CustomerTalent struct {
	CustomerID     string
	OneID          string
	Platform       Platform
	Status         string
	CustomerRebate *CustomerRebate
}

// Override returns the customer rate if the overlay is active and enabled.
func (ct CustomerTalent) Override() (decimal.Decimal, bool) {
	if ct.Status != CustomerTalentActive || ct.CustomerRebate == nil || !ct.CustomerRebate.Enabled {
		return decimal.Zero, false
	}
	return ct.CustomerRebate.Rate, true
}
