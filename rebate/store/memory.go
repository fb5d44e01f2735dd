// Package store provides an in-memory rebate.TxStore.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/agentworks/rebate-engine/rebate"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a rebate.TxStore kept in maps behind a RWMutex.
// WithTx is simulated with a snapshot + rollback on error.
type Memory struct {
	mu    sync.RWMutex
	state *state
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

// Reset drops all data.
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newState()
	return nil
}

// WithTx runs fn with exclusive access. On error every write made through
// the Store passed to fn is discarded.
func (m *Memory) WithTx(ctx context.Context, fn func(rebate.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) InsertConfig(ctx context.Context, c rebate.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertConfig(ctx, c)
}

func (m *Memory) ExpireConfig(ctx context.Context, id rebate.ConfigID, expiry rebate.Date) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ExpireConfig(ctx, id, expiry)
}

func (m *Memory) ActivateConfig(ctx context.Context, id rebate.ConfigID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ActivateConfig(ctx, id)
}

func (m *Memory) GetConfig(ctx context.Context, id rebate.ConfigID) (*rebate.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetConfig(ctx, id)
}

func (m *Memory) ActiveConfig(ctx context.Context, key rebate.Key) (*rebate.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ActiveConfig(ctx, key)
}

func (m *Memory) ConfigByIdempotencyKey(ctx context.Context, idemKey string) (*rebate.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ConfigByIdempotencyKey(ctx, idemKey)
}

func (m *Memory) History(ctx context.Context, key rebate.Key, limit, offset int) ([]rebate.Config, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.History(ctx, key, limit, offset)
}

func (m *Memory) DuePending(ctx context.Context, key rebate.Key, asOf rebate.Date) ([]rebate.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.DuePending(ctx, key, asOf)
}

func (m *Memory) DuePendingKeys(ctx context.Context, asOf rebate.Date) ([]rebate.Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.DuePendingKeys(ctx, asOf)
}

func (m *Memory) SaveTalent(ctx context.Context, t rebate.Talent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveTalent(ctx, t)
}

func (m *Memory) GetTalent(ctx context.Context, oneID string, platform rebate.Platform) (*rebate.Talent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetTalent(ctx, oneID, platform)
}

func (m *Memory) ListAgencyTalents(ctx context.Context, agencyID string, platform rebate.Platform) ([]rebate.Talent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListAgencyTalents(ctx, agencyID, platform)
}

func (m *Memory) UpdateTalentRebate(ctx context.Context, oneID string, platform rebate.Platform, cur rebate.CurrentRebate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateTalentRebate(ctx, oneID, platform, cur)
}

func (m *Memory) SetTalentRebateMode(ctx context.Context, oneID string, platform rebate.Platform, mode rebate.RebateMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SetTalentRebateMode(ctx, oneID, platform, mode)
}

func (m *Memory) SaveAgency(ctx context.Context, a rebate.Agency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveAgency(ctx, a)
}

func (m *Memory) GetAgency(ctx context.Context, id string) (*rebate.Agency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetAgency(ctx, id)
}

func (m *Memory) UpdateAgencyBaseRebate(ctx context.Context, agencyID string, platform rebate.Platform, base rebate.BaseRebate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateAgencyBaseRebate(ctx, agencyID, platform, base)
}

func (m *Memory) SaveCustomerTalent(ctx context.Context, ct rebate.CustomerTalent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveCustomerTalent(ctx, ct)
}

func (m *Memory) GetCustomerTalent(ctx context.Context, customerID, oneID string, platform rebate.Platform) (*rebate.CustomerTalent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetCustomerTalent(ctx, customerID, oneID, platform)
}

// =============================================================================
// STATE - unlocked view, also handed to WithTx callbacks
// =============================================================================

type talentKey struct {
	OneID    string
	Platform rebate.Platform
}

type customerKey struct {
	CustomerID string
	OneID      string
	Platform   rebate.Platform
}

type state struct {
	configs   []rebate.Config // insertion order
	byID      map[rebate.ConfigID]int
	idemKeys  map[string]rebate.ConfigID
	talents   map[talentKey]rebate.Talent
	agencies  map[string]rebate.Agency
	customers map[customerKey]rebate.CustomerTalent
}

func newState() *state {
	return &state{
		byID:      make(map[rebate.ConfigID]int),
		idemKeys:  make(map[string]rebate.ConfigID),
		talents:   make(map[talentKey]rebate.Talent),
		agencies:  make(map[string]rebate.Agency),
		customers: make(map[customerKey]rebate.CustomerTalent),
	}
}

func (s *state) clone() *state {
	out := newState()
	out.configs = make([]rebate.Config, len(s.configs))
	for i, c := range s.configs {
		out.configs[i] = c.Clone()
	}
	for k, v := range s.byID {
		out.byID[k] = v
	}
	for k, v := range s.idemKeys {
		out.idemKeys[k] = v
	}
	for k, v := range s.talents {
		out.talents[k] = cloneTalent(v)
	}
	for k, v := range s.agencies {
		out.agencies[k] = cloneAgency(v)
	}
	for k, v := range s.customers {
		out.customers[k] = cloneCustomer(v)
	}
	return out
}

// Ledger

func (s *state) InsertConfig(_ context.Context, c rebate.Config) error {
	if _, exists := s.byID[c.ID]; exists {
		return rebate.ErrConcurrentModification
	}
	if c.IdempotencyKey != "" {
		if _, exists := s.idemKeys[c.IdempotencyKey]; exists {
			return rebate.ErrDuplicateIdempotencyKey
		}
	}
	if c.Status == rebate.StatusActive {
		if active := s.activeIndex(c.Key()); active >= 0 {
			return rebate.ErrConcurrentModification
		}
	}
	s.byID[c.ID] = len(s.configs)
	s.configs = append(s.configs, c.Clone())
	if c.IdempotencyKey != "" {
		s.idemKeys[c.IdempotencyKey] = c.ID
	}
	return nil
}

func (s *state) transition(id rebate.ConfigID, from, to rebate.Status, at rebate.Date) error {
	i, ok := s.byID[id]
	if !ok {
		return &rebate.NotFoundError{Kind: "config", ID: string(id)}
	}
	c := &s.configs[i]
	if c.Status != from {
		return rebate.ErrConcurrentModification
	}
	return c.Transition(to, at)
}

func (s *state) ExpireConfig(_ context.Context, id rebate.ConfigID, expiry rebate.Date) error {
	return s.transition(id, rebate.StatusActive, rebate.StatusExpired, expiry)
}

func (s *state) ActivateConfig(_ context.Context, id rebate.ConfigID) error {
	i, ok := s.byID[id]
	if !ok {
		return &rebate.NotFoundError{Kind: "config", ID: string(id)}
	}
	if s.activeIndex(s.configs[i].Key()) >= 0 {
		return rebate.ErrConcurrentModification
	}
	return s.transition(id, rebate.StatusPending, rebate.StatusActive, s.configs[i].EffectiveDate)
}

func (s *state) GetConfig(_ context.Context, id rebate.ConfigID) (*rebate.Config, error) {
	i, ok := s.byID[id]
	if !ok {
		return nil, &rebate.NotFoundError{Kind: "config", ID: string(id)}
	}
	c := s.configs[i].Clone()
	return &c, nil
}

func (s *state) activeIndex(key rebate.Key) int {
	for i := range s.configs {
		if s.configs[i].Key() == key && s.configs[i].Status == rebate.StatusActive {
			return i
		}
	}
	return -1
}

func (s *state) ActiveConfig(_ context.Context, key rebate.Key) (*rebate.Config, error) {
	i := s.activeIndex(key)
	if i < 0 {
		return nil, nil
	}
	c := s.configs[i].Clone()
	return &c, nil
}

func (s *state) ConfigByIdempotencyKey(_ context.Context, idemKey string) (*rebate.Config, error) {
	id, ok := s.idemKeys[idemKey]
	if !ok {
		return nil, nil
	}
	c := s.configs[s.byID[id]].Clone()
	return &c, nil
}

func (s *state) History(_ context.Context, key rebate.Key, limit, offset int) ([]rebate.Config, int, error) {
	var matched []rebate.Config
	for i := len(s.configs) - 1; i >= 0; i-- {
		if s.configs[i].Key() == key {
			matched = append(matched, s.configs[i])
		}
	}
	// Insertion order already breaks ties; stable sort keeps it.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []rebate.Config{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]rebate.Config, 0, end-offset)
	for _, c := range matched[offset:end] {
		page = append(page, c.Clone())
	}
	return page, total, nil
}

func (s *state) DuePending(_ context.Context, key rebate.Key, asOf rebate.Date) ([]rebate.Config, error) {
	var due []rebate.Config
	for _, c := range s.configs {
		if c.Key() == key && c.Status == rebate.StatusPending && c.EffectiveDate.BeforeOrEqual(asOf) {
			due = append(due, c.Clone())
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].EffectiveDate.Before(due[j].EffectiveDate)
	})
	return due, nil
}

func (s *state) DuePendingKeys(_ context.Context, asOf rebate.Date) ([]rebate.Key, error) {
	seen := make(map[rebate.Key]bool)
	var keys []rebate.Key
	for _, c := range s.configs {
		if c.Status == rebate.StatusPending && c.EffectiveDate.BeforeOrEqual(asOf) && !seen[c.Key()] {
			seen[c.Key()] = true
			keys = append(keys, c.Key())
		}
	}
	return keys, nil
}

// Entities

func (s *state) SaveTalent(_ context.Context, t rebate.Talent) error {
	s.talents[talentKey{t.OneID, t.Platform}] = cloneTalent(t)
	return nil
}

func (s *state) GetTalent(_ context.Context, oneID string, platform rebate.Platform) (*rebate.Talent, error) {
	t, ok := s.talents[talentKey{oneID, platform}]
	if !ok {
		return nil, &rebate.NotFoundError{Kind: "talent", ID: oneID + "/" + string(platform)}
	}
	out := cloneTalent(t)
	return &out, nil
}

func (s *state) ListAgencyTalents(_ context.Context, agencyID string, platform rebate.Platform) ([]rebate.Talent, error) {
	var out []rebate.Talent
	for _, t := range s.talents {
		if t.AgencyID == agencyID && t.Platform == platform {
			out = append(out, cloneTalent(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OneID < out[j].OneID })
	return out, nil
}

func (s *state) UpdateTalentRebate(_ context.Context, oneID string, platform rebate.Platform, cur rebate.CurrentRebate) error {
	k := talentKey{oneID, platform}
	t, ok := s.talents[k]
	if !ok {
		return &rebate.NotFoundError{Kind: "talent", ID: oneID + "/" + string(platform)}
	}
	t.CurrentRebate = &cur
	s.talents[k] = t
	return nil
}

func (s *state) SetTalentRebateMode(_ context.Context, oneID string, platform rebate.Platform, mode rebate.RebateMode) error {
	k := talentKey{oneID, platform}
	t, ok := s.talents[k]
	if !ok {
		return &rebate.NotFoundError{Kind: "talent", ID: oneID + "/" + string(platform)}
	}
	t.RebateMode = mode
	s.talents[k] = t
	return nil
}

func (s *state) SaveAgency(_ context.Context, a rebate.Agency) error {
	s.agencies[a.ID] = cloneAgency(a)
	return nil
}

func (s *state) GetAgency(_ context.Context, id string) (*rebate.Agency, error) {
	a, ok := s.agencies[id]
	if !ok {
		return nil, &rebate.NotFoundError{Kind: "agency", ID: id}
	}
	out := cloneAgency(a)
	return &out, nil
}

func (s *state) UpdateAgencyBaseRebate(_ context.Context, agencyID string, platform rebate.Platform, base rebate.BaseRebate) error {
	a, ok := s.agencies[agencyID]
	if !ok {
		return &rebate.NotFoundError{Kind: "agency", ID: agencyID}
	}
	a = cloneAgency(a)
	a.BaseRebates[platform] = base
	s.agencies[agencyID] = a
	return nil
}

func (s *state) SaveCustomerTalent(_ context.Context, ct rebate.CustomerTalent) error {
	s.customers[customerKey{ct.CustomerID, ct.OneID, ct.Platform}] = cloneCustomer(ct)
	return nil
}

func (s *state) GetCustomerTalent(_ context.Context, customerID, oneID string, platform rebate.Platform) (*rebate.CustomerTalent, error) {
	ct, ok := s.customers[customerKey{customerID, oneID, platform}]
	if !ok {
		return nil, nil
	}
	out := cloneCustomer(ct)
	return &out, nil
}

func cloneTalent(t rebate.Talent) rebate.Talent {
	if t.CurrentRebate != nil {
		cur := *t.CurrentRebate
		t.CurrentRebate = &cur
	}
	return t
}

func cloneAgency(a rebate.Agency) rebate.Agency {
	bases := make(map[rebate.Platform]rebate.BaseRebate, len(a.BaseRebates))
	for p, b := range a.BaseRebates {
		bases[p] = b
	}
	a.BaseRebates = bases
	return a
}

func cloneCustomer(ct rebate.CustomerTalent) rebate.CustomerTalent {
	if ct.CustomerRebate != nil {
		cr := *ct.CustomerRebate
		ct.CustomerRebate = &cr
	}
	return ct
}

var (
	_ rebate.TxStore = (*Memory)(nil)
	_ rebate.Store   = (*state)(nil)
)
