// Package store provides Store implementations.
package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/warp/points-redemption/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	users       map[ledger.UserID]ledger.User
	byEmail     map[string]ledger.UserID
	actions     map[ledger.UserID][]ledger.Entry
	redemptions map[ledger.RedemptionID]ledger.Redemption
	nextEntryID int64
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		users:       make(map[ledger.UserID]ledger.User),
		byEmail:     make(map[string]ledger.UserID),
		actions:     make(map[ledger.UserID][]ledger.Entry),
		redemptions: make(map[ledger.RedemptionID]ledger.Redemption),
	}
}

func (m *Memory) GetUser(_ context.Context, email string) (ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return ledger.User{}, ledger.ErrUserNotFound
	}
	return cloneUser(m.users[id]), nil
}

func (m *Memory) GetUserByID(_ context.Context, id ledger.UserID) (ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return ledger.User{}, ledger.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (m *Memory) SaveUser(_ context.Context, u ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if other, ok := m.byEmail[u.Email]; ok && other != u.ID {
		return ledger.ErrDuplicateUser
	}
	if prev, ok := m.users[u.ID]; ok && prev.Email != u.Email {
		delete(m.byEmail, prev.Email)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = cloneUser(u)
	m.byEmail[u.Email] = u.ID
	return nil
}

func (m *Memory) ListUsers(_ context.Context) ([]ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (m *Memory) Actions(_ context.Context, id ledger.UserID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.Entry(nil), m.actions[id]...), nil
}

func (m *Memory) Redemptions(_ context.Context, id ledger.UserID) ([]ledger.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.redemptionsLocked(id, m.redemptions, nil), nil
}

func (m *Memory) StaleRedemptions(_ context.Context, states []ledger.RedemptionState, cutoff time.Time) ([]ledger.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[ledger.RedemptionState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	var out []ledger.Redemption
	for _, r := range m.redemptions {
		if want[r.State] && r.UpdatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// WithUserTx stages every write on copies and applies them only when fn
// returns nil.
func (m *Memory) WithUserTx(ctx context.Context, id ledger.UserID, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ledger.ErrUserNotFound
	}
	tx := &memTx{
		parent:      m,
		user:        cloneUser(u),
		redemptions: make(map[ledger.RedemptionID]ledger.Redemption),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit
	m.users[id] = tx.user
	for _, e := range tx.entries {
		m.nextEntryID++
		e.ID = m.nextEntryID
		m.actions[id] = append(m.actions[id], e)
	}
	for rid, r := range tx.redemptions {
		m.redemptions[rid] = r
	}
	return nil
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[ledger.UserID]ledger.User)
	m.byEmail = make(map[string]ledger.UserID)
	m.actions = make(map[ledger.UserID][]ledger.Entry)
	m.redemptions = make(map[ledger.RedemptionID]ledger.Redemption)
	m.nextEntryID = 0
	return nil
}

// redemptionsLocked merges committed records with staged ones (staged wins)
// and returns the user's records newest first.
func (m *Memory) redemptionsLocked(id ledger.UserID, committed, staged map[ledger.RedemptionID]ledger.Redemption) []ledger.Redemption {
	merged := make(map[ledger.RedemptionID]ledger.Redemption)
	for rid, r := range committed {
		if r.UserID == id {
			merged[rid] = r
		}
	}
	for rid, r := range staged {
		merged[rid] = r
	}
	out := make([]ledger.Redemption, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// =============================================================================
// MEMORY TX
// =============================================================================

type memTx struct {
	parent      *Memory
	user        ledger.User
	entries     []ledger.Entry
	redemptions map[ledger.RedemptionID]ledger.Redemption
}

func (t *memTx) User(_ context.Context) (ledger.User, error) {
	return cloneUser(t.user), nil
}

func (t *memTx) TryDebit(_ context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}
	if t.user.Points < amount {
		return 0, &ledger.InsufficientBalanceError{
			UserID:    t.user.ID,
			Available: t.user.Points,
			Requested: amount,
		}
	}
	t.user.Points -= amount
	return t.user.Points, nil
}

func (t *memTx) Credit(_ context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}
	if amount > math.MaxInt64-t.user.Points {
		return 0, ledger.ErrBalanceOverflow
	}
	t.user.Points += amount
	return t.user.Points, nil
}

func (t *memTx) RecordAction(_ context.Context, kind ledger.ActionKind, delta int64) error {
	t.entries = append(t.entries, ledger.Entry{
		UserID:    t.user.ID,
		Kind:      kind,
		Delta:     delta,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// Actions reads committed entries directly; WithUserTx holds the write lock.
func (t *memTx) Actions(_ context.Context) ([]ledger.Entry, error) {
	out := append([]ledger.Entry(nil), t.parent.actions[t.user.ID]...)
	return append(out, t.entries...), nil
}

func (t *memTx) SetActiveReward(_ context.Context, code ledger.RewardCode) error {
	if !code.Valid() {
		return ledger.ErrIncompleteReward
	}
	t.user.ActiveReward = &code
	return nil
}

func (t *memTx) ClearActiveReward(_ context.Context) error {
	t.user.ActiveReward = nil
	return nil
}

func (t *memTx) SetMilestoneRedemptions(_ context.Context, m ledger.MilestoneRedemptions) error {
	t.user.MilestoneRedemptions = cloneUser(ledger.User{MilestoneRedemptions: m}).MilestoneRedemptions
	return nil
}

func (t *memTx) SaveRedemption(_ context.Context, r ledger.Redemption) error {
	r.UserID = t.user.ID
	t.redemptions[r.ID] = r
	return nil
}

func (t *memTx) Redemption(_ context.Context, id ledger.RedemptionID) (ledger.Redemption, error) {
	if r, ok := t.redemptions[id]; ok {
		return r, nil
	}
	if r, ok := t.parent.redemptions[id]; ok && r.UserID == t.user.ID {
		return r, nil
	}
	return ledger.Redemption{}, ledger.ErrRedemptionNotFound
}

func (t *memTx) OpenRedemptions(_ context.Context) ([]ledger.Redemption, error) {
	var out []ledger.Redemption
	for _, r := range t.parent.redemptionsLocked(t.user.ID, t.parent.redemptions, t.redemptions) {
		if r.State.IsOpen() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) RedemptionByRewardID(_ context.Context, rewardID string) (ledger.Redemption, error) {
	for _, r := range t.parent.redemptionsLocked(t.user.ID, t.parent.redemptions, t.redemptions) {
		if r.Reward.RewardID == rewardID {
			return r, nil
		}
	}
	return ledger.Redemption{}, ledger.ErrRedemptionNotFound
}

func cloneUser(u ledger.User) ledger.User {
	if u.ActiveReward != nil {
		code := *u.ActiveReward
		u.ActiveReward = &code
	}
	if u.MilestoneRedemptions != nil {
		m := make(ledger.MilestoneRedemptions, len(u.MilestoneRedemptions))
		for k, v := range u.MilestoneRedemptions {
			m[k] = v
		}
		u.MilestoneRedemptions = m
	}
	return u
}
