/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists users, the append-only action log and redemption saga records.
  In production the same patterns apply to PostgreSQL with only minor
  dialect differences (RETURNING, partial indexes are both portable).

KEY TABLES:
  users:       balance, referral count, active reward pair, milestone map
  actions:     immutable log of point-affecting actions
  redemptions: one row per redeem / milestone saga

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on actions
  - No DELETE statements on actions (Reset excepted, dev only)

INVARIANTS ENFORCED BY SCHEMA:
  - points >= 0 (CHECK), so a racing debit can never go negative
  - active_reward_code / active_reward_id are NULL together (CHECK)
  - at most one live milestone redemption per (user, threshold)

MILESTONE MAP:
  milestone_redemptions_json is the only place the typed
  ledger.MilestoneRedemptions map is encoded; callers never see the text.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single open connection, so
  a user transaction sees a consistent row. With PostgreSQL, row locks
  (SELECT ... FOR UPDATE) take over this role.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/points-redemption/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and a single
	// writer keeps each user transaction serialized.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Users (created externally, mutated only by redemption flows)
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		referral_count INTEGER NOT NULL DEFAULT 0 CHECK (referral_count >= 0),
		active_reward_code TEXT,
		active_reward_id TEXT,
		milestone_redemptions_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		CHECK ((active_reward_code IS NULL) = (active_reward_id IS NULL))
	);

	-- Actions (append-only ledger)
	CREATE TABLE IF NOT EXISTS actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES users(id),
		action_kind TEXT NOT NULL,
		points_delta INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_actions_user
		ON actions(user_id, id);

	-- Redemptions (saga records)
	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		kind TEXT NOT NULL,
		points INTEGER NOT NULL DEFAULT 0,
		threshold INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		reward_code TEXT,
		reward_id TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_user
		ON redemptions(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_redemptions_state_updated
		ON redemptions(state, updated_at);
	CREATE INDEX IF NOT EXISTS idx_redemptions_reward
		ON redemptions(reward_id) WHERE reward_id IS NOT NULL;

	-- A milestone can be in flight or issued at most once per user
	CREATE UNIQUE INDEX IF NOT EXISTS idx_redemptions_live_milestone
		ON redemptions(user_id, threshold)
		WHERE threshold > 0 AND state IN ('requested', 'debited', 'issued', 'committed');
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// USERS
// =============================================================================

const userColumns = `id, email, points, referral_count, active_reward_code, active_reward_id,
	milestone_redemptions_json, created_at`

// GetUser retrieves a user by email.
func (s *Store) GetUser(ctx context.Context, email string) (ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = ?", email))
}

// GetUserByID retrieves a user by id.
func (s *Store) GetUserByID(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getUserByID(ctx, s.db, id)
}

func getUserByID(ctx context.Context, q queryer, id ledger.UserID) (ledger.User, error) {
	return scanUser(q.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ?", id))
}

// SaveUser creates or replaces a user.
func (s *Store) SaveUser(ctx context.Context, u ledger.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	milestones, err := encodeMilestones(u.MilestoneRedemptions)
	if err != nil {
		return err
	}
	code, rewardID := rewardColumns(u.ActiveReward)
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO users (id, email, points, referral_count, active_reward_code, active_reward_id,
		                   milestone_redemptions_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			points = excluded.points,
			referral_count = excluded.referral_count,
			active_reward_code = excluded.active_reward_code,
			active_reward_id = excluded.active_reward_id,
			milestone_redemptions_json = excluded.milestone_redemptions_json
	`
	_, err = s.db.ExecContext(ctx, query,
		u.ID, u.Email, u.Points, u.ReferralCount, code, rewardID, milestones,
		formatTime(createdAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateUser
	}
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// ListUsers returns all users ordered by email.
func (s *Store) ListUsers(ctx context.Context) ([]ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY email")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []ledger.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (ledger.User, error) {
	var (
		u          ledger.User
		code, rid  sql.NullString
		milestones string
		createdAt  string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Points, &u.ReferralCount, &code, &rid, &milestones, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.User{}, ledger.ErrUserNotFound
	}
	if err != nil {
		return ledger.User{}, fmt.Errorf("failed to scan user: %w", err)
	}
	if code.Valid && rid.Valid {
		u.ActiveReward = &ledger.RewardCode{Code: code.String, RewardID: rid.String}
	}
	if u.MilestoneRedemptions, err = decodeMilestones(milestones); err != nil {
		return ledger.User{}, err
	}
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

// =============================================================================
// ACTIONS
// =============================================================================

// Actions returns a user's entries in insertion order.
func (s *Store) Actions(ctx context.Context, id ledger.UserID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryActions(ctx, s.db, id)
}

func queryActions(ctx context.Context, q queryer, id ledger.UserID) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, action_kind, points_delta, created_at
		FROM actions
		WHERE user_id = ?
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load actions: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Delta, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

const redemptionColumns = `id, user_id, kind, points, threshold, state, reward_code, reward_id,
	error, created_at, updated_at`

// Redemptions returns a user's redemptions, newest first.
func (s *Store) Redemptions(ctx context.Context, id ledger.UserID) ([]ledger.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryRedemptions(ctx, s.db,
		"SELECT "+redemptionColumns+" FROM redemptions WHERE user_id = ? ORDER BY created_at DESC, id DESC", id)
}

// StaleRedemptions returns redemptions in states last updated before cutoff.
func (s *Store) StaleRedemptions(ctx context.Context, states []ledger.RedemptionState, cutoff time.Time) ([]ledger.Redemption, error) {
	if len(states) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	args := make([]any, 0, len(states)+1)
	for _, st := range states {
		args = append(args, string(st))
	}
	args = append(args, formatTime(cutoff))

	query := "SELECT " + redemptionColumns + " FROM redemptions WHERE state IN (" + placeholders +
		") AND updated_at < ? ORDER BY updated_at ASC"
	return queryRedemptions(ctx, s.db, query, args...)
}

func queryRedemptions(ctx context.Context, q queryer, query string, args ...any) ([]ledger.Redemption, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemptions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRedemption(row rowScanner) (ledger.Redemption, error) {
	var (
		r                    ledger.Redemption
		code, rid, errText   sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Kind, &r.Points, &r.Threshold, &r.State,
		&code, &rid, &errText, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Redemption{}, ledger.ErrRedemptionNotFound
	}
	if err != nil {
		return ledger.Redemption{}, fmt.Errorf("failed to scan redemption: %w", err)
	}
	r.Reward = ledger.RewardCode{Code: code.String, RewardID: rid.String}
	r.Error = errText.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// =============================================================================
// USER TRANSACTION (ledger.Store.WithUserTx)
// =============================================================================

// WithUserTx executes fn within a database transaction scoped to one user.
func (s *Store) WithUserTx(ctx context.Context, id ledger.UserID, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var exists int
	err = sqlTx.QueryRowContext(ctx, "SELECT 1 FROM users WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}

	if err := fn(&txStore{tx: sqlTx, userID: id}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx     *sql.Tx
	userID ledger.UserID
}

func (ts *txStore) User(ctx context.Context) (ledger.User, error) {
	return getUserByID(ctx, ts.tx, ts.userID)
}

func (ts *txStore) TryDebit(ctx context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}
	res, err := ts.tx.ExecContext(ctx,
		"UPDATE users SET points = points - ? WHERE id = ? AND points >= ?",
		amount, ts.userID, amount)
	if err != nil {
		return 0, fmt.Errorf("failed to debit points: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to debit points: %w", err)
	}
	balance, err := ts.balance(ctx)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, &ledger.InsufficientBalanceError{
			UserID:    ts.userID,
			Available: balance,
			Requested: amount,
		}
	}
	return balance, nil
}

func (ts *txStore) Credit(ctx context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}
	// SQLite turns an overflowing integer sum into a REAL.
	current, err := ts.balance(ctx)
	if err != nil {
		return 0, err
	}
	if amount > math.MaxInt64-current {
		return 0, ledger.ErrBalanceOverflow
	}
	if _, err := ts.tx.ExecContext(ctx,
		"UPDATE users SET points = points + ? WHERE id = ?", amount, ts.userID); err != nil {
		return 0, fmt.Errorf("failed to credit points: %w", err)
	}
	return ts.balance(ctx)
}

func (ts *txStore) balance(ctx context.Context) (int64, error) {
	var points int64
	if err := ts.tx.QueryRowContext(ctx,
		"SELECT points FROM users WHERE id = ?", ts.userID).Scan(&points); err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return points, nil
}

func (ts *txStore) RecordAction(ctx context.Context, kind ledger.ActionKind, delta int64) error {
	_, err := ts.tx.ExecContext(ctx,
		"INSERT INTO actions (user_id, action_kind, points_delta, created_at) VALUES (?, ?, ?, ?)",
		ts.userID, kind, delta, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to record action: %w", err)
	}
	return nil
}

func (ts *txStore) Actions(ctx context.Context) ([]ledger.Entry, error) {
	return queryActions(ctx, ts.tx, ts.userID)
}

func (ts *txStore) SetActiveReward(ctx context.Context, code ledger.RewardCode) error {
	if !code.Valid() {
		return ledger.ErrIncompleteReward
	}
	_, err := ts.tx.ExecContext(ctx,
		"UPDATE users SET active_reward_code = ?, active_reward_id = ? WHERE id = ?",
		code.Code, code.RewardID, ts.userID)
	if err != nil {
		return fmt.Errorf("failed to set active reward: %w", err)
	}
	return nil
}

func (ts *txStore) ClearActiveReward(ctx context.Context) error {
	_, err := ts.tx.ExecContext(ctx,
		"UPDATE users SET active_reward_code = NULL, active_reward_id = NULL WHERE id = ?",
		ts.userID)
	if err != nil {
		return fmt.Errorf("failed to clear active reward: %w", err)
	}
	return nil
}

func (ts *txStore) SetMilestoneRedemptions(ctx context.Context, m ledger.MilestoneRedemptions) error {
	encoded, err := encodeMilestones(m)
	if err != nil {
		return err
	}
	if _, err := ts.tx.ExecContext(ctx,
		"UPDATE users SET milestone_redemptions_json = ? WHERE id = ?", encoded, ts.userID); err != nil {
		return fmt.Errorf("failed to set milestone redemptions: %w", err)
	}
	return nil
}

func (ts *txStore) SaveRedemption(ctx context.Context, r ledger.Redemption) error {
	query := `
		INSERT INTO redemptions (id, user_id, kind, points, threshold, state, reward_code, reward_id,
		                         error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			reward_code = excluded.reward_code,
			reward_id = excluded.reward_id,
			error = excluded.error,
			updated_at = excluded.updated_at
	`
	_, err := ts.tx.ExecContext(ctx, query,
		r.ID, ts.userID, r.Kind, r.Points, r.Threshold, r.State,
		nullString(r.Reward.Code), nullString(r.Reward.RewardID), nullString(r.Error),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("redemption %s conflicts with a live milestone redemption: %w", r.ID, ledger.ErrInvalidTransition)
	}
	if err != nil {
		return fmt.Errorf("failed to save redemption: %w", err)
	}
	return nil
}

func (ts *txStore) Redemption(ctx context.Context, id ledger.RedemptionID) (ledger.Redemption, error) {
	return scanRedemption(ts.tx.QueryRowContext(ctx,
		"SELECT "+redemptionColumns+" FROM redemptions WHERE id = ? AND user_id = ?", id, ts.userID))
}

func (ts *txStore) OpenRedemptions(ctx context.Context) ([]ledger.Redemption, error) {
	return queryRedemptions(ctx, ts.tx, "SELECT "+redemptionColumns+` FROM redemptions
		WHERE user_id = ? AND state IN ('requested', 'debited', 'issued')
		ORDER BY created_at DESC, id DESC`, ts.userID)
}

func (ts *txStore) RedemptionByRewardID(ctx context.Context, rewardID string) (ledger.Redemption, error) {
	return scanRedemption(ts.tx.QueryRowContext(ctx,
		"SELECT "+redemptionColumns+" FROM redemptions WHERE user_id = ? AND reward_id = ? ORDER BY created_at DESC LIMIT 1",
		ts.userID, rewardID))
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data. Development only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"redemptions", "actions", "users"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func encodeMilestones(m ledger.MilestoneRedemptions) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode milestone redemptions: %w", err)
	}
	return string(b), nil
}

func decodeMilestones(s string) (ledger.MilestoneRedemptions, error) {
	m := ledger.MilestoneRedemptions{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to decode milestone redemptions: %w", err)
	}
	return m, nil
}

func rewardColumns(c *ledger.RewardCode) (sql.NullString, sql.NullString) {
	if c == nil || !c.Valid() {
		return sql.NullString{}, sql.NullString{}
	}
	return nullString(c.Code), nullString(c.RewardID)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout is fixed width so text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
