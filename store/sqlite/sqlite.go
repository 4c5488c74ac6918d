/*
Package sqlite provides a SQLite-backed implementation of core.TxStore.

PURPOSE:
  Implements every persistence interface (users, ledger entries, rewards,
  idempotency records, rules) on database/sql with mattn/go-sqlite3. It is
  the default backend and the one the test suite runs against.

APPEND-ONLY ENFORCEMENT:
  The ledger_entries table is protected twice:
  - The Go API has no UPDATE apart from VoidEntry and no DELETE
  - Triggers abort any DELETE, and any UPDATE other than POSTED -> VOID

KEY TABLES:
  users:            Referrers and referred users (email unique)
  ledger_entries:   Immutable ledger (reversal_of_entry_id unique)
  rewards:          Reward state machine rows (idempotency_key unique)
  idempotency_keys: Cached credit responses with expiry
  rules:            Versioned rule snapshots (name+version unique,
                    at most one active version per name)

CONCURRENCY:
  The pool is limited to a single connection. database/sql hands that
  connection to one caller at a time, so a transaction started by WithTx
  runs alone and check-then-insert sequences cannot interleave. Unique
  indexes remain the final arbiter.

TIMESTAMPS:
  Stored as fixed-width UTC text (nanosecond precision) so lexicographic
  order equals chronological order for cursor pagination.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - core/store.go: Interface definitions
  - store/postgres/postgres.go: PostgreSQL implementation
  - store/storetest: Contract tests shared by both backends
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/referral-ledger/core"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const defaultRewardLimit = 50

// Store implements core.TxStore using SQLite.
type Store struct {
	ops
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{ops: ops{q: db}, db: db}
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

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL REFERENCES users(id),
		referred_id TEXT NOT NULL REFERENCES users(id),
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (referrer_id <> referred_id)
	);

	CREATE INDEX IF NOT EXISTS idx_rewards_status
		ON rewards(status, created_at DESC);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		reward_id TEXT REFERENCES rewards(id),
		entry_type TEXT NOT NULL CHECK (entry_type IN ('CREDIT', 'DEBIT', 'REVERSAL')),
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('POSTED', 'VOID')),
		reversal_of_entry_id TEXT UNIQUE REFERENCES ledger_entries(id),
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Cursor pagination (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_user_created
		ON ledger_entries(user_id, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_reward
		ON ledger_entries(reward_id) WHERE reward_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS trg_entries_no_delete
	BEFORE DELETE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger entries are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_entries_only_void
	BEFORE UPDATE ON ledger_entries
	WHEN NOT (
		OLD.status = 'POSTED' AND NEW.status = 'VOID'
		AND NEW.id = OLD.id
		AND NEW.user_id = OLD.user_id
		AND NEW.entry_type = OLD.entry_type
		AND NEW.amount = OLD.amount
		AND NEW.currency = OLD.currency
		AND NEW.created_at = OLD.created_at
	)
	BEGIN
		SELECT RAISE(ABORT, 'ledger entries are immutable');
	END;

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		request_hash TEXT NOT NULL,
		response BLOB NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_expires
		ON idempotency_keys(expires_at);

	-- Rules (versioned, never edited apart from is_active)
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		conditions_json TEXT NOT NULL,
		actions_json TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (name, version)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_one_active
		ON rules(name) WHERE is_active = 1;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (core.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store core.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&ops{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops implements core.Store against either the pool or an open transaction.
type ops struct {
	q querier
}

// =============================================================================
// USER STORE
// =============================================================================

func (o *ops) InsertUser(ctx context.Context, u core.User) error {
	_, err := o.q.ExecContext(ctx,
		"INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)",
		u.ID, u.Email, u.Name, formatTime(u.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrEmailTaken
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (o *ops) GetUser(ctx context.Context, id core.UserID) (*core.User, error) {
	return o.getUser(ctx, "SELECT id, email, name, created_at FROM users WHERE id = ?", id)
}

func (o *ops) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	return o.getUser(ctx, "SELECT id, email, name, created_at FROM users WHERE email = ?", email)
}

func (o *ops) getUser(ctx context.Context, query string, arg any) (*core.User, error) {
	var u core.User
	var createdAt string
	err := o.q.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (o *ops) UpdateUserName(ctx context.Context, id core.UserID, name string) error {
	res, err := o.q.ExecContext(ctx, "UPDATE users SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrUserNotFound
	}
	return nil
}

func (o *ops) ListUsers(ctx context.Context) ([]core.User, error) {
	rows, err := o.q.QueryContext(ctx, "SELECT id, email, name, created_at FROM users ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []core.User
	for rows.Next() {
		var u core.User
		var createdAt string
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &createdAt); err != nil {
			return nil, err
		}
		u.CreatedAt = parseTime(createdAt)
		users = append(users, u)
	}
	return users, rows.Err()
}

// =============================================================================
// ENTRY STORE (append-only)
// =============================================================================

const entryColumns = `id, user_id, reward_id, entry_type, amount, currency, status,
	reversal_of_entry_id, metadata_json, created_at`

func (o *ops) InsertEntry(ctx context.Context, e core.Entry) error {
	metadataJSON, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}

	_, err = o.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.UserID, nullString(string(e.RewardID)), e.Type,
		e.Amount.String(), e.Currency, e.Status,
		nullString(string(e.ReversalOf)), metadataJSON, formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) && strings.Contains(err.Error(), "reversal_of_entry_id") {
			return core.ErrAlreadyReversed
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func (o *ops) GetEntry(ctx context.Context, id core.EntryID) (*core.Entry, error) {
	return o.getEntry(ctx, "SELECT "+entryColumns+" FROM ledger_entries WHERE id = ?", id)
}

func (o *ops) GetReversalOf(ctx context.Context, id core.EntryID) (*core.Entry, error) {
	return o.getEntry(ctx, "SELECT "+entryColumns+" FROM ledger_entries WHERE reversal_of_entry_id = ?", id)
}

func (o *ops) getEntry(ctx context.Context, query string, arg any) (*core.Entry, error) {
	entries, err := o.queryEntries(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (o *ops) VoidEntry(ctx context.Context, id core.EntryID) error {
	res, err := o.q.ExecContext(ctx,
		"UPDATE ledger_entries SET status = 'VOID' WHERE id = ? AND status = 'POSTED'", id)
	if err != nil {
		return fmt.Errorf("failed to void entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrAlreadyVoid
	}
	return nil
}

func (o *ops) LoadEntries(ctx context.Context, userID core.UserID) ([]core.Entry, error) {
	return o.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = ?
		ORDER BY created_at ASC, id ASC
	`, userID)
}

func (o *ops) PageEntries(ctx context.Context, userID core.UserID, after *core.Entry, limit int) ([]core.Entry, error) {
	if after == nil {
		return o.queryEntries(ctx, `
			SELECT `+entryColumns+` FROM ledger_entries
			WHERE user_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`, userID, limit)
	}
	at := formatTime(after.CreatedAt)
	return o.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = ?
		  AND (created_at < ? OR (created_at = ? AND id < ?))
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, at, at, after.ID, limit)
}

func (o *ops) EntriesByReward(ctx context.Context, rewardID core.RewardID) ([]core.Entry, error) {
	return o.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE reward_id = ?
		ORDER BY created_at ASC, id ASC
	`, rewardID)
}

func (o *ops) queryEntries(ctx context.Context, query string, args ...any) ([]core.Entry, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []core.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (core.Entry, error) {
	var (
		e            core.Entry
		rewardID     sql.NullString
		amount       string
		reversalOf   sql.NullString
		metadataJSON sql.NullString
		createdAt    string
	)

	err := rows.Scan(
		&e.ID, &e.UserID, &rewardID, &e.Type, &amount, &e.Currency, &e.Status,
		&reversalOf, &metadataJSON, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.RewardID = core.RewardID(rewardID.String)
	e.ReversalOf = core.EntryID(reversalOf.String)
	e.CreatedAt = parseTime(createdAt)
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, fmt.Errorf("corrupt amount on entry %s: %w", e.ID, err)
	}
	e.Metadata = unmarshalMetadata(metadataJSON)
	return e, nil
}

// =============================================================================
// REWARD STORE
// =============================================================================

const rewardColumns = `id, referrer_id, referred_id, amount, currency, status,
	idempotency_key, metadata_json, created_at, updated_at`

func (o *ops) InsertReward(ctx context.Context, r core.Reward) error {
	metadataJSON, err := marshalMetadata(r.Metadata)
	if err != nil {
		return err
	}

	_, err = o.q.ExecContext(ctx, `
		INSERT INTO rewards (`+rewardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.ReferrerID, r.ReferredID, r.Amount.String(), r.Currency, r.Status,
		r.IdempotencyKey, metadataJSON, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert reward: %w", err)
	}
	return nil
}

func (o *ops) GetReward(ctx context.Context, id core.RewardID) (*core.Reward, error) {
	rewards, err := o.queryRewards(ctx, "SELECT "+rewardColumns+" FROM rewards WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(rewards) == 0 {
		return nil, nil
	}
	return &rewards[0], nil
}

func (o *ops) GetRewardByIdempotencyKey(ctx context.Context, key string) (*core.Reward, error) {
	rewards, err := o.queryRewards(ctx, "SELECT "+rewardColumns+" FROM rewards WHERE idempotency_key = ?", key)
	if err != nil {
		return nil, err
	}
	if len(rewards) == 0 {
		return nil, nil
	}
	return &rewards[0], nil
}

func (o *ops) TransitionReward(ctx context.Context, id core.RewardID, from, to core.RewardStatus, at time.Time) error {
	res, err := o.q.ExecContext(ctx,
		"UPDATE rewards SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		to, formatTime(at), id, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update reward status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrConcurrentModification
	}
	return nil
}

func (o *ops) ListRewards(ctx context.Context, filter core.RewardFilter) ([]core.Reward, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRewardLimit
	}
	if filter.Status != "" {
		return o.queryRewards(ctx, `
			SELECT `+rewardColumns+` FROM rewards
			WHERE status = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`, filter.Status, limit)
	}
	return o.queryRewards(ctx, `
		SELECT `+rewardColumns+` FROM rewards
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
}

func (o *ops) queryRewards(ctx context.Context, query string, args ...any) ([]core.Reward, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rewards: %w", err)
	}
	defer rows.Close()

	var rewards []core.Reward
	for rows.Next() {
		var (
			r                    core.Reward
			amount               string
			metadataJSON         sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(
			&r.ID, &r.ReferrerID, &r.ReferredID, &amount, &r.Currency, &r.Status,
			&r.IdempotencyKey, &metadataJSON, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reward: %w", err)
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt amount on reward %s: %w", r.ID, err)
		}
		r.Metadata = unmarshalMetadata(metadataJSON)
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		rewards = append(rewards, r)
	}
	return rewards, rows.Err()
}

// =============================================================================
// IDEMPOTENCY STORE
// =============================================================================

func (o *ops) GetIdempotencyRecord(ctx context.Context, key string) (*core.IdempotencyRecord, error) {
	var rec core.IdempotencyRecord
	var createdAt, expiresAt string
	err := o.q.QueryRowContext(ctx,
		"SELECT key, request_hash, response, created_at, expires_at FROM idempotency_keys WHERE key = ?",
		key,
	).Scan(&rec.Key, &rec.RequestHash, &rec.Response, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.ExpiresAt = parseTime(expiresAt)
	return &rec, nil
}

func (o *ops) InsertIdempotencyRecord(ctx context.Context, rec core.IdempotencyRecord) error {
	_, err := o.q.ExecContext(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, response, created_at, expires_at) VALUES (?, ?, ?, ?, ?)",
		rec.Key, rec.RequestHash, rec.Response, formatTime(rec.CreatedAt), formatTime(rec.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert idempotency key: %w", err)
	}
	return nil
}

func (o *ops) PurgeIdempotencyRecords(ctx context.Context, before time.Time) (int64, error) {
	res, err := o.q.ExecContext(ctx, "DELETE FROM idempotency_keys WHERE expires_at < ?", formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// RULE STORE
// =============================================================================

const ruleColumns = `id, name, description, version, conditions_json, actions_json,
	is_active, metadata_json, created_at`

func (o *ops) InsertRule(ctx context.Context, r core.RuleRecord) error {
	metadataJSON, err := marshalMetadata(r.Metadata)
	if err != nil {
		return err
	}

	_, err = o.q.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.Name, r.Description, r.Version, r.ConditionsJSON, r.ActionsJSON,
		r.IsActive, metadataJSON, formatTime(r.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("rule %q version %d: %w", r.Name, r.Version, core.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

func (o *ops) GetRule(ctx context.Context, id core.RuleID) (*core.RuleRecord, error) {
	rules, err := o.queryRules(ctx, "SELECT "+ruleColumns+" FROM rules WHERE id = ?", id)
	if err != nil || len(rules) == 0 {
		return nil, err
	}
	return &rules[0], nil
}

func (o *ops) LatestRule(ctx context.Context, name string) (*core.RuleRecord, error) {
	rules, err := o.queryRules(ctx,
		"SELECT "+ruleColumns+" FROM rules WHERE name = ? ORDER BY version DESC LIMIT 1", name)
	if err != nil || len(rules) == 0 {
		return nil, err
	}
	return &rules[0], nil
}

func (o *ops) SetRuleActive(ctx context.Context, id core.RuleID, active bool) error {
	res, err := o.q.ExecContext(ctx, "UPDATE rules SET is_active = ? WHERE id = ?", active, id)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrConcurrentModification
		}
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrRuleNotFound
	}
	return nil
}

func (o *ops) DeactivateRuleVersions(ctx context.Context, name string) error {
	_, err := o.q.ExecContext(ctx, "UPDATE rules SET is_active = 0 WHERE name = ? AND is_active = 1", name)
	if err != nil {
		return fmt.Errorf("failed to deactivate rule versions: %w", err)
	}
	return nil
}

func (o *ops) ListRules(ctx context.Context, activeOnly bool) ([]core.RuleRecord, error) {
	if activeOnly {
		return o.queryRules(ctx,
			"SELECT "+ruleColumns+" FROM rules WHERE is_active = 1 ORDER BY name ASC, version DESC")
	}
	return o.queryRules(ctx, "SELECT "+ruleColumns+" FROM rules ORDER BY name ASC, version DESC")
}

func (o *ops) queryRules(ctx context.Context, query string, args ...any) ([]core.RuleRecord, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []core.RuleRecord
	for rows.Next() {
		var (
			r            core.RuleRecord
			metadataJSON sql.NullString
			createdAt    string
		)
		if err := rows.Scan(
			&r.ID, &r.Name, &r.Description, &r.Version, &r.ConditionsJSON, &r.ActionsJSON,
			&r.IsActive, &metadataJSON, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.Metadata = unmarshalMetadata(metadataJSON)
		r.CreatedAt = parseTime(createdAt)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func marshalMetadata(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMetadata(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
