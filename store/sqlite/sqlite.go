/*
Package sqlite provides a SQLite-backed implementation of rebate.TxStore.

PURPOSE:
  Persists the rebate ledger (versioned configurations) and the entities
  whose rate caches the engine maintains. In production the same schema
  ports to PostgreSQL with minor dialect changes.

KEY TABLES:
  rebate_configs:      Append-only ledger of rebate configurations
  talents:             Talent records + CurrentRebate cache columns
  agencies:            Agency records
  agency_base_rebates: Per-platform BaseRebate cache of each agency
  customer_talents:    Customer overlays with optional override rate

LEDGER ENFORCEMENT (backstops for the engine):
  - idx_rebate_configs_one_active: partial UNIQUE index, at most one
    active record per (target_type, target_id, platform)
  - trg_rebate_configs_no_delete: rows are never deleted
  - trg_rebate_configs_update: only status/expiry_date may change, and
    only pending->active or active->expired
  - ExpireConfig/ActivateConfig are compare-and-swap UPDATEs on status

CONCURRENCY:
  The pool is limited to one connection: SQLite allows a single writer and
  ":memory:" databases are per connection. A transaction holds that
  connection until it commits, which serializes writers.

USAGE:
  store, err := sqlite.New("./data/rebate.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := rebate.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - rebate/store.go: Interface definitions and CAS contract
  - rebate/store/memory.go: In-memory implementation for tests
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

	"github.com/agentworks/rebate-engine/rebate"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// timeLayout is fixed-width so that created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements rebate.TxStore using SQLite.
type Store struct {
	db   *sql.DB
	q    queryer
	inTx bool
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable (used by /healthz).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
	-- Rebate configurations (append-only ledger)
	CREATE TABLE IF NOT EXISTS rebate_configs (
		id TEXT PRIMARY KEY,
		target_type TEXT NOT NULL CHECK (target_type IN ('talent', 'agency')),
		target_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		rebate_rate TEXT NOT NULL,
		effect_type TEXT NOT NULL CHECK (effect_type IN ('immediate', 'next_cooperation')),
		effective_date TEXT NOT NULL,
		expiry_date TEXT,
		status TEXT NOT NULL CHECK (status IN ('pending', 'active', 'expired')),
		created_by TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: at most one active configuration per lineage
	CREATE UNIQUE INDEX IF NOT EXISTS idx_rebate_configs_one_active
		ON rebate_configs(target_type, target_id, platform)
		WHERE status = 'active';

	-- History (hot path for the admin UI)
	CREATE INDEX IF NOT EXISTS idx_rebate_configs_key_created
		ON rebate_configs(target_type, target_id, platform, created_at DESC);

	-- Pending activation sweep
	CREATE INDEX IF NOT EXISTS idx_rebate_configs_pending
		ON rebate_configs(effective_date)
		WHERE status = 'pending';

	CREATE TRIGGER IF NOT EXISTS trg_rebate_configs_no_delete
	BEFORE DELETE ON rebate_configs
	BEGIN
		SELECT RAISE(ABORT, 'rebate_configs is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_rebate_configs_update
	BEFORE UPDATE ON rebate_configs
	WHEN NEW.id IS NOT OLD.id
		OR NEW.target_type IS NOT OLD.target_type
		OR NEW.target_id IS NOT OLD.target_id
		OR NEW.platform IS NOT OLD.platform
		OR NEW.rebate_rate IS NOT OLD.rebate_rate
		OR NEW.effect_type IS NOT OLD.effect_type
		OR NEW.effective_date IS NOT OLD.effective_date
		OR NEW.created_by IS NOT OLD.created_by
		OR NEW.idempotency_key IS NOT OLD.idempotency_key
		OR NEW.metadata_json IS NOT OLD.metadata_json
		OR NEW.created_at IS NOT OLD.created_at
		OR NOT (
			(OLD.status = 'pending' AND NEW.status = 'active' AND NEW.expiry_date IS NULL)
			OR (OLD.status = 'active' AND NEW.status = 'expired' AND NEW.expiry_date IS NOT NULL)
		)
	BEGIN
		SELECT RAISE(ABORT, 'illegal rebate config update');
	END;

	-- Talents, keyed by (one_id, platform)
	CREATE TABLE IF NOT EXISTS talents (
		one_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		agency_id TEXT NOT NULL DEFAULT '',
		rebate_mode TEXT,
		current_rate TEXT,
		current_source TEXT,
		current_effective_date TEXT,
		current_last_updated TEXT,
		PRIMARY KEY (one_id, platform)
	);

	CREATE INDEX IF NOT EXISTS idx_talents_agency
		ON talents(agency_id, platform);

	-- Agencies
	CREATE TABLE IF NOT EXISTS agencies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS agency_base_rebates (
		agency_id TEXT NOT NULL REFERENCES agencies(id),
		platform TEXT NOT NULL,
		rate TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (agency_id, platform)
	);

	-- Customer overlays
	CREATE TABLE IF NOT EXISTS customer_talents (
		customer_id TEXT NOT NULL,
		one_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		status TEXT NOT NULL,
		rebate_enabled INTEGER,
		rebate_rate TEXT,
		PRIMARY KEY (customer_id, one_id, platform)
	);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Reset drops all data (for demo scenarios). Tables are dropped rather than
// emptied because the ledger refuses DELETE.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"customer_talents", "agency_base_rebates", "agencies", "talents", "rebate_configs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return err
		}
	}
	return s.migrate(ctx)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. Nested calls reuse the
// outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(rebate.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Store{db: s.db, q: sqlTx, inTx: true}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// LEDGER
// =============================================================================

const configColumns = `id, target_type, target_id, platform, rebate_rate, effect_type,
	effective_date, expiry_date, status, created_by, idempotency_key, metadata_json, created_at`

func (s *Store) InsertConfig(ctx context.Context, c rebate.Config) error {
	metadataJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO rebate_configs (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c.ID),
		string(c.TargetType),
		c.TargetID,
		string(c.Platform),
		c.Rate.StringFixed(rebate.RatePlaces),
		string(c.EffectType),
		c.EffectiveDate.String(),
		nullDate(c.ExpiryDate),
		string(c.Status),
		nullString(c.CreatedBy),
		nullString(c.IdempotencyKey),
		string(metadataJSON),
		formatTime(c.CreatedAt),
	)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// ExpireConfig is a CAS on status = 'active'.
func (s *Store) ExpireConfig(ctx context.Context, id rebate.ConfigID, expiry rebate.Date) error {
	return s.casStatus(ctx, id, rebate.StatusActive, rebate.StatusExpired, sql.NullString{String: expiry.String(), Valid: true})
}

// ActivateConfig is a CAS on status = 'pending'.
func (s *Store) ActivateConfig(ctx context.Context, id rebate.ConfigID) error {
	return s.casStatus(ctx, id, rebate.StatusPending, rebate.StatusActive, sql.NullString{})
}

func (s *Store) casStatus(ctx context.Context, id rebate.ConfigID, from, to rebate.Status, expiry sql.NullString) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE rebate_configs SET status = ?, expiry_date = ?
		WHERE id = ? AND status = ?`,
		string(to), expiry, string(id), string(from),
	)
	if err != nil {
		return mapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Nothing matched: either the record is gone or someone moved it first.
	if _, err := s.GetConfig(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: config %s is no longer %s", rebate.ErrConcurrentModification, id, from)
}

func (s *Store) GetConfig(ctx context.Context, id rebate.ConfigID) (*rebate.Config, error) {
	configs, err := s.queryConfigs(ctx, `SELECT `+configColumns+` FROM rebate_configs WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, &rebate.NotFoundError{Kind: "config", ID: string(id)}
	}
	return &configs[0], nil
}

func (s *Store) ActiveConfig(ctx context.Context, key rebate.Key) (*rebate.Config, error) {
	configs, err := s.queryConfigs(ctx, `
		SELECT `+configColumns+` FROM rebate_configs
		WHERE target_type = ? AND target_id = ? AND platform = ? AND status = 'active'`,
		string(key.TargetType), key.TargetID, string(key.Platform),
	)
	if err != nil || len(configs) == 0 {
		return nil, err
	}
	return &configs[0], nil
}

func (s *Store) ConfigByIdempotencyKey(ctx context.Context, idemKey string) (*rebate.Config, error) {
	configs, err := s.queryConfigs(ctx, `SELECT `+configColumns+` FROM rebate_configs WHERE idempotency_key = ?`, idemKey)
	if err != nil || len(configs) == 0 {
		return nil, err
	}
	return &configs[0], nil
}

func (s *Store) History(ctx context.Context, key rebate.Key, limit, offset int) ([]rebate.Config, int, error) {
	var total int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rebate_configs
		WHERE target_type = ? AND target_id = ? AND platform = ?`,
		string(key.TargetType), key.TargetID, string(key.Platform),
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	configs, err := s.queryConfigs(ctx, `
		SELECT `+configColumns+` FROM rebate_configs
		WHERE target_type = ? AND target_id = ? AND platform = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`,
		string(key.TargetType), key.TargetID, string(key.Platform), limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	return configs, total, nil
}

func (s *Store) DuePending(ctx context.Context, key rebate.Key, asOf rebate.Date) ([]rebate.Config, error) {
	return s.queryConfigs(ctx, `
		SELECT `+configColumns+` FROM rebate_configs
		WHERE target_type = ? AND target_id = ? AND platform = ?
			AND status = 'pending' AND effective_date <= ?
		ORDER BY effective_date ASC, rowid ASC`,
		string(key.TargetType), key.TargetID, string(key.Platform), asOf.String(),
	)
}

func (s *Store) DuePendingKeys(ctx context.Context, asOf rebate.Date) ([]rebate.Key, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT target_type, target_id, platform FROM rebate_configs
		WHERE status = 'pending' AND effective_date <= ?
		ORDER BY target_type, target_id, platform`,
		asOf.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []rebate.Key
	for rows.Next() {
		var targetType, targetID, platform string
		if err := rows.Scan(&targetType, &targetID, &platform); err != nil {
			return nil, err
		}
		keys = append(keys, rebate.Key{
			TargetType: rebate.TargetType(targetType),
			TargetID:   targetID,
			Platform:   rebate.Platform(platform),
		})
	}
	return keys, rows.Err()
}

func (s *Store) queryConfigs(ctx context.Context, query string, args ...any) ([]rebate.Config, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []rebate.Config
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func scanConfig(rows *sql.Rows) (rebate.Config, error) {
	var (
		c                                          rebate.Config
		id, targetType, platform, rate, effectType string
		effectiveDate, status, createdAt           string
		expiryDate, createdBy, idemKey, metadata   sql.NullString
	)
	err := rows.Scan(&id, &targetType, &c.TargetID, &platform, &rate, &effectType,
		&effectiveDate, &expiryDate, &status, &createdBy, &idemKey, &metadata, &createdAt)
	if err != nil {
		return c, err
	}

	c.ID = rebate.ConfigID(id)
	c.TargetType = rebate.TargetType(targetType)
	c.Platform = rebate.Platform(platform)
	c.EffectType = rebate.EffectType(effectType)
	c.Status = rebate.Status(status)
	c.CreatedBy = createdBy.String
	c.IdempotencyKey = idemKey.String

	if c.Rate, err = decimal.NewFromString(rate); err != nil {
		return c, fmt.Errorf("config %s: bad rate %q: %w", id, rate, err)
	}
	if c.EffectiveDate, err = rebate.ParseDate(effectiveDate); err != nil {
		return c, err
	}
	if expiryDate.Valid {
		d, err := rebate.ParseDate(expiryDate.String)
		if err != nil {
			return c, err
		}
		c.ExpiryDate = &d
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return c, err
	}
	c.Metadata = map[string]any{}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &c.Metadata); err != nil {
			return c, fmt.Errorf("config %s: bad metadata: %w", id, err)
		}
		if c.Metadata == nil {
			c.Metadata = map[string]any{}
		}
	}
	return c, nil
}

// =============================================================================
// TALENTS
// =============================================================================

const talentColumns = `one_id, platform, name, agency_id, rebate_mode,
	current_rate, current_source, current_effective_date, current_last_updated`

// SaveTalent upserts a talent, including its cache columns.
func (s *Store) SaveTalent(ctx context.Context, t rebate.Talent) error {
	var rate, source, effective, updated sql.NullString
	if cur := t.CurrentRebate; cur != nil {
		rate = nullString(cur.Rate.StringFixed(rebate.RatePlaces))
		source = nullString(string(cur.Source))
		effective = nullString(cur.EffectiveDate.String())
		updated = nullString(formatTime(cur.LastUpdated))
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO talents (`+talentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.OneID, string(t.Platform), t.Name, t.AgencyID, nullString(string(t.RebateMode)),
		rate, source, effective, updated,
	)
	return err
}

func (s *Store) GetTalent(ctx context.Context, oneID string, platform rebate.Platform) (*rebate.Talent, error) {
	talents, err := s.queryTalents(ctx, `SELECT `+talentColumns+` FROM talents WHERE one_id = ? AND platform = ?`,
		oneID, string(platform))
	if err != nil {
		return nil, err
	}
	if len(talents) == 0 {
		return nil, &rebate.NotFoundError{Kind: "talent", ID: oneID + "/" + string(platform)}
	}
	return &talents[0], nil
}

func (s *Store) ListAgencyTalents(ctx context.Context, agencyID string, platform rebate.Platform) ([]rebate.Talent, error) {
	return s.queryTalents(ctx, `
		SELECT `+talentColumns+` FROM talents
		WHERE agency_id = ? AND platform = ?
		ORDER BY one_id`,
		agencyID, string(platform))
}

func (s *Store) UpdateTalentRebate(ctx context.Context, oneID string, platform rebate.Platform, cur rebate.CurrentRebate) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE talents SET current_rate = ?, current_source = ?, current_effective_date = ?, current_last_updated = ?
		WHERE one_id = ? AND platform = ?`,
		cur.Rate.StringFixed(rebate.RatePlaces), string(cur.Source), cur.EffectiveDate.String(), formatTime(cur.LastUpdated),
		oneID, string(platform),
	)
	return requireRow(result, err, "talent", oneID+"/"+string(platform))
}

func (s *Store) SetTalentRebateMode(ctx context.Context, oneID string, platform rebate.Platform, mode rebate.RebateMode) error {
	result, err := s.q.ExecContext(ctx, `UPDATE talents SET rebate_mode = ? WHERE one_id = ? AND platform = ?`,
		nullString(string(mode)), oneID, string(platform))
	return requireRow(result, err, "talent", oneID+"/"+string(platform))
}

func (s *Store) queryTalents(ctx context.Context, query string, args ...any) ([]rebate.Talent, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var talents []rebate.Talent
	for rows.Next() {
		var (
			t                                      rebate.Talent
			platform                               string
			mode, rate, source, effective, updated sql.NullString
		)
		if err := rows.Scan(&t.OneID, &platform, &t.Name, &t.AgencyID, &mode,
			&rate, &source, &effective, &updated); err != nil {
			return nil, err
		}
		t.Platform = rebate.Platform(platform)
		t.RebateMode = rebate.RebateMode(mode.String)

		if rate.Valid {
			cur := rebate.CurrentRebate{Source: rebate.Source(source.String)}
			if cur.Rate, err = decimal.NewFromString(rate.String); err != nil {
				return nil, fmt.Errorf("talent %s: bad rate %q: %w", t.OneID, rate.String, err)
			}
			if cur.EffectiveDate, err = rebate.ParseDate(effective.String); err != nil {
				return nil, err
			}
			if cur.LastUpdated, err = parseTime(updated.String); err != nil {
				return nil, err
			}
			t.CurrentRebate = &cur
		}
		talents = append(talents, t)
	}
	return talents, rows.Err()
}

// =============================================================================
// AGENCIES
// =============================================================================

// SaveAgency upserts an agency and replaces its BaseRebates.
func (s *Store) SaveAgency(ctx context.Context, a rebate.Agency) error {
	return s.WithTx(ctx, func(store rebate.Store) error {
		tx := store.(*Store)
		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO agencies (id, name) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
			a.ID, a.Name,
		); err != nil {
			return err
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM agency_base_rebates WHERE agency_id = ?`, a.ID); err != nil {
			return err
		}
		for p, base := range a.BaseRebates {
			if err := tx.UpdateAgencyBaseRebate(ctx, a.ID, p, base); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetAgency(ctx context.Context, id string) (*rebate.Agency, error) {
	a := rebate.Agency{BaseRebates: map[rebate.Platform]rebate.BaseRebate{}}
	err := s.q.QueryRowContext(ctx, `SELECT id, name FROM agencies WHERE id = ?`, id).Scan(&a.ID, &a.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &rebate.NotFoundError{Kind: "agency", ID: id}
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT platform, rate, effective_date, updated_at FROM agency_base_rebates
		WHERE agency_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var platform, rate, effective, updated string
		if err := rows.Scan(&platform, &rate, &effective, &updated); err != nil {
			return nil, err
		}
		var base rebate.BaseRebate
		if base.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("agency %s: bad rate %q: %w", id, rate, err)
		}
		if base.EffectiveDate, err = rebate.ParseDate(effective); err != nil {
			return nil, err
		}
		if base.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		a.BaseRebates[rebate.Platform(platform)] = base
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) UpdateAgencyBaseRebate(ctx context.Context, agencyID string, platform rebate.Platform, base rebate.BaseRebate) error {
	var exists int
	err := s.q.QueryRowContext(ctx, `SELECT 1 FROM agencies WHERE id = ?`, agencyID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return &rebate.NotFoundError{Kind: "agency", ID: agencyID}
	}
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO agency_base_rebates (agency_id, platform, rate, effective_date, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agency_id, platform) DO UPDATE SET
			rate = excluded.rate,
			effective_date = excluded.effective_date,
			updated_at = excluded.updated_at`,
		agencyID, string(platform), base.Rate.StringFixed(rebate.RatePlaces),
		base.EffectiveDate.String(), formatTime(base.UpdatedAt),
	)
	return err
}

// =============================================================================
// CUSTOMER OVERLAYS
// =============================================================================

func (s *Store) SaveCustomerTalent(ctx context.Context, ct rebate.CustomerTalent) error {
	var enabled sql.NullBool
	var rate sql.NullString
	if cr := ct.CustomerRebate; cr != nil {
		enabled = sql.NullBool{Bool: cr.Enabled, Valid: true}
		rate = nullString(cr.Rate.StringFixed(rebate.RatePlaces))
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO customer_talents (customer_id, one_id, platform, status, rebate_enabled, rebate_rate)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ct.CustomerID, ct.OneID, string(ct.Platform), ct.Status, enabled, rate,
	)
	return err
}

func (s *Store) GetCustomerTalent(ctx context.Context, customerID, oneID string, platform rebate.Platform) (*rebate.CustomerTalent, error) {
	var (
		ct      = rebate.CustomerTalent{CustomerID: customerID, OneID: oneID, Platform: platform}
		enabled sql.NullBool
		rate    sql.NullString
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT status, rebate_enabled, rebate_rate FROM customer_talents
		WHERE customer_id = ? AND one_id = ? AND platform = ?`,
		customerID, oneID, string(platform),
	).Scan(&ct.Status, &enabled, &rate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if enabled.Valid {
		cr := &rebate.CustomerRebate{Enabled: enabled.Bool}
		if rate.Valid {
			if cr.Rate, err = decimal.NewFromString(rate.String); err != nil {
				return nil, fmt.Errorf("customer talent %s/%s: bad rate %q: %w", customerID, oneID, rate.String, err)
			}
		}
		ct.CustomerRebate = cr
	}
	return &ct, nil
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

func nullDate(d *rebate.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func requireRow(result sql.Result, err error, kind, id string) error {
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &rebate.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// mapError translates constraint and trigger failures into rebate sentinels.
func mapError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: rebate_configs.idempotency_key"):
		return fmt.Errorf("%w: %v", rebate.ErrDuplicateIdempotencyKey, err)
	case isUniqueConstraintError(err):
		return fmt.Errorf("%w: %v", rebate.ErrConcurrentModification, err)
	case strings.Contains(msg, "illegal rebate config update"),
		strings.Contains(msg, "rebate_configs is append-only"):
		return fmt.Errorf("%w: %v", rebate.ErrIllegalTransition, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

var _ rebate.TxStore = (*Store)(nil)
