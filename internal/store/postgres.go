// ABOUTME: PostgreSQL implementation of the Store interface using jackc/pgx
// ABOUTME: Schema objects live under the krapbott_v2 namespace; see doc.go for the transaction contract

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for sqlx.Open
	"github.com/jmoiron/sqlx"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
)

// PostgresStore implements the Store interface against PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	sqlxdb *sqlx.DB // read-heavy roster/admin queries; same underlying connection string
	logger *slog.Logger
}

// Schema segments, split for maintainability, matching the teacher's
// const-string-per-concern layout.
const (
	schemaIdentitySQL = `
CREATE SCHEMA IF NOT EXISTS krapbott_v2;
CREATE TABLE IF NOT EXISTS krapbott_v2.streamusers (
	user_id TEXT PRIMARY KEY,
	login TEXT NOT NULL,
	display TEXT NOT NULL,
	bungie_name TEXT NOT NULL DEFAULT '',
	membership_id TEXT NOT NULL DEFAULT '',
	membership_type INTEGER NOT NULL DEFAULT -1
);
CREATE INDEX IF NOT EXISTS idx_streamusers_membership ON krapbott_v2.streamusers(membership_id);
CREATE INDEX IF NOT EXISTS idx_streamusers_login ON krapbott_v2.streamusers(login);
`
	schemaQueueSQL = `
CREATE TABLE IF NOT EXISTS krapbott_v2.queue (
	channel_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	user_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	bungie_name TEXT NOT NULL,
	group_priority INTEGER NOT NULL DEFAULT 2,
	locked_first BOOLEAN NOT NULL DEFAULT false,
	priority_runs_left INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_id, position)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_channel_user ON krapbott_v2.queue(channel_id, user_id);
CREATE INDEX IF NOT EXISTS idx_queue_channel ON krapbott_v2.queue(channel_id);
`
	schemaConfigSQL = `
CREATE TABLE IF NOT EXISTS krapbott_v2.channel_config (
	channel_id TEXT PRIMARY KEY,
	config JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS krapbott_v2.command_aliases (
	channel_id TEXT NOT NULL,
	alias TEXT NOT NULL,
	command TEXT NOT NULL,
	PRIMARY KEY (channel_id, alias)
);
CREATE TABLE IF NOT EXISTS krapbott_v2.command_disabled (
	channel_id TEXT NOT NULL,
	command TEXT NOT NULL,
	PRIMARY KEY (channel_id, command)
);
CREATE TABLE IF NOT EXISTS krapbott_v2.command_alias_removals (
	channel_id TEXT NOT NULL,
	alias TEXT NOT NULL,
	PRIMARY KEY (channel_id, alias)
);
`
	schemaBanSessionSQL = `
CREATE TABLE IF NOT EXISTS krapbott_v2.banlist (
	membership_id TEXT PRIMARY KEY,
	banned_until TIMESTAMPTZ,
	reason TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS krapbott_v2.sessions (
	session_id TEXT PRIMARY KEY,
	channel_platform TEXT NOT NULL,
	channel_name TEXT NOT NULL,
	login TEXT NOT NULL,
	UNIQUE (channel_platform, channel_name)
);
`
)

// NewPostgresStore opens a pgx connection pool against dsn and runs
// schema migrations under the krapbott_v2 namespace.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	sqlxdb, err := sqlx.Open("pgx", dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("opening sqlx connection: %w", err)
	}

	s := &PostgresStore{pool: pool, sqlxdb: sqlxdb, logger: logger}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		_ = sqlxdb.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	for _, schema := range []string{schemaIdentitySQL, schemaQueueSQL, schemaConfigSQL, schemaBanSessionSQL} {
		if _, err := s.pool.Exec(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return s.sqlxdb.Close()
}

func (s *PostgresStore) UpsertStreamUser(ctx context.Context, u *StreamUser) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO krapbott_v2.streamusers (user_id, login, display, bungie_name, membership_id, membership_type)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id) DO UPDATE SET
	login = EXCLUDED.login,
	display = EXCLUDED.display,
	bungie_name = EXCLUDED.bungie_name,
	membership_id = EXCLUDED.membership_id,
	membership_type = EXCLUDED.membership_type
`, u.ID.String(), u.Login, u.Display, u.BungieName, u.MembershipID, u.MembershipType)
	if err != nil {
		return fmt.Errorf("upserting stream user %s: %w", u.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetStreamUser(ctx context.Context, id identity.UserId) (*StreamUser, error) {
	var u StreamUser
	var userID string
	err := s.pool.QueryRow(ctx, `
SELECT user_id, login, display, bungie_name, membership_id, membership_type
FROM krapbott_v2.streamusers WHERE user_id = $1
`, id.String()).Scan(&userID, &u.Login, &u.Display, &u.BungieName, &u.MembershipID, &u.MembershipType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting stream user %s: %w", id, err)
	}
	u.ID = id
	return &u, nil
}

// GetStreamUserByLogin is a roster lookup (resolve a moderator-named
// target by login rather than by id), routed through sqlxdb and
// StructScan rather than the pgx pool, per the store's read-heavy
// roster/admin query split.
func (s *PostgresStore) GetStreamUserByLogin(ctx context.Context, p identity.Platform, login string) (*StreamUser, error) {
	var u StreamUser
	err := s.sqlxdb.GetContext(ctx, &u, `
SELECT user_id, login, display, bungie_name, membership_id, membership_type
FROM krapbott_v2.streamusers WHERE user_id LIKE $1 AND lower(login) = lower($2)
`, p.String()+":%", login)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting stream user by login %s/%s: %w", p, login, err)
	}
	return &u, nil
}

// GetQueueRows is the overlay/roster read of a channel's full queue,
// routed through sqlxdb and StructScan (see GetStreamUserByLogin).
func (s *PostgresStore) GetQueueRows(ctx context.Context, channel identity.ChannelId) ([]QueueRow, error) {
	var out []QueueRow
	err := s.sqlxdb.SelectContext(ctx, &out, `
SELECT position, user_id, display_name, bungie_name, group_priority, locked_first, priority_runs_left
FROM krapbott_v2.queue WHERE channel_id = $1 ORDER BY position ASC
`, channel.String())
	if err != nil {
		return nil, fmt.Errorf("querying queue rows for %s: %w", channel, err)
	}
	for i := range out {
		out[i].ChannelID = channel
	}
	return out, nil
}

func (s *PostgresStore) GetQueueRow(ctx context.Context, channel identity.ChannelId, user identity.UserId) (*QueueRow, error) {
	var r QueueRow
	err := s.pool.QueryRow(ctx, `
SELECT position, display_name, bungie_name, group_priority, locked_first, priority_runs_left
FROM krapbott_v2.queue WHERE channel_id = $1 AND user_id = $2
`, channel.String(), user.String()).Scan(&r.Position, &r.DisplayName, &r.BungieName, &r.GroupPriority, &r.LockedFirst, &r.PriorityRunsLeft)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting queue row %s/%s: %w", channel, user, err)
	}
	r.ChannelID = channel
	r.UserID = user
	return &r, nil
}

func (s *PostgresStore) GetQueueRowByBungieName(ctx context.Context, channel identity.ChannelId, bungieName string) (*QueueRow, error) {
	var r QueueRow
	var userID string
	err := s.pool.QueryRow(ctx, `
SELECT position, user_id, display_name, bungie_name, group_priority, locked_first, priority_runs_left
FROM krapbott_v2.queue WHERE channel_id = $1 AND bungie_name = $2
`, channel.String(), bungieName).Scan(&r.Position, &userID, &r.DisplayName, &r.BungieName, &r.GroupPriority, &r.LockedFirst, &r.PriorityRunsLeft)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting queue row by bungie name in %s: %w", channel, err)
	}
	uid, err := identity.ParseUserId(userID)
	if err != nil {
		return nil, fmt.Errorf("parsing stored user id %q: %w", userID, err)
	}
	r.ChannelID = channel
	r.UserID = uid
	return &r, nil
}

// pgQueueTx implements QueueTx over a live pgx.Tx scoped to one channel.
type pgQueueTx struct {
	tx      pgx.Tx
	channel identity.ChannelId
}

func (t *pgQueueTx) Rows(ctx context.Context) ([]QueueRow, error) {
	rows, err := t.tx.Query(ctx, `
SELECT position, user_id, display_name, bungie_name, group_priority, locked_first, priority_runs_left
FROM krapbott_v2.queue WHERE channel_id = $1 ORDER BY position ASC
`, t.channel.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueRow
	for rows.Next() {
		var r QueueRow
		var userID string
		if err := rows.Scan(&r.Position, &userID, &r.DisplayName, &r.BungieName, &r.GroupPriority, &r.LockedFirst, &r.PriorityRunsLeft); err != nil {
			return nil, err
		}
		uid, err := identity.ParseUserId(userID)
		if err != nil {
			return nil, err
		}
		r.ChannelID = t.channel
		r.UserID = uid
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgQueueTx) Insert(ctx context.Context, row QueueRow) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO krapbott_v2.queue (channel_id, position, user_id, display_name, bungie_name, group_priority, locked_first, priority_runs_left)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, t.channel.String(), row.Position, row.UserID.String(), row.DisplayName, row.BungieName, row.GroupPriority, row.LockedFirst, row.PriorityRunsLeft)
	return err
}

func (t *pgQueueTx) Update(ctx context.Context, row QueueRow) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE krapbott_v2.queue SET
	position = $3, display_name = $4, bungie_name = $5,
	group_priority = $6, locked_first = $7, priority_runs_left = $8
WHERE channel_id = $1 AND user_id = $2
`, t.channel.String(), row.UserID.String(), row.Position, row.DisplayName, row.BungieName, row.GroupPriority, row.LockedFirst, row.PriorityRunsLeft)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(tag)
}

func (t *pgQueueTx) Delete(ctx context.Context, user identity.UserId) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM krapbott_v2.queue WHERE channel_id = $1 AND user_id = $2`, t.channel.String(), user.String())
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(tag)
}

// Repack renumbers surviving rows 1..N by position ASC. Rows are first
// parked at position+1000000 to dodge the (channel_id, position) unique
// index while the new numbering is assigned, matching the "park then
// re-pack" idiom spec.md §9 requires for any implementation enforcing
// that index.
func (t *pgQueueTx) Repack(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, `
UPDATE krapbott_v2.queue SET position = position + 1000000 WHERE channel_id = $1
`, t.channel.String()); err != nil {
		return err
	}

	rows, err := t.tx.Query(ctx, `
SELECT user_id FROM krapbott_v2.queue WHERE channel_id = $1 ORDER BY position ASC
`, t.channel.String())
	if err != nil {
		return err
	}
	var userIDs []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return err
		}
		userIDs = append(userIDs, uid)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for i, uid := range userIDs {
		if _, err := t.tx.Exec(ctx, `
UPDATE krapbott_v2.queue SET position = $3 WHERE channel_id = $1 AND user_id = $2
`, t.channel.String(), uid, i+1); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgQueueTx) ShiftPositions(ctx context.Context, fromPos, delta int) error {
	// Park-then-apply avoids transient collisions with the unique
	// (channel_id, position) index when delta moves rows into
	// positions already occupied within this same statement set.
	if _, err := t.tx.Exec(ctx, `
UPDATE krapbott_v2.queue SET position = position + 1000000
WHERE channel_id = $1 AND position >= $2
`, t.channel.String(), fromPos); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
UPDATE krapbott_v2.queue SET position = position - 1000000 + $3
WHERE channel_id = $1 AND position >= $2 + 1000000
`, t.channel.String(), fromPos, delta)
	return err
}

func (t *pgQueueTx) IncrementRuns(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, `
UPDATE krapbott_v2.channel_config
SET config = jsonb_set(config, '{Runs}', to_jsonb(COALESCE((config->>'Runs')::int, 0) + 1))
WHERE channel_id = $1
`, t.channel.String())
	return err
}

func rowsAffectedOrNotFound(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) WithQueueTx(ctx context.Context, channel identity.ChannelId, fn func(tx QueueTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning queue tx for %s: %w", channel, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgQueueTx{tx: tx, channel: channel}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing queue tx for %s: %w", channel, err)
	}
	return nil
}

func (s *PostgresStore) SaveChannelConfig(ctx context.Context, channel identity.ChannelId, cfg ChannelConfig) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling channel config for %s: %w", channel, err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO krapbott_v2.channel_config (channel_id, config) VALUES ($1, $2)
ON CONFLICT (channel_id) DO UPDATE SET config = EXCLUDED.config
`, channel.String(), blob)
	if err != nil {
		return fmt.Errorf("saving channel config for %s: %w", channel, err)
	}
	return nil
}

func (s *PostgresStore) GetChannelConfig(ctx context.Context, channel identity.ChannelId) (ChannelConfig, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT config FROM krapbott_v2.channel_config WHERE channel_id = $1`, channel.String()).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChannelConfig{}, ErrNotFound
	}
	if err != nil {
		return ChannelConfig{}, fmt.Errorf("getting channel config for %s: %w", channel, err)
	}
	var cfg ChannelConfig
	if err := json.Unmarshal(blob, &cfg); err != nil {
		return ChannelConfig{}, fmt.Errorf("unmarshaling channel config for %s: %w", channel, err)
	}
	return cfg, nil
}

// LoadBotConfig loads every ChannelConfig row. A parse failure on any
// one row fails the whole load (spec.md §4.1): the runtime refuses to
// start with inconsistent config rather than silently skip a channel.
func (s *PostgresStore) LoadBotConfig(ctx context.Context) (map[identity.ChannelId]ChannelConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT channel_id, config FROM krapbott_v2.channel_config`)
	if err != nil {
		return nil, fmt.Errorf("querying channel configs: %w", err)
	}
	defer rows.Close()

	out := make(map[identity.ChannelId]ChannelConfig)
	for rows.Next() {
		var channelID string
		var blob []byte
		if err := rows.Scan(&channelID, &blob); err != nil {
			return nil, fmt.Errorf("scanning channel config row: %w", err)
		}
		cid, err := identity.ParseChannelId(channelID)
		if err != nil {
			return nil, fmt.Errorf("parsing channel id %q: %w", channelID, err)
		}
		var cfg ChannelConfig
		if err := json.Unmarshal(blob, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshaling config for %s: %w", cid, err)
		}
		out[cid] = cfg
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAliasConfig(ctx context.Context, channel identity.ChannelId) (AliasConfig, error) {
	cfg := NewAliasConfig()

	aliasRows, err := s.pool.Query(ctx, `SELECT alias, command FROM krapbott_v2.command_aliases WHERE channel_id = $1`, channel.String())
	if err != nil {
		return cfg, fmt.Errorf("querying aliases for %s: %w", channel, err)
	}
	for aliasRows.Next() {
		var alias, command string
		if err := aliasRows.Scan(&alias, &command); err != nil {
			aliasRows.Close()
			return cfg, fmt.Errorf("scanning alias row: %w", err)
		}
		cfg.Aliases[alias] = command
	}
	if err := aliasRows.Err(); err != nil {
		aliasRows.Close()
		return cfg, err
	}
	aliasRows.Close()

	disabledRows, err := s.pool.Query(ctx, `SELECT command FROM krapbott_v2.command_disabled WHERE channel_id = $1`, channel.String())
	if err != nil {
		return cfg, fmt.Errorf("querying disabled commands for %s: %w", channel, err)
	}
	for disabledRows.Next() {
		var command string
		if err := disabledRows.Scan(&command); err != nil {
			disabledRows.Close()
			return cfg, fmt.Errorf("scanning disabled command row: %w", err)
		}
		cfg.DisabledCommands[command] = true
	}
	if err := disabledRows.Err(); err != nil {
		disabledRows.Close()
		return cfg, err
	}
	disabledRows.Close()

	removedRows, err := s.pool.Query(ctx, `SELECT alias FROM krapbott_v2.command_alias_removals WHERE channel_id = $1`, channel.String())
	if err != nil {
		return cfg, fmt.Errorf("querying removed aliases for %s: %w", channel, err)
	}
	defer removedRows.Close()
	for removedRows.Next() {
		var alias string
		if err := removedRows.Scan(&alias); err != nil {
			return cfg, fmt.Errorf("scanning removed alias row: %w", err)
		}
		cfg.RemovedAliases[alias] = true
	}
	return cfg, removedRows.Err()
}

func (s *PostgresStore) SaveAliasConfig(ctx context.Context, channel identity.ChannelId, cfg AliasConfig) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning alias config tx for %s: %w", channel, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM krapbott_v2.command_aliases WHERE channel_id = $1`, channel.String()); err != nil {
		return err
	}
	for alias, command := range cfg.Aliases {
		if _, err := tx.Exec(ctx, `INSERT INTO krapbott_v2.command_aliases (channel_id, alias, command) VALUES ($1, $2, $3)`, channel.String(), alias, command); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM krapbott_v2.command_disabled WHERE channel_id = $1`, channel.String()); err != nil {
		return err
	}
	for command := range cfg.DisabledCommands {
		if _, err := tx.Exec(ctx, `INSERT INTO krapbott_v2.command_disabled (channel_id, command) VALUES ($1, $2)`, channel.String(), command); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM krapbott_v2.command_alias_removals WHERE channel_id = $1`, channel.String()); err != nil {
		return err
	}
	for alias := range cfg.RemovedAliases {
		if _, err := tx.Exec(ctx, `INSERT INTO krapbott_v2.command_alias_removals (channel_id, alias) VALUES ($1, $2)`, channel.String(), alias); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing alias config for %s: %w", channel, err)
	}
	return nil
}

func (s *PostgresStore) GetBan(ctx context.Context, membershipID string) (*BanEntry, error) {
	var b BanEntry
	var bannedUntil *time.Time
	err := s.pool.QueryRow(ctx, `
SELECT membership_id, banned_until, reason FROM krapbott_v2.banlist WHERE membership_id = $1
`, membershipID).Scan(&b.MembershipID, &bannedUntil, &b.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting ban for %s: %w", membershipID, err)
	}
	b.BannedUntil = bannedUntil
	return &b, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO krapbott_v2.sessions (session_id, channel_platform, channel_name, login)
VALUES ($1, $2, $3, $4)
ON CONFLICT (channel_platform, channel_name) DO UPDATE SET session_id = EXCLUDED.session_id, login = EXCLUDED.login
`, sess.SessionID, sess.Channel.Platform.String(), sess.Channel.Channel, sess.Login)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	var platform, channel string
	err := s.pool.QueryRow(ctx, `
SELECT session_id, channel_platform, channel_name, login FROM krapbott_v2.sessions WHERE session_id = $1
`, sessionID).Scan(&sess.SessionID, &platform, &channel, &sess.Login)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", sessionID, err)
	}
	cid, err := identity.ParseChannelId(platform + ":" + channel)
	if err != nil {
		return nil, fmt.Errorf("parsing session channel: %w", err)
	}
	sess.Channel = cid
	return &sess, nil
}
