// Package settings persists per-guild playback settings in SQLite.
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	_ "modernc.org/sqlite" // Pure Go driver

	domain "github.com/osa030/djbox/internal/domain/settings"
)

const schemaVersion = 1

// Setting keys stored per guild.
const (
	keyLoop                  = "loop_mode"
	keyShuffle               = "shuffle_mode"
	keyAutoplay              = "autoplay"
	keyAutoDisconnectEnabled = "auto_disconnect_enabled"
	keyAutoDisconnectMinutes = "auto_disconnect_minutes"
	keyWarnMinutes           = "auto_disconnect_warn_minutes"
)

// Store is a key/value settings store backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the store at path. ":memory:" keeps it in memory.
func Open(path string) (*Store, error) {
	dsn := "file::memory:?cache=shared"
	maxConns := 1
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(err, "failed to create settings directory")
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
		maxConns = 4
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "settings: open failed")
	}
	db.SetMaxOpenConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "settings: ping failed")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "settings: migration failed")
	}
	return s, nil
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS guild_settings (
		guild_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (guild_id, key)
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Load returns the settings of a guild. Missing or malformed values fall
// back to the defaults.
func (s *Store) Load(ctx context.Context, guildID snowflake.ID) (domain.Guild, error) {
	g := domain.Default()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM guild_settings WHERE guild_id = ?`, guildID.String())
	if err != nil {
		return g, errors.Wrap(err, "failed to query guild settings")
	}
	defer rows.Close()

	for rows.Next() {
		var key, value, updatedAt string
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			return g, errors.Wrap(err, "failed to scan guild setting")
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil && t.After(g.UpdatedAt) {
			g.UpdatedAt = t
		}
		switch key {
		case keyLoop:
			if m, ok := domain.ParseLoopMode(value); ok {
				g.Loop = m
			}
		case keyShuffle:
			if m, ok := domain.ParseShuffleMode(value); ok {
				g.Shuffle = m
			}
		case keyAutoplay:
			g.Autoplay = domain.ParseBool(value, g.Autoplay)
		case keyAutoDisconnectEnabled:
			g.AutoDisconnectEnabled = domain.ParseBool(value, g.AutoDisconnectEnabled)
		case keyAutoDisconnectMinutes:
			g.AutoDisconnectMinutes = domain.ParseInt(value, g.AutoDisconnectMinutes)
		case keyWarnMinutes:
			g.WarnMinutes = domain.ParseInt(value, g.WarnMinutes)
		}
	}
	if err := rows.Err(); err != nil {
		return g, errors.Wrap(err, "failed to read guild settings")
	}
	return g.Normalize(), nil
}

// Save writes every setting of a guild in one transaction.
func (s *Store) Save(ctx context.Context, guildID snowflake.ID, g domain.Guild) error {
	now := time.Now().UTC().Format(time.RFC3339)
	values := map[string]string{
		keyLoop:                  g.Loop.String(),
		keyShuffle:               g.Shuffle.String(),
		keyAutoplay:              strconv.FormatBool(g.Autoplay),
		keyAutoDisconnectEnabled: strconv.FormatBool(g.AutoDisconnectEnabled),
		keyAutoDisconnectMinutes: strconv.Itoa(g.AutoDisconnectMinutes),
		keyWarnMinutes:           strconv.Itoa(g.WarnMinutes),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	const query = `
	INSERT INTO guild_settings (guild_id, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(guild_id, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	for key, value := range values {
		if _, err := tx.ExecContext(ctx, query, guildID.String(), key, value, now); err != nil {
			return errors.Wrapf(err, "failed to save setting %s", key)
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit guild settings")
}

// Delete removes every stored setting of a guild.
func (s *Store) Delete(ctx context.Context, guildID snowflake.ID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM guild_settings WHERE guild_id = ?`, guildID.String())
	return errors.Wrap(err, "failed to delete guild settings")
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
