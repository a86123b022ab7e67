package settings

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/osa030/djbox/internal/domain/settings"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_LoadDefaultsForUnknownGuild(t *testing.T) {
	s := openTestStore(t)

	g, err := s.Load(context.Background(), snowflake.ID(42))
	require.NoError(t, err)
	assert.Equal(t, domain.Default().Loop, g.Loop)
	assert.Equal(t, domain.DefaultAutoDisconnectMinutes, g.AutoDisconnectMinutes)
	assert.True(t, g.AutoDisconnectEnabled)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	guild := snowflake.ID(1234567890)

	want := domain.Guild{
		Loop:                  domain.LoopQueue,
		Shuffle:               domain.ShuffleSmart,
		Autoplay:              true,
		AutoDisconnectEnabled: false,
		AutoDisconnectMinutes: 30,
		WarnMinutes:           5,
	}
	require.NoError(t, s.Save(ctx, guild, want))

	got, err := s.Load(ctx, guild)
	require.NoError(t, err)
	assert.Equal(t, want.Loop, got.Loop)
	assert.Equal(t, want.Shuffle, got.Shuffle)
	assert.True(t, got.Autoplay)
	assert.False(t, got.AutoDisconnectEnabled)
	assert.Equal(t, 30, got.AutoDisconnectMinutes)
	assert.Equal(t, 5, got.WarnMinutes)
	assert.False(t, got.UpdatedAt.IsZero())

	// Other guilds are untouched.
	other, err := s.Load(ctx, snowflake.ID(7))
	require.NoError(t, err)
	assert.False(t, other.Autoplay)
}

func TestStore_TolerantParsing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	guild := snowflake.ID(99)

	_, err := s.db.Exec(`INSERT INTO guild_settings (guild_id, key, value, updated_at) VALUES
		(?, 'loop_mode', 'sideways', 'x'),
		(?, 'autoplay', 'yes', 'x'),
		(?, 'auto_disconnect_minutes', 'soon', 'x'),
		(?, 'shuffle_mode', 'FULL', 'x')`,
		guild.String(), guild.String(), guild.String(), guild.String())
	require.NoError(t, err)

	g, err := s.Load(ctx, guild)
	require.NoError(t, err)
	assert.Equal(t, domain.LoopOff, g.Loop)
	assert.True(t, g.Autoplay)
	assert.Equal(t, domain.DefaultAutoDisconnectMinutes, g.AutoDisconnectMinutes)
	assert.Equal(t, domain.ShuffleFull, g.Shuffle)
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	guild := snowflake.ID(5)

	require.NoError(t, s.Save(ctx, guild, domain.Guild{Autoplay: true, AutoDisconnectMinutes: 10}))
	require.NoError(t, s.Delete(ctx, guild))

	g, err := s.Load(ctx, guild)
	require.NoError(t, err)
	assert.False(t, g.Autoplay)
}

func TestOpen_MigrationIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, schemaVersion, version)
}
