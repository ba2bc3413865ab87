package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krapmatt/krapbott-gateway/internal/commands"
	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/store"
)

func testRegistry() *commands.Registry {
	r := commands.NewRegistry()
	r.RegisterPackage(commands.Package{
		Name: "test",
		Commands: []commands.PackageCommand{
			{DefaultAliases: []string{"join", "j"}, Command: commands.Command{
				Name:    "join",
				Execute: func(commands.ExecCtx) (string, error) { return "joined", nil },
			}},
		},
	})
	return r
}

func seedChannel(t *testing.T, s *store.MockStore, id identity.ChannelId) {
	t.Helper()
	require.NoError(t, s.SaveChannelConfig(context.Background(), id, store.ChannelConfig{
		Open: true, Size: 10, TeamSize: 1, Packages: []string{"test"},
	}))
}

func TestStartChannelCompilesCommandMap(t *testing.T) {
	s := store.NewMockStore()
	id := identity.ChannelId{Platform: identity.PlatformTwitch, Channel: "streamer"}
	seedChannel(t, s, id)

	m := NewManager(testRegistry(), s, nil)
	require.NoError(t, m.StartChannel(context.Background(), id))

	cm, ok := m.Dispatch(id)
	require.True(t, ok)
	assert.Contains(t, cm, "join")
	assert.Contains(t, cm, "j")
}

func TestStopChannelRemovesRuntime(t *testing.T) {
	s := store.NewMockStore()
	id := identity.ChannelId{Platform: identity.PlatformTwitch, Channel: "streamer"}
	seedChannel(t, s, id)

	m := NewManager(testRegistry(), s, nil)
	require.NoError(t, m.StartChannel(context.Background(), id))
	m.StopChannel(id)

	_, ok := m.Dispatch(id)
	assert.False(t, ok)
}

func TestReloadChannelPicksUpAliasChanges(t *testing.T) {
	s := store.NewMockStore()
	id := identity.ChannelId{Platform: identity.PlatformTwitch, Channel: "streamer"}
	seedChannel(t, s, id)

	m := NewManager(testRegistry(), s, nil)
	require.NoError(t, m.StartChannel(context.Background(), id))

	aliases, err := s.GetAliasConfig(context.Background(), id)
	require.NoError(t, err)
	aliases.Aliases["queue"] = "join"
	require.NoError(t, s.SaveAliasConfig(context.Background(), id, aliases))

	require.NoError(t, m.ReloadChannel(context.Background(), id))

	cm, ok := m.Dispatch(id)
	require.True(t, ok)
	assert.Contains(t, cm, "queue")
}

func TestStartChannelsFromConfigIsBestEffort(t *testing.T) {
	s := store.NewMockStore()
	good := identity.ChannelId{Platform: identity.PlatformTwitch, Channel: "good"}
	seedChannel(t, s, good)
	// other has a config entry but no alias row saved yet; MockStore
	// returns a zero-value AliasConfig for it, so it starts normally.
	other := identity.ChannelId{Platform: identity.PlatformKick, Channel: "other"}
	seedChannel(t, s, other)
	// bad is listed but has no stored config, so StartChannel fails for it.
	bad := identity.ChannelId{Platform: identity.PlatformTwitch, Channel: "bad"}

	m := NewManager(testRegistry(), s, nil)
	m.StartChannelsFromConfig(context.Background(), map[identity.ChannelId]store.ChannelConfig{
		good:  {Open: true, Size: 10, TeamSize: 1, Packages: []string{"test"}},
		other: {Open: true, Size: 10, TeamSize: 1, Packages: []string{"test"}},
		bad:   {Open: true, Size: 10, TeamSize: 1, Packages: []string{"test"}},
	})

	_, ok := m.Dispatch(good)
	assert.True(t, ok)
	_, ok = m.Dispatch(other)
	assert.True(t, ok)
	_, ok = m.Dispatch(bad)
	assert.False(t, ok)
}
