package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/platform"
	"github.com/krapmatt/krapbott-gateway/internal/queue"
	"github.com/krapmatt/krapbott-gateway/internal/store"
	"github.com/krapmatt/krapbott-gateway/internal/verifier"
)

func testPackage() Package {
	return Package{
		Name: "test",
		Commands: []PackageCommand{
			{DefaultAliases: []string{"ping", "p"}, Command: Command{
				Name: "ping",
				Execute: func(ExecCtx) (string, error) { return "pong", nil },
			}},
			{DefaultAliases: []string{"echo"}, Command: Command{
				Name: "echo",
				Execute: func(ExecCtx) (string, error) { return "echo", nil },
			}},
		},
	}
}

func TestBuildForChannelDefaults(t *testing.T) {
	cm := BuildForChannel([]Package{testPackage()}, store.NewAliasConfig())

	require.Contains(t, cm, "ping")
	require.Contains(t, cm, "p")
	require.Contains(t, cm, "echo")
	assert.Equal(t, "ping", cm["ping"].Name)
	assert.Same(t, cm["ping"], cm["p"], "default aliases of the same command share the *Command pointer")
}

func TestBuildForChannelDisabledCommandDropsAllItsAliases(t *testing.T) {
	aliases := store.NewAliasConfig()
	aliases.DisabledCommands["ping"] = true

	cm := BuildForChannel([]Package{testPackage()}, aliases)

	assert.NotContains(t, cm, "ping")
	assert.NotContains(t, cm, "p")
	assert.Contains(t, cm, "echo")
}

func TestBuildForChannelRemovedAliasKeepsOtherAliasesOfSameCommand(t *testing.T) {
	aliases := store.NewAliasConfig()
	aliases.RemovedAliases["p"] = true

	cm := BuildForChannel([]Package{testPackage()}, aliases)

	assert.Contains(t, cm, "ping")
	assert.NotContains(t, cm, "p")
}

func TestBuildForChannelCustomAliasOverlaysOntoExistingTarget(t *testing.T) {
	aliases := store.NewAliasConfig()
	aliases.Aliases["hello"] = "ping"
	// a custom alias whose target doesn't exist (disabled, or never
	// registered) is simply dropped, not an error.
	aliases.Aliases["orphan"] = "nonexistent"

	cm := BuildForChannel([]Package{testPackage()}, aliases)

	require.Contains(t, cm, "hello")
	assert.Same(t, cm["ping"], cm["hello"])
	assert.NotContains(t, cm, "orphan")
}

func TestBuildForChannelIsPure(t *testing.T) {
	aliases := store.NewAliasConfig()
	aliases.Aliases["hello"] = "ping"
	aliases.DisabledCommands["echo"] = true

	a := BuildForChannel([]Package{testPackage()}, aliases)
	b := BuildForChannel([]Package{testPackage()}, aliases)

	require.Equal(t, len(a), len(b))
	for alias, cmd := range a {
		require.Contains(t, b, alias)
		assert.Equal(t, cmd.Name, b[alias].Name)
	}
}

func TestRegistryPackagesIsCaseInsensitiveAndSkipsUnknown(t *testing.T) {
	r := NewRegistry()
	r.RegisterPackage(testPackage())

	got := r.Packages([]string{"TEST", "doesnotexist"})

	require.Len(t, got, 1)
	assert.Equal(t, "test", got[0].Name)
}

func TestQueuePackageJoinRequiresFollowerPermission(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltinPackages(r)
	cm := BuildForChannel(r.Packages([]string{"queue"}), store.NewAliasConfig())

	require.Contains(t, cm, "join")
	assert.Equal(t, platform.PermFollower, cm["join"].Permission)
	assert.True(t, cm["join"].MutatesQueue)
}

func TestModerationPackageCommandsAreBroadcasterOnly(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltinPackages(r)
	cm := BuildForChannel(r.Packages([]string{"moderation"}), store.NewAliasConfig())

	for _, name := range []string{"alias", "add_package", "connect"} {
		require.Contains(t, cm, name)
		assert.Equal(t, platform.PermBroadcaster, cm[name].Permission)
	}
}

func newTestExecCtx(t *testing.T, caller identity.ChannelId, s store.Store) ExecCtx {
	t.Helper()
	v := verifier.NewMockVerifier(nil)
	return ExecCtx{
		Ctx:      context.Background(),
		Caller:   caller,
		Store:    s,
		Verifier: v,
		Engine:   queue.New(s, v, nil),
	}
}

func TestExecAddPackageIsIdempotent(t *testing.T) {
	s := store.NewMockStore()
	caller := identity.ChannelId{Platform: identity.PlatformTwitch, Channel: "streamer"}
	require.NoError(t, s.SaveChannelConfig(context.Background(), caller, store.ChannelConfig{Packages: []string{"queue"}}))

	ev := newTestExecCtx(t, caller, s)
	ev.Event = platform.ChatEvent{Platform: identity.PlatformTwitch, User: &platform.ChatUser{Permission: platform.PermBroadcaster}}
	ev.Args = "queue"

	_, err := execAddPackage(ev)
	require.NoError(t, err)
	_, err = execAddPackage(ev)
	require.NoError(t, err)

	cfg, err := s.GetChannelConfig(context.Background(), caller)
	require.NoError(t, err)
	assert.Equal(t, []string{"queue"}, cfg.Packages)
}
