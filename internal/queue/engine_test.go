package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/platform"
	"github.com/krapmatt/krapbott-gateway/internal/store"
	"github.com/krapmatt/krapbott-gateway/internal/verifier"
)

func chanID(name string) identity.ChannelId {
	return identity.ChannelId{Platform: identity.PlatformTwitch, Channel: name}
}

func userID(name string) identity.UserId {
	return identity.UserId{Platform: identity.PlatformTwitch, PlatformUserID: name}
}

func chatUser(name string) platform.ChatUser {
	return platform.ChatUser{Identity: userID(name), Login: name, Display: name, Permission: platform.PermEveryone}
}

func newTestEngine(t *testing.T) (*Engine, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	v := verifier.NewMockVerifier(map[string]verifier.Identity{
		"foo#1234": {MembershipID: "m-foo", MembershipType: 3},
		"bar#5678": {MembershipID: "m-bar", MembershipType: 3},
		"baz#9999": {MembershipID: "m-baz", MembershipType: 3},
	})
	return New(s, v, nil), s
}

// putQueue seeds owner's queue with rows for the given display names,
// in order, at contiguous positions starting at 1, and registers a
// matching StreamUser + stored bungie name for each so later Join
// calls resolve without a verifier round trip.
func putQueue(t *testing.T, s *store.MockStore, owner identity.ChannelId, names ...string) {
	t.Helper()
	for i, name := range names {
		uid := userID(name)
		require.NoError(t, s.UpsertStreamUser(context.Background(), &store.StreamUser{
			ID: uid, Login: name, Display: name, BungieName: name + "#0000", MembershipType: -1,
		}))
		require.NoError(t, s.WithQueueTx(context.Background(), owner, func(tx store.QueueTx) error {
			return tx.Insert(context.Background(), store.QueueRow{
				ChannelID:     owner,
				Position:      i + 1,
				UserID:        uid,
				DisplayName:   name,
				BungieName:    name + "#0000",
				GroupPriority: 2,
			})
		}))
	}
}

func positions(t *testing.T, s *store.MockStore, owner identity.ChannelId) map[string]int {
	t.Helper()
	rows, err := s.GetQueueRows(context.Background(), owner)
	require.NoError(t, err)
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.DisplayName] = r.Position
	}
	return out
}

func TestJoinCapacityEdge(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	owner := chanID("streamer")
	require.NoError(t, s.SaveChannelConfig(ctx, owner, store.ChannelConfig{
		Open: true, Size: 2, TeamSize: 1,
	}))

	follower := true
	reply, err := e.Join(ctx, owner, chatUser("a"), &follower, "foo#1234")
	require.NoError(t, err)
	assert.Equal(t, "entered at position 1", reply)

	reply, err = e.Join(ctx, owner, chatUser("b"), &follower, "bar#5678")
	require.NoError(t, err)
	assert.Equal(t, "entered at position 2", reply)

	_, err = e.Join(ctx, owner, chatUser("c"), &follower, "baz#9999")
	assert.ErrorIs(t, err, ErrQueueFull)

	pos := positions(t, s, owner)
	assert.Equal(t, 1, pos["a"])
	assert.Equal(t, 2, pos["b"])

	reply, err = e.Next(ctx, owner)
	require.NoError(t, err)
	assert.Contains(t, reply, "b")

	cfg, err := s.GetChannelConfig(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Runs)

	pos = positions(t, s, owner)
	assert.Equal(t, 1, pos["b"])
	_, aStillThere := pos["a"]
	assert.False(t, aStillThere)
}

func TestJoinDuplicateBungieRefused(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	owner := chanID("streamer")
	require.NoError(t, s.SaveChannelConfig(ctx, owner, store.ChannelConfig{Open: true, Size: 10, TeamSize: 1}))

	reply, err := e.Join(ctx, owner, chatUser("a"), nil, "foo#1234")
	require.NoError(t, err)
	assert.Equal(t, "entered at position 1", reply)

	_, err = e.Join(ctx, owner, chatUser("b"), nil, "foo#1234")
	assert.ErrorIs(t, err, ErrDuplicateBungie)

	rows, err := s.GetQueueRows(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestPrioWithRuns(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	owner := chanID("streamer")
	require.NoError(t, s.SaveChannelConfig(ctx, owner, store.ChannelConfig{Open: true, Size: 10, TeamSize: 3}))
	putQueue(t, s, owner, "A", "B", "C", "D", "E")

	runs := 2
	reply, err := e.Prio(ctx, owner, userID("D"), &runs)
	require.NoError(t, err)
	assert.Contains(t, reply, "D")

	pos := positions(t, s, owner)
	assert.Equal(t, 1, pos["D"])
	assert.Equal(t, 2, pos["A"])
	assert.Equal(t, 3, pos["B"])
	assert.Equal(t, 4, pos["C"])
	assert.Equal(t, 5, pos["E"])

	dRow, err := s.GetQueueRow(ctx, owner, userID("D"))
	require.NoError(t, err)
	assert.Equal(t, 1, dRow.GroupPriority)
	assert.Equal(t, 2, dRow.PriorityRunsLeft)
	assert.False(t, dRow.LockedFirst)

	_, err = e.Next(ctx, owner)
	require.NoError(t, err)

	dRow, err = s.GetQueueRow(ctx, owner, userID("D"))
	require.NoError(t, err)
	assert.True(t, dRow.LockedFirst)
	assert.Equal(t, 1, dRow.Position)
	assert.Equal(t, 2, dRow.PriorityRunsLeft)

	pos = positions(t, s, owner)
	assert.Equal(t, 2, pos["C"])
	assert.Equal(t, 3, pos["E"])
	_, aGone := pos["A"]
	assert.False(t, aGone)
	_, bGone := pos["B"]
	assert.False(t, bGone)

	_, err = e.Next(ctx, owner)
	require.NoError(t, err)
	dRow, err = s.GetQueueRow(ctx, owner, userID("D"))
	require.NoError(t, err)
	assert.Equal(t, 1, dRow.PriorityRunsLeft)

	_, err = e.Next(ctx, owner)
	require.NoError(t, err)
	_, err = s.GetQueueRow(ctx, owner, userID("D"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestPrioZeroRunsClearsGrantInPlace covers the runs=0 path DESIGN.md
// documents as how a moderator zeroes out a priority grant: it must
// reset the grant's fields without moving or removing the target from
// the queue (a prior bug deleted the row and never reinserted it).
func TestPrioZeroRunsClearsGrantInPlace(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	owner := chanID("streamer")
	require.NoError(t, s.SaveChannelConfig(ctx, owner, store.ChannelConfig{Open: true, Size: 10, TeamSize: 3}))
	putQueue(t, s, owner, "A", "B", "C", "D", "E")

	runs := 2
	_, err := e.Prio(ctx, owner, userID("D"), &runs)
	require.NoError(t, err)

	zero := 0
	reply, err := e.Prio(ctx, owner, userID("D"), &zero)
	require.NoError(t, err)
	assert.Contains(t, reply, "D")

	dRow, err := s.GetQueueRow(ctx, owner, userID("D"))
	require.NoError(t, err)
	assert.Equal(t, 2, dRow.GroupPriority)
	assert.Equal(t, 0, dRow.PriorityRunsLeft)
	assert.False(t, dRow.LockedFirst)
	assert.Equal(t, 1, dRow.Position, "clearing a grant must not move the target's position")

	pos := positions(t, s, owner)
	assert.Equal(t, 5, len(pos), "clearing a grant must not drop the target from the queue")
}

func TestMoveShiftsGroupForward(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	owner := chanID("streamer")
	require.NoError(t, s.SaveChannelConfig(ctx, owner, store.ChannelConfig{Open: true, Size: 10, TeamSize: 2}))
	putQueue(t, s, owner, "A", "B", "C", "D", "E", "F")

	reply, err := e.Move(ctx, owner, userID("C"))
	require.NoError(t, err)
	assert.NotEmpty(t, reply)

	pos := positions(t, s, owner)
	assert.Equal(t, 1, pos["A"])
	assert.Equal(t, 2, pos["B"])
	assert.Equal(t, 3, pos["D"])
	assert.Equal(t, 4, pos["E"])
	assert.Equal(t, 5, pos["C"])
	assert.Equal(t, 6, pos["F"])
}

func TestMoveRejectsLastGroup(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	owner := chanID("streamer")
	require.NoError(t, s.SaveChannelConfig(ctx, owner, store.ChannelConfig{Open: true, Size: 10, TeamSize: 2}))
	putQueue(t, s, owner, "A", "B", "C")

	_, err := e.Move(ctx, owner, userID("B"))
	assert.ErrorIs(t, err, ErrAlreadyLast)
}

func TestSharedQueueAliasing(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	ownerChan := chanID("x")
	aliasChan := identity.ChannelId{Platform: identity.PlatformKick, Channel: "y"}

	require.NoError(t, s.SaveChannelConfig(ctx, ownerChan, store.ChannelConfig{Open: true, Size: 10, TeamSize: 1}))
	require.NoError(t, s.SaveChannelConfig(ctx, aliasChan, store.ChannelConfig{
		QueueTarget: store.QueueTarget{Shared: true, Owner: ownerChan},
	}))

	owner, err := e.ResolveOwner(ctx, aliasChan)
	require.NoError(t, err)
	assert.Equal(t, ownerChan, owner)

	kickUser := platform.ChatUser{Identity: identity.UserId{Platform: identity.PlatformKick, PlatformUserID: "u1"}, Login: "u1", Display: "u1"}
	reply, err := e.Join(ctx, aliasChan, kickUser, nil, "foo#1234")
	require.NoError(t, err)
	assert.Equal(t, "entered at position 1", reply)

	ownerRows, err := s.GetQueueRows(ctx, ownerChan)
	require.NoError(t, err)
	require.Len(t, ownerRows, 1)
	assert.Equal(t, "u1", ownerRows[0].DisplayName)

	require.NoError(t, s.SaveChannelConfig(ctx, ownerChan, store.ChannelConfig{Open: false, Size: 10, TeamSize: 1}))
	_, err = e.Join(ctx, aliasChan, chatUser("u2"), nil, "bar#5678")
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestLeaveForbiddenInLiveGroup(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	owner := chanID("streamer")
	require.NoError(t, s.SaveChannelConfig(ctx, owner, store.ChannelConfig{Open: true, Size: 10, TeamSize: 2}))
	putQueue(t, s, owner, "A", "B", "C")

	_, err := e.Leave(ctx, owner, userID("A"))
	assert.ErrorIs(t, err, ErrCannotLeaveLiveGroup)

	reply, err := e.Leave(ctx, owner, userID("C"))
	require.NoError(t, err)
	assert.Equal(t, "left the queue", reply)

	rows, err := s.GetQueueRows(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestReorderFullPermutation(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	owner := chanID("streamer")
	require.NoError(t, s.SaveChannelConfig(ctx, owner, store.ChannelConfig{Open: true, Size: 10, TeamSize: 1}))
	putQueue(t, s, owner, "A", "B", "C")

	order := []identity.UserId{userID("C"), userID("A"), userID("B")}
	err := e.Reorder(ctx, owner, order)
	require.NoError(t, err)

	pos := positions(t, s, owner)
	assert.Equal(t, 1, pos["C"])
	assert.Equal(t, 2, pos["A"])
	assert.Equal(t, 3, pos["B"])
}

func TestRandomizeContiguousAfterRaffle(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	owner := chanID("streamer")
	require.NoError(t, s.SaveChannelConfig(ctx, owner, store.ChannelConfig{Open: true, Size: 10, TeamSize: 2, RandomQueue: true}))
	putQueue(t, s, owner, "A", "B", "C", "D", "E")

	reply, err := e.Randomize(ctx, owner)
	require.NoError(t, err)
	assert.NotEmpty(t, reply)

	rows, err := s.GetQueueRows(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	seen := make(map[int]bool)
	for _, r := range rows {
		assert.False(t, seen[r.Position], "duplicate position after randomize")
		seen[r.Position] = true
		assert.True(t, r.Position >= 1 && r.Position <= 3)
	}
}

func TestJoinSilentNoOpWithoutConfig(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	owner := chanID("unmanaged")

	reply, err := e.Join(ctx, owner, chatUser("a"), nil, "foo#1234")
	require.NoError(t, err)
	assert.Empty(t, reply)
}

func TestResolveOwnerConfigMissing(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.ResolveOwner(context.Background(), chanID("ghost"))
	assert.True(t, errors.Is(err, ErrConfigMissing))
}
