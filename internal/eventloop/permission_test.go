package eventloop

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/platform"
)

type fakeAppToken struct {
	token string
	err   error
}

func (f fakeAppToken) Get(context.Context) (string, error) { return f.token, f.err }

func TestHasPermissionBadgeAlreadySatisfies(t *testing.T) {
	ev := &platform.ChatEvent{
		Platform: identity.PlatformKick,
		User:     &platform.ChatUser{Permission: platform.PermModerator},
	}
	assert.True(t, HasPermission(context.Background(), ev, platform.PermFollower, "", fakeAppToken{}))
	assert.Nil(t, ev.Follower, "badge path never touches the follower check")
}

func TestHasPermissionNonTwitchEveryoneIsDenied(t *testing.T) {
	ev := &platform.ChatEvent{
		Platform: identity.PlatformKick,
		User:     &platform.ChatUser{Permission: platform.PermEveryone},
	}
	assert.False(t, HasPermission(context.Background(), ev, platform.PermFollower, "", fakeAppToken{}))
}

func TestHasPermissionNoUserIsDenied(t *testing.T) {
	ev := &platform.ChatEvent{Platform: identity.PlatformTwitch}
	assert.False(t, HasPermission(context.Background(), ev, platform.PermEveryone, "", fakeAppToken{}))
}

func TestHasPermissionTokenFetchFailureFailsOpen(t *testing.T) {
	ev := &platform.ChatEvent{
		Platform: identity.PlatformTwitch,
		User:     &platform.ChatUser{Permission: platform.PermEveryone},
	}
	ok := HasPermission(context.Background(), ev, platform.PermFollower, "client", fakeAppToken{err: errors.New("network down")})
	assert.True(t, ok)
	assert.NotNil(t, ev.Follower)
	assert.True(t, *ev.Follower)
}
