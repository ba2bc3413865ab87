// ABOUTME: Permission gate — badge-derived level plus the Twitch follower-endpoint escape hatch
// ABOUTME: Grounded on internal/gateway/bridge.go's pre-dispatch authorization check

package eventloop

import (
	"context"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/platform"
	"github.com/krapmatt/krapbott-gateway/internal/platform/twitch"
)

// HasPermission reports whether ev's caller may run a command requiring
// required, per spec.md §4.6:
//
//  1. If the caller's badge-derived Permission already satisfies
//     required, allow.
//  2. Otherwise, if required is PermFollower and the event came from
//     Twitch, call the Helix follower endpoint (fail-open on transport
//     error) and cache the result on ev.Follower.
//  3. Otherwise deny.
//
// clientID/appToken are the Twitch app credentials used for step 2;
// they are ignored when step 2 does not apply.
func HasPermission(ctx context.Context, ev *platform.ChatEvent, required platform.Permission, clientID string, appToken TwitchAppTokenSource) bool {
	if ev.User == nil {
		return false
	}
	if ev.User.Permission.Satisfies(required) {
		return true
	}
	if required != platform.PermFollower || ev.Platform != identity.PlatformTwitch {
		return false
	}

	token, err := appToken.Get(ctx)
	if err != nil {
		follower := true
		ev.Follower = &follower
		return follower
	}

	follower, _ := twitch.CheckFollower(ctx, clientID, token, ev.BroadcasterID, ev.User.Identity.PlatformUserID)
	ev.Follower = &follower
	return follower
}

// TwitchAppTokenSource is the subset of *tokencache.TwitchAppToken the
// permission gate needs, kept as an interface so tests can fake it
// without an HTTP round trip.
type TwitchAppTokenSource interface {
	Get(ctx context.Context) (string, error)
}
