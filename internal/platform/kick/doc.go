// Package kick implements platform.Adapter over Kick's Pusher-compatible
// WebSocket chat feed plus its REST chat-send endpoint, including the
// 500-retry dance described in spec.md §4.5 and exercised by §8
// scenario 6.
package kick
