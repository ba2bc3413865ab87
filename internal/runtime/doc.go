// Package runtime holds the per-channel ChannelRuntime lifecycle map:
// start/stop/reload of a channel's compiled CommandMap as its
// ChannelConfig/AliasConfig changes.
package runtime
