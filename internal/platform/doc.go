// Package platform defines the ChatEvent/Adapter contract that
// normalizes Twitch and Kick chat traffic into one shape (spec.md
// §4.5). The twitch and kick subpackages each implement Adapter over
// their own transport; internal/eventloop consumes only this
// package's types.
package platform
