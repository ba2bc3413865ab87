// Package commands implements the command registry and per-channel
// CommandMap compiler (spec.md §4.3): packages of canonical commands
// with default aliases, overlaid with a channel's disabled-commands,
// removed-aliases and custom-aliases overrides. internal/runtime holds
// the compiled CommandMap; internal/eventloop looks commands up in it.
package commands
