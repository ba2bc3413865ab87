// Package gateway wires every collaborator — store, token caches,
// platform adapters, command registry, channel runtime manager, event
// loop and web server — into a single runnable Bot.
package gateway
