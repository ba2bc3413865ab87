// Package web exposes the overlay's REST+SSE control surface: reading
// and mutating a channel's queue over HTTP, and a live event stream so
// open overlays update without polling.
package web
