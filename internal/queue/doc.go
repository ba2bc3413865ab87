// Package queue implements the channel queue engine: join/next/move/
// prio/leave/reorder and friends, each running as a single
// store.Store.WithQueueTx transaction so DB commit is the engine's
// only serialization point.
package queue
