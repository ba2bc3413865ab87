// Package store defines the persistence contract for krapbott-gateway
// and a PostgreSQL implementation of it.
//
// # Overview
//
// Store is a narrow interface: stream-user identity, queue rows (plus
// the transactional mutation boundary the queue engine requires),
// channel configuration, alias configuration, bans and web sessions.
// Schema objects live under the "krapbott_v2" namespace.
//
// # Transactions
//
// Every queue mutation (next, move, prio, remove, reorder, randomize)
// runs inside a single transaction obtained via WithQueueTx. That is
// the system's only serialization point for queue state — see
// internal/queue for the operations themselves.
//
// # Testing
//
// MockStore is an in-memory implementation of Store used by
// internal/queue, internal/commands and internal/eventloop tests. It
// does not require a live Postgres instance.
package store
