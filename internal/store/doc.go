// Package store holds the persistence primitives shared by every state store:
// the DBTX abstraction over *sql.DB and *sql.Tx, the transaction helper, and
// the sentinel errors that store implementations wrap.
//
// The store interfaces themselves live next to the component that owns the
// state (breaker.Store, schedule.Store, ...), and internal/platform/postgres
// provides the PostgreSQL implementations.
package store
