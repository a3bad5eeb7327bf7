// Package testdb provides database helpers for the integration tests, which
// are built with the integration tag:
//
//	DATABASE_URL=postgres://... go test -tags=integration ./...
//
// Every helper skips the calling test when no database URL is configured.
// Tests run inside a transaction that is always rolled back, so they can run
// in parallel against one database without cleaning up.
package testdb
