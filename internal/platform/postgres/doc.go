// Package postgres implements the syncwarden state stores on PostgreSQL:
// breaker, token health, schedule, webhook and metric state, the
// idempotency table, the worker job broker and the push task table. It also
// owns the embedded schema migrations.
package postgres
