// Package domain defines the per-(user, integration) state records shared by
// the resilience layer: circuit breaker state, token health, adaptive sync
// schedules, webhook subscriptions and the append-only sync metric log.
//
// The types here carry no persistence or transport logic. Stores in
// internal/platform/postgres and the in-memory stores in each component
// package map them to and from storage.
package domain
