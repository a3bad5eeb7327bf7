// Package queue defines the dispatch contract shared by every background job
// in syncwarden.
//
// Callers enqueue work through Backend and never learn which strategy is
// active: the pull-based worker backend (package worker) or the push-based
// HTTP dispatcher (package push). Both strategies share the closed set of
// queue names, the per-queue retry and rate configuration held by Registry,
// the Cloud Tasks style Backoff curve, and the Executor that performs the
// idempotency check around each handler invocation.
package queue
