// Package api serves the HTTP surface of syncwarden: the push callback
// endpoint that executes dispatched jobs, provider webhook intake, and the
// operator endpoints for monitoring, breaker resets and manual syncs.
package api
