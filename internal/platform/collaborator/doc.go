// Package collaborator holds the HTTP clients for the services this module
// drives but does not own: the per-integration sync routine, webhook
// channel registration, user notifications and contact suggestions.
package collaborator
