// Package oauth refreshes provider access tokens with golang.org/x/oauth2
// and keeps the resulting credentials sealed at rest.
package oauth
