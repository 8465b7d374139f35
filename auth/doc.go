// Package auth implements the Auth Resolver (C4): given incoming request
// headers and a configured strategy, it produces the set of headers
// downstream tool handlers should see and, for the oauth strategy, resolves
// the resource-server bearer token to a fresh upstream provider token.
package auth
