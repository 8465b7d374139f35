// Package refresh implements the Refresher (C5): keeps a resource-server
// access token's upstream provider token fresh, deduplicating concurrent
// refreshes within one process and rate-limiting outbound refresh calls.
package refresh
