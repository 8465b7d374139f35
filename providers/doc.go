// Package providers describes this bridge's single upstream identity
// provider. Unlike a multi-tenant OAuth gateway juggling several IdPs,
// this resource server bridges exactly one: Config carries its
// {client_id, client_secret, accounts_url, token_endpoint_path} shape and
// projects it onto the OAuth Flow Engine's and Refresher's own
// provider-config types.
package providers
