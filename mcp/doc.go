// Package mcp implements the Model Context Protocol JSON-RPC dispatcher: the
// method table (initialize, tools/list, tools/call, resources/list,
// resources/templates/list, prompts/list, ping, logging/setLevel), its
// notification handlers (notifications/initialized, notifications/cancelled),
// protocol version negotiation, paginated listing, and the static tool,
// resource, and prompt registries the dispatcher serves from.
package mcp
