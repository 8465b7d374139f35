package mcp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	// PromptsPageSize is the page size for prompts/list.
	PromptsPageSize = 50

	// ResourceTemplatesPageSize is the page size for resources/templates/list
	// and resources/list.
	ResourceTemplatesPageSize = 100
)

type pageCursor struct {
	Offset int `json:"offset"`
}

// encodeCursor renders an offset as the base64-JSON cursor clients pass back
// as the next request's "cursor" param.
func encodeCursor(offset int) string {
	raw, _ := json.Marshal(pageCursor{Offset: offset})
	return base64.StdEncoding.EncodeToString(raw)
}

// decodeCursor parses a cursor produced by encodeCursor. An empty cursor
// decodes to offset 0, the first page.
func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("mcp: decode cursor: %w", err)
	}
	var c pageCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return 0, fmt.Errorf("mcp: decode cursor: %w", err)
	}
	if c.Offset < 0 {
		return 0, fmt.Errorf("mcp: cursor offset must not be negative")
	}
	return c.Offset, nil
}

// paginate slices items starting at cursor's offset, returning up to limit
// of them plus the cursor for the next page ("" once exhausted).
//
// Concatenating every page produced this way, in order, reconstructs items
// exactly: paginate is a pure slice over a stable list, so no item is
// skipped or duplicated across the walk regardless of limit.
func paginate[T any](items []T, cursor string, limit int) ([]T, string, error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if offset > len(items) {
		return nil, "", nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	page := items[offset:end]
	nextCursor := ""
	if end < len(items) {
		nextCursor = encodeCursor(end)
	}
	return page, nextCursor, nil
}
