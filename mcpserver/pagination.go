package mcpserver

import (
	"strconv"

	"github.com/ggoodman/mcp-session-go/jsonrpc"
)

// DefaultPageSize is the number of tools returned per tools/list page.
const DefaultPageSize = 50

// page returns the slice of items starting at cursor and the cursor of the
// next page, which is empty on the last page. Cursors are opaque to clients
// but are plain offsets here.
func page[T any](items []T, cursor string, size int) ([]T, string, error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(items) {
			return nil, "", jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid cursor")
		}
		start = n
	}
	end := min(start+size, len(items))
	out := make([]T, end-start)
	copy(out, items[start:end])
	if end < len(items) {
		return out, strconv.Itoa(end), nil
	}
	return out, "", nil
}
