package mcpservice

import (
	"errors"
	"strconv"
)

// DefaultPageSize is the number of items returned per list page.
const DefaultPageSize = 50

var ErrInvalidCursor = errors.New("invalid pagination cursor")

// Paginate returns the page of items starting at cursor along with the
// cursor for the following page, empty when there is none. Cursors are
// opaque to clients; here they encode an offset.
func Paginate[T any](items []T, cursor string, pageSize int) ([]T, string, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(items) {
			return nil, "", ErrInvalidCursor
		}
		start = n
	}
	end := min(start+pageSize, len(items))
	page := make([]T, end-start)
	copy(page, items[start:end])
	if end < len(items) {
		return page, strconv.Itoa(end), nil
	}
	return page, "", nil
}
