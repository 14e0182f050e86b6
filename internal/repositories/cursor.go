package repositories

import (
	"fmt"
	"time"

	"github.com/partsdesk/api/internal/platform/pagination"
)

const (
	defaultListPageSize = 20
	maxListPageSize     = 100
)

// PageCursor is the position after the last returned row in (createdAt desc, id desc) order.
type PageCursor struct {
	CreatedAt time.Time
	ID        string
}

// EncodePageCursor renders the cursor as an opaque page token.
func EncodePageCursor(createdAt time.Time, id string) (string, error) {
	return pagination.EncodeToken(pagination.Cursor{
		Keys: []string{createdAt.UTC().Format(time.RFC3339Nano), id},
	})
}

// DecodePageCursor parses a token produced by EncodePageCursor. An empty token yields ok=false.
func DecodePageCursor(token string) (cursor PageCursor, ok bool, err error) {
	if token == "" {
		return PageCursor{}, false, nil
	}
	raw, err := pagination.DecodeToken(token)
	if err != nil {
		return PageCursor{}, false, err
	}
	if len(raw.Keys) != 2 || raw.Keys[1] == "" {
		return PageCursor{}, false, fmt.Errorf("%w: unexpected cursor shape", pagination.ErrInvalidPageToken)
	}
	id := raw.Keys[1]
	createdAt, err := time.Parse(time.RFC3339Nano, raw.Keys[0])
	if err != nil {
		return PageCursor{}, false, fmt.Errorf("%w: %v", pagination.ErrInvalidPageToken, err)
	}
	return PageCursor{CreatedAt: createdAt, ID: id}, true, nil
}

// After reports whether a row at (createdAt, id) sorts after the cursor in descending order.
func (c PageCursor) After(createdAt time.Time, id string) bool {
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// NormalizePageSize clamps a requested page size into the supported range.
func NormalizePageSize(size int) int {
	if size <= 0 {
		return defaultListPageSize
	}
	if size > maxListPageSize {
		return maxListPageSize
	}
	return size
}
