package domain

import (
	"context"
	"errors"
)

// ErrInvalidCursor is returned when a pagination cursor cannot be parsed.
var ErrInvalidCursor = errors.New("invalid cursor")

// PostIndex defines the volatile store for matched posts.
type PostIndex interface {
	// Insert upserts a post by URI. Re-inserting an existing URI overwrites
	// the stored record rather than duplicating it.
	Insert(post *Post)

	// Delete removes a post by its AT-URI. Unknown URIs are a no-op.
	Delete(uri string)

	// Query retrieves posts ordered by IndexedAt descending. A non-empty
	// cursor restricts results to posts indexed strictly before it. The
	// returned cursor is empty when the page is empty or reaches the end.
	Query(limit int, cursor string) ([]Post, string, error)

	// PostCount reports the number of indexed posts.
	PostCount() int

	// UniqueAuthors reports the number of distinct authors in the index.
	UniqueAuthors() int
}

// CursorStore tracks the firehose resume position per upstream service.
// Positions live only for the life of the process; zero means "start from
// the live tip".
type CursorStore interface {
	GetCursor(service string) int64
	UpdateCursor(service string, cursor int64)
}

// HandleResolver maps a DID to its current handle. The second return is
// false when the DID could not be resolved.
type HandleResolver interface {
	Resolve(ctx context.Context, did string) (string, bool)
}
