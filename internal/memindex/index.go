// Package memindex provides the volatile in-memory post index. Everything
// in it is lost on restart and rebuilt from the live firehose.
package memindex

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blackmichael/selfquotes-feed/internal/domain"
)

// record pairs a stored post with a monotonic insertion sequence used to
// break ordering ties between posts sharing an IndexedAt timestamp.
type record struct {
	post domain.Post
	seq  uint64
}

// Index implements domain.PostIndex and domain.CursorStore. All methods are
// safe for concurrent use; queries observe a consistent snapshot under the
// read lock and return copies, never references into the store.
type Index struct {
	mu      sync.RWMutex
	byURI   map[string]*record
	ordered []*record // ascending by (IndexedAt, seq)
	seq     uint64

	cursorMu sync.Mutex
	cursors  map[string]int64
}

// New creates an empty index.
func New() *Index {
	return &Index{
		byURI:   make(map[string]*record),
		cursors: make(map[string]int64),
	}
}

// Insert upserts a post by URI. Re-inserting an existing URI replaces the
// stored record with the latest values.
func (x *Index) Insert(post *domain.Post) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if old, ok := x.byURI[post.URI]; ok {
		x.removeOrdered(old)
	}

	x.seq++
	rec := &record{post: *post, seq: x.seq}
	x.byURI[post.URI] = rec

	// New posts almost always carry the newest IndexedAt, but re-inserts
	// may not, so place by binary search rather than appending blindly.
	i := sort.Search(len(x.ordered), func(i int) bool {
		return less(rec, x.ordered[i])
	})
	x.ordered = append(x.ordered, nil)
	copy(x.ordered[i+1:], x.ordered[i:])
	x.ordered[i] = rec
}

// Delete removes a post by URI. Unknown URIs are a no-op.
func (x *Index) Delete(uri string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	rec, ok := x.byURI[uri]
	if !ok {
		return
	}
	delete(x.byURI, uri)
	x.removeOrdered(rec)
}

// Query retrieves up to limit posts ordered by IndexedAt descending, ties
// broken by insertion order (newest insert first). A non-empty cursor
// restricts results to posts indexed strictly before it. The returned
// cursor is the IndexedAt of the last post on a full page, empty when the
// page is empty or reaches the end of the index.
func (x *Index) Query(limit int, cursor string) ([]domain.Post, string, error) {
	var before time.Time
	if cursor != "" {
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %q", domain.ErrInvalidCursor, cursor)
		}
		before = t
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	posts := make([]domain.Post, 0, limit)
	for i := len(x.ordered) - 1; i >= 0 && len(posts) < limit; i-- {
		rec := x.ordered[i]
		if !before.IsZero() && !rec.post.IndexedAt.Before(before) {
			continue
		}
		posts = append(posts, rec.post)
	}

	var next string
	if limit > 0 && len(posts) == limit {
		next = FormatCursor(posts[len(posts)-1].IndexedAt)
	}
	return posts, next, nil
}

// PostCount reports the number of indexed posts.
func (x *Index) PostCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byURI)
}

// UniqueAuthors reports the number of distinct author DIDs in the index.
func (x *Index) UniqueAuthors() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	authors := make(map[string]struct{}, len(x.byURI))
	for _, rec := range x.byURI {
		authors[rec.post.AuthorDID] = struct{}{}
	}
	return len(authors)
}

// GetCursor retrieves the saved firehose position for a service. Returns 0
// if none has been saved this process.
func (x *Index) GetCursor(service string) int64 {
	x.cursorMu.Lock()
	defer x.cursorMu.Unlock()
	return x.cursors[service]
}

// UpdateCursor records the firehose position for a service.
func (x *Index) UpdateCursor(service string, cursor int64) {
	x.cursorMu.Lock()
	defer x.cursorMu.Unlock()
	x.cursors[service] = cursor
}

// FormatCursor renders an IndexedAt timestamp as an opaque pagination
// cursor.
func FormatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// removeOrdered drops rec from the ordered slice. Callers must hold the
// write lock.
func (x *Index) removeOrdered(rec *record) {
	i := sort.Search(len(x.ordered), func(i int) bool {
		return !less(x.ordered[i], rec)
	})
	if i < len(x.ordered) && x.ordered[i] == rec {
		x.ordered = append(x.ordered[:i], x.ordered[i+1:]...)
	}
}

func less(a, b *record) bool {
	if !a.post.IndexedAt.Equal(b.post.IndexedAt) {
		return a.post.IndexedAt.Before(b.post.IndexedAt)
	}
	return a.seq < b.seq
}
