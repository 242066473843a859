package domain

import "time"

// MatchKind says what the author's self-link pointed at.
type MatchKind string

const (
	MatchKindProfile MatchKind = "profile"
	MatchKindPost    MatchKind = "post"
)

// Post represents an indexed self-quote post. Records are immutable once
// stored; the index is volatile and rebuilt from the live stream after a
// restart.
type Post struct {
	// URI is the AT-URI of the post (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	URI string

	// Revision is the per-commit version token from the firehose event.
	Revision string

	// AuthorDID is the DID of the post's author.
	AuthorDID string

	// AuthorHandle is the author's handle at indexing time. It is not
	// re-resolved and may go stale.
	AuthorHandle string

	// Text is the raw post body.
	Text string

	// MatchKind says whether the self-link pointed at the author's profile
	// or at one of their own posts.
	MatchKind MatchKind

	// MatchedURL is the literal substring of Text that triggered the match.
	MatchedURL string

	// IndexedAt is when we indexed this post. It is the pagination key.
	IndexedAt time.Time
}

// IncomingPost represents a new post from the firehose that hasn't been
// matched yet. It carries the text and author identity needed for detection.
type IncomingPost struct {
	// URI is the AT-URI of the post.
	URI string

	// Revision is the per-commit version token carried on the event.
	Revision string

	// AuthorDID is the DID of the post's author.
	AuthorDID string

	// AuthorHandle is the author's handle, already normalized to carry a
	// domain component.
	AuthorHandle string

	// Text is the post body text.
	Text string
}
