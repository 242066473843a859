package domain

import (
	"regexp"
	"strings"
)

// DefaultHandleSuffix is the domain appended to bare handles. A handle
// without a domain component and its suffixed form are treated as the same
// identity.
const DefaultHandleSuffix = ".bsky.social"

// MatchResult reports whether a post text links back to its own author.
// Matched is false for the zero value.
type MatchResult struct {
	Matched    bool
	Kind       MatchKind
	MatchedURL string
}

var (
	postLinkPattern    = regexp.MustCompile(`https?://(?:bsky\.app|staging\.bsky\.app)/profile/([a-zA-Z0-9:._-]+)/post/([a-zA-Z0-9]+)`)
	profileLinkPattern = regexp.MustCompile(`https?://(?:bsky\.app|staging\.bsky\.app)/profile/([a-zA-Z0-9:._-]+)`)
)

// MatchSelfQuote decides whether text contains a link to its own author's
// profile or to one of their own posts. Post links are checked before
// profile links so a post link is never reported as a mere profile link;
// the first identity-equivalent candidate in that priority order wins.
//
// Comparison is case-insensitive throughout, including the DID. DIDs are
// case-sensitive in principle, so this is intentionally loose; it matches
// the behavior the feed has always had.
func MatchSelfQuote(authorDID, authorHandle, text string) MatchResult {
	handle := strings.ToLower(strings.TrimPrefix(authorHandle, "@"))
	did := strings.ToLower(authorDID)

	for _, m := range postLinkPattern.FindAllStringSubmatch(text, -1) {
		if isMatchingIdentity(strings.ToLower(m[1]), did, handle) {
			return MatchResult{Matched: true, Kind: MatchKindPost, MatchedURL: m[0]}
		}
	}

	for _, loc := range profileLinkPattern.FindAllStringSubmatchIndex(text, -1) {
		// A profile URL immediately followed by a post path is a post link;
		// those were already considered above.
		if strings.HasPrefix(text[loc[1]:], "/post") {
			continue
		}
		urlID := strings.ToLower(text[loc[2]:loc[3]])
		if isMatchingIdentity(urlID, did, handle) {
			return MatchResult{Matched: true, Kind: MatchKindProfile, MatchedURL: text[loc[0]:loc[1]]}
		}
	}

	return MatchResult{}
}

// isMatchingIdentity reports whether a URL-extracted identifier refers to
// the author. The identifier may be the DID, the handle, or the handle with
// the default domain suffix stripped or added.
func isMatchingIdentity(urlID, did, handle string) bool {
	if urlID == did || urlID == handle {
		return true
	}
	bare := strings.TrimSuffix(handle, DefaultHandleSuffix)
	return urlID == bare || urlID == bare+DefaultHandleSuffix
}
