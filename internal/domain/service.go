package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnknownFeed is returned when a skeleton is requested for a feed URI
// this generator does not serve.
var ErrUnknownFeed = errors.New("unknown feed")

// FeedConfig describes a single feed served by this generator.
type FeedConfig struct {
	// URI is the AT-URI of the feed generator record.
	URI string

	DisplayName string
	Description string
}

func newFeedURI(publisherDID, feedName string) string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", publisherDID, feedName)
}

// NewSelfQuotesFeedConfig returns the configuration for the self-quotes
// feed published under the given DID.
func NewSelfQuotesFeedConfig(publisherDID string) FeedConfig {
	return FeedConfig{
		URI:         newFeedURI(publisherDID, "self-quotes"),
		DisplayName: "Self Quotes",
		Description: "Posts where people link to their own profiles or posts",
	}
}

// FeedService is the core domain service. It owns the business logic for
// detecting self-quotes in incoming posts, writing matches into the index,
// and serving feed skeletons.
type FeedService struct {
	feeds  map[string]FeedConfig // keyed by feed URI
	index  PostIndex
	logger *slog.Logger
}

// NewFeedService creates a FeedService with the given feed configurations.
func NewFeedService(configs []FeedConfig, index PostIndex, logger *slog.Logger) (*FeedService, error) {
	feeds := make(map[string]FeedConfig, len(configs))
	for _, cfg := range configs {
		if cfg.URI == "" {
			return nil, fmt.Errorf("feed %q: URI is required", cfg.DisplayName)
		}
		feeds[cfg.URI] = cfg
	}

	return &FeedService{
		feeds:  feeds,
		index:  index,
		logger: logger,
	}, nil
}

// Feeds returns the configurations of all registered feeds.
func (s *FeedService) Feeds() []FeedConfig {
	feeds := make([]FeedConfig, 0, len(s.feeds))
	for _, cfg := range s.feeds {
		feeds = append(feeds, cfg)
	}
	return feeds
}

// ProcessNewPost runs self-quote detection on an incoming post and stores
// it in the index on a match. The result is returned so callers can count
// matches.
func (s *FeedService) ProcessNewPost(ctx context.Context, incoming *IncomingPost) MatchResult {
	result := MatchSelfQuote(incoming.AuthorDID, incoming.AuthorHandle, incoming.Text)
	if !result.Matched {
		return result
	}

	s.index.Insert(&Post{
		URI:          incoming.URI,
		Revision:     incoming.Revision,
		AuthorDID:    incoming.AuthorDID,
		AuthorHandle: incoming.AuthorHandle,
		Text:         incoming.Text,
		MatchKind:    result.Kind,
		MatchedURL:   result.MatchedURL,
		IndexedAt:    time.Now().UTC(),
	})
	return result
}

// ProcessDeletePost removes a post by URI.
func (s *FeedService) ProcessDeletePost(uri string) {
	s.index.Delete(uri)
}

// Stats reports the indexed post count and the number of distinct authors.
func (s *FeedService) Stats() (posts, authors int) {
	return s.index.PostCount(), s.index.UniqueAuthors()
}

// GetFeedSkeleton returns a page of the feed skeleton for the given feed URI.
func (s *FeedService) GetFeedSkeleton(ctx context.Context, feedURI string, limit int, cursor string) (*FeedSkeleton, error) {
	if _, ok := s.feeds[feedURI]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, feedURI)
	}

	posts, nextCursor, err := s.index.Query(limit, cursor)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}

	s.logger.Debug("feed skeleton page",
		"feed", feedURI,
		"posts", len(posts),
		"next_cursor", nextCursor,
	)

	skeleton := &FeedSkeleton{
		Cursor: nextCursor,
		Posts:  make([]SkeletonPost, len(posts)),
	}
	for i, p := range posts {
		skeleton.Posts[i] = SkeletonPost{Post: p.URI}
	}
	return skeleton, nil
}

// Describe returns the generator description served by describeFeedGenerator.
func (s *FeedService) Describe(serviceDID string) *GeneratorDescription {
	feeds := make([]FeedDescription, 0, len(s.feeds))
	for _, cfg := range s.feeds {
		feeds = append(feeds, FeedDescription{
			URI:         cfg.URI,
			DisplayName: cfg.DisplayName,
			Description: cfg.Description,
		})
	}
	return &GeneratorDescription{
		DID:   serviceDID,
		Feeds: feeds,
	}
}
