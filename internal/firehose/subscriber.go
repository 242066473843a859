package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/selfquotes-feed/internal/domain"
	"github.com/blackmichael/selfquotes-feed/internal/metrics"
)

const (
	postCollection = "app.bsky.feed.post"

	cursorServiceName  = "jetstream"
	cursorSaveInterval = 5 * time.Second
	statsLogInterval   = 30 * time.Second

	defaultReconnectDelay = 5 * time.Second
)

// wantedCollections is the set of AT Proto collection NSIDs this subscriber
// requests from Jetstream. Only post events are needed for self-quote
// detection.
var wantedCollections = []string{
	postCollection,
}

// State identifies the subscriber's connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Subscriber connects to the Jetstream firehose and feeds created posts
// through self-quote detection. It reconnects after a fixed delay on any
// connection error and runs until Stop is called or its context is
// cancelled; Stopped is terminal.
type Subscriber struct {
	url            string
	reconnectDelay time.Duration
	feedService    *domain.FeedService
	resolver       domain.HandleResolver
	cursors        domain.CursorStore
	logger         *slog.Logger

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	conn   *websocket.Conn
}

// NewSubscriber creates a new firehose subscriber. A non-positive
// reconnectDelay selects the default.
func NewSubscriber(
	firehoseURL string,
	reconnectDelay time.Duration,
	feedService *domain.FeedService,
	resolver domain.HandleResolver,
	cursors domain.CursorStore,
	logger *slog.Logger,
) *Subscriber {
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	return &Subscriber{
		url:            firehoseURL,
		reconnectDelay: reconnectDelay,
		feedService:    feedService,
		resolver:       resolver,
		cursors:        cursors,
		logger:         logger,
	}
}

// State reports the subscriber's current lifecycle phase.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// Start connects to the firehose and processes events until Stop is called
// or the context is cancelled. It reconnects automatically on transient
// errors and returns nil after a clean stop.
func (s *Subscriber) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for {
		if s.State() == StateStopped {
			return nil
		}
		s.transition(StateConnecting)

		err := s.subscribe(ctx)
		if s.State() == StateStopped || ctx.Err() != nil {
			s.state.Store(int32(StateStopped))
			return nil
		}

		s.transition(StateDisconnected)
		metrics.Reconnects.Inc()
		s.logger.Error("firehose connection error, reconnecting",
			"error", err,
			"delay", s.reconnectDelay,
		)

		timer := time.NewTimer(s.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.state.Store(int32(StateStopped))
			return nil
		case <-timer.C:
		}
	}
}

// Stop terminates the subscription. It cancels a pending reconnect, closes
// the live connection, and moves the subscriber to the terminal Stopped
// state. Safe to call more than once.
func (s *Subscriber) Stop() {
	s.state.Store(int32(StateStopped))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// transition moves to the given state unless the subscriber has already
// been stopped. Stopped is terminal.
func (s *Subscriber) transition(next State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateStopped {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (s *Subscriber) buildURL(cursor int64) string {
	u, _ := url.Parse(s.url)
	q := u.Query()
	for _, c := range wantedCollections {
		q.Add("wantedCollections", c)
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	cursor := s.cursors.GetCursor(cursorServiceName)

	wsURL := s.buildURL(cursor)
	s.logger.Info("connecting to firehose", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}

	s.mu.Lock()
	if s.State() == StateStopped {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	s.transition(StateConnected)
	s.logger.Info("connected to firehose")

	lastCursorSave := time.Now()
	lastStatsLog := time.Now()
	var latestCursor int64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		event, err := parseEvent(message)
		if err != nil {
			metrics.MalformedEvents.Inc()
			s.logger.Error("failed to parse event", "error", err)
			continue
		}

		metrics.EventsReceived.Inc()
		latestCursor = event.TimeUS

		if event.Kind == "commit" && event.Commit != nil {
			s.handleCommit(ctx, event)
		}

		if time.Since(lastStatsLog) >= statsLogInterval {
			posts, authors := s.feedService.Stats()
			s.logger.Info("firehose stats",
				"indexed_posts", posts,
				"unique_authors", authors,
			)
			lastStatsLog = time.Now()
		}

		if latestCursor > 0 && time.Since(lastCursorSave) >= cursorSaveInterval {
			s.cursors.UpdateCursor(cursorServiceName, latestCursor)
			lastCursorSave = time.Now()
		}
	}
}

func (s *Subscriber) handleCommit(ctx context.Context, event *jetstreamEvent) {
	commit := event.Commit
	if commit.Collection != postCollection {
		return
	}

	uri := fmt.Sprintf("at://%s/%s/%s", event.DID, commit.Collection, commit.RKey)

	switch commit.Operation {
	case "create":
		if commit.Record == nil || commit.Record.Text == "" {
			return
		}
		metrics.PostsExamined.Inc()

		handle, ok := s.authorHandle(ctx, event)
		if !ok {
			// Dropped, not retried. The author's next post gets a fresh
			// attempt once the negative cache entry expires.
			metrics.PostsSkippedUnresolved.Inc()
			return
		}

		incoming := &domain.IncomingPost{
			URI:          uri,
			Revision:     commit.Rev,
			AuthorDID:    event.DID,
			AuthorHandle: handle,
			Text:         commit.Record.Text,
		}

		if result := s.feedService.ProcessNewPost(ctx, incoming); result.Matched {
			metrics.PostsMatched.Inc()
			s.logger.Info("matched self-quote",
				"uri", uri,
				"handle", handle,
				"kind", result.Kind,
				"matched_url", result.MatchedURL,
				"text_preview", truncate(incoming.Text, 100),
			)
		}

	case "delete":
		s.feedService.ProcessDeletePost(uri)
	}
}

// authorHandle determines the author's handle for an event: the identity
// side-channel when it carries a real handle, otherwise a directory lookup.
func (s *Subscriber) authorHandle(ctx context.Context, event *jetstreamEvent) (string, bool) {
	if id := event.Identity; id != nil && id.Handle != "" && !strings.HasPrefix(id.Handle, "did:") {
		return normalizeHandle(id.Handle), true
	}

	handle, ok := s.resolver.Resolve(ctx, event.DID)
	if !ok {
		return "", false
	}
	return normalizeHandle(handle), true
}

// normalizeHandle appends the default domain to handles without a domain
// component.
func normalizeHandle(handle string) string {
	if !strings.Contains(handle, ".") {
		return handle + domain.DefaultHandleSuffix
	}
	return handle
}

// truncate returns the first n bytes of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
