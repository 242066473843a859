package firehose

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/selfquotes-feed/internal/domain"
	"github.com/blackmichael/selfquotes-feed/internal/memindex"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeResolver implements domain.HandleResolver with a fixed table.
type fakeResolver struct {
	handles map[string]string
	calls   atomic.Int64
}

func (f *fakeResolver) Resolve(_ context.Context, did string) (string, bool) {
	f.calls.Add(1)
	handle, ok := f.handles[did]
	return handle, ok
}

// fakeJetstream serves a WebSocket endpoint that sends the given messages
// and then blocks until the client goes away.
func fakeJetstream(t *testing.T, messages []string) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}

		// Hold the connection open; reads fail once the client closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestSubscriber(t *testing.T, url string, resolver domain.HandleResolver) (*Subscriber, *memindex.Index) {
	t.Helper()

	index := memindex.New()
	cfg := domain.NewSelfQuotesFeedConfig("did:web:feed.example.com")
	svc, err := domain.NewFeedService([]domain.FeedConfig{cfg}, index, testLogger())
	require.NoError(t, err)

	return NewSubscriber(url, time.Hour, svc, resolver, index, testLogger()), index
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

const selfQuoteEvent = `{
	"did": "did:plc:abc",
	"time_us": 1000,
	"kind": "commit",
	"commit": {
		"rev": "rev1",
		"operation": "create",
		"collection": "app.bsky.feed.post",
		"rkey": "3k1",
		"record": {"$type": "app.bsky.feed.post", "text": "https://bsky.app/profile/alice.example", "createdAt": "2024-09-09T19:46:02.102Z"}
	},
	"identity": {"did": "did:plc:abc", "handle": "alice.example"}
}`

func TestSubscriber_IndexesMatchedPost(t *testing.T) {
	srv := fakeJetstream(t, []string{selfQuoteEvent})
	defer srv.Close()

	sub, index := newTestSubscriber(t, wsURL(srv), &fakeResolver{})

	done := make(chan error, 1)
	go func() { done <- sub.Start(context.Background()) }()

	require.True(t, waitFor(t, 5*time.Second, func() bool { return index.PostCount() == 1 }),
		"matched post was not indexed")

	posts, _, err := index.Query(10, "")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "at://did:plc:abc/app.bsky.feed.post/3k1", posts[0].URI)
	assert.Equal(t, "rev1", posts[0].Revision)
	assert.Equal(t, "alice.example", posts[0].AuthorHandle)
	assert.Equal(t, domain.MatchKindProfile, posts[0].MatchKind)

	sub.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	assert.Equal(t, StateStopped, sub.State())
}

func TestSubscriber_IdentitySideChannelSkipsResolver(t *testing.T) {
	srv := fakeJetstream(t, []string{selfQuoteEvent})
	defer srv.Close()

	resolver := &fakeResolver{}
	sub, index := newTestSubscriber(t, wsURL(srv), resolver)

	go sub.Start(context.Background())
	defer sub.Stop()

	require.True(t, waitFor(t, 5*time.Second, func() bool { return index.PostCount() == 1 }))
	assert.Equal(t, int64(0), resolver.calls.Load())
}

func TestSubscriber_ResolvesHandleWhenNoSideChannel(t *testing.T) {
	// Same event without the identity side-channel and a bare handle from
	// the resolver: the DID link still matches and the handle gets the
	// default domain appended.
	event := `{
		"did": "did:plc:abc",
		"time_us": 1000,
		"kind": "commit",
		"commit": {
			"rev": "rev1",
			"operation": "create",
			"collection": "app.bsky.feed.post",
			"rkey": "3k1",
			"record": {"$type": "app.bsky.feed.post", "text": "https://bsky.app/profile/did:plc:abc", "createdAt": "2024-09-09T19:46:02.102Z"}
		}
	}`
	srv := fakeJetstream(t, []string{event})
	defer srv.Close()

	resolver := &fakeResolver{handles: map[string]string{"did:plc:abc": "alice"}}
	sub, index := newTestSubscriber(t, wsURL(srv), resolver)

	go sub.Start(context.Background())
	defer sub.Stop()

	require.True(t, waitFor(t, 5*time.Second, func() bool { return index.PostCount() == 1 }))
	assert.GreaterOrEqual(t, resolver.calls.Load(), int64(1))

	posts, _, err := index.Query(10, "")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "alice.bsky.social", posts[0].AuthorHandle)
}

func TestSubscriber_DropsUnresolvedAuthor(t *testing.T) {
	events := []string{
		// Unresolvable author first, then a resolvable marker event so we
		// can tell processing got past the first one.
		`{
			"did": "did:plc:unknown",
			"time_us": 1000,
			"kind": "commit",
			"commit": {
				"rev": "rev1",
				"operation": "create",
				"collection": "app.bsky.feed.post",
				"rkey": "3k1",
				"record": {"$type": "app.bsky.feed.post", "text": "https://bsky.app/profile/did:plc:unknown", "createdAt": "2024-09-09T19:46:02.102Z"}
			}
		}`,
		selfQuoteEvent,
	}
	srv := fakeJetstream(t, events)
	defer srv.Close()

	sub, index := newTestSubscriber(t, wsURL(srv), &fakeResolver{})

	go sub.Start(context.Background())
	defer sub.Stop()

	require.True(t, waitFor(t, 5*time.Second, func() bool { return index.PostCount() == 1 }))

	posts, _, err := index.Query(10, "")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "did:plc:abc", posts[0].AuthorDID, "unresolved author's post must be dropped")
}

func TestSubscriber_DeleteRemovesPost(t *testing.T) {
	secondPost := strings.ReplaceAll(selfQuoteEvent, "3k1", "3k2")
	deleteEvent := `{
		"did": "did:plc:abc",
		"time_us": 3000,
		"kind": "commit",
		"commit": {
			"rev": "rev3",
			"operation": "delete",
			"collection": "app.bsky.feed.post",
			"rkey": "3k1"
		}
	}`
	srv := fakeJetstream(t, []string{selfQuoteEvent, secondPost, deleteEvent})
	defer srv.Close()

	sub, index := newTestSubscriber(t, wsURL(srv), &fakeResolver{})

	go sub.Start(context.Background())
	defer sub.Stop()

	// Both posts show up, then the first is deleted by the third event.
	require.True(t, waitFor(t, 5*time.Second, func() bool {
		posts, _, err := index.Query(10, "")
		return err == nil && len(posts) == 1 && posts[0].URI == "at://did:plc:abc/app.bsky.feed.post/3k2"
	}))
}

func TestSubscriber_MalformedEventsAreNotFatal(t *testing.T) {
	srv := fakeJetstream(t, []string{`{broken`, selfQuoteEvent})
	defer srv.Close()

	sub, index := newTestSubscriber(t, wsURL(srv), &fakeResolver{})

	go sub.Start(context.Background())
	defer sub.Stop()

	require.True(t, waitFor(t, 5*time.Second, func() bool { return index.PostCount() == 1 }))
}

func TestSubscriber_ReconnectsAfterClose(t *testing.T) {
	var dials atomic.Int64
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if n == 1 {
			// Drop the first connection immediately to force a reconnect.
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(selfQuoteEvent))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	index := memindex.New()
	cfg := domain.NewSelfQuotesFeedConfig("did:web:feed.example.com")
	svc, err := domain.NewFeedService([]domain.FeedConfig{cfg}, index, testLogger())
	require.NoError(t, err)

	sub := NewSubscriber(wsURL(srv), 20*time.Millisecond, svc, &fakeResolver{}, index, testLogger())

	go sub.Start(context.Background())
	defer sub.Stop()

	require.True(t, waitFor(t, 5*time.Second, func() bool { return index.PostCount() == 1 }))
	assert.GreaterOrEqual(t, dials.Load(), int64(2))
}

func TestSubscriber_StopCancelsPendingReconnect(t *testing.T) {
	// Nothing is listening, so the subscriber sits in its reconnect wait.
	sub, _ := newTestSubscriber(t, "ws://127.0.0.1:1/subscribe", &fakeResolver{})

	done := make(chan error, 1)
	go func() { done <- sub.Start(context.Background()) }()

	require.True(t, waitFor(t, 5*time.Second, func() bool {
		st := sub.State()
		return st == StateConnecting || st == StateDisconnected
	}))

	sub.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending reconnect was not cancelled")
	}
	assert.Equal(t, StateStopped, sub.State())
}

func TestSubscriber_ResumesFromSavedCursor(t *testing.T) {
	var gotCursor atomic.Value
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCursor.Store(r.URL.Query().Get("cursor"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sub, index := newTestSubscriber(t, wsURL(srv), &fakeResolver{})
	index.UpdateCursor("jetstream", 98765)

	go sub.Start(context.Background())
	defer sub.Stop()

	require.True(t, waitFor(t, 5*time.Second, func() bool {
		v, _ := gotCursor.Load().(string)
		return v == "98765"
	}))
}

func TestBuildURL(t *testing.T) {
	sub := &Subscriber{url: "wss://jetstream.example/subscribe"}

	u := sub.buildURL(0)
	assert.Contains(t, u, "wantedCollections=app.bsky.feed.post")
	assert.NotContains(t, u, "cursor=")

	u = sub.buildURL(42)
	assert.Contains(t, u, "cursor=42")
}
