// Package identity resolves author DIDs to human-readable handles.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/blackmichael/selfquotes-feed/internal/metrics"
)

const (
	defaultPLCDirectoryURL = "https://plc.directory"
	defaultAppViewURL      = "https://public.api.bsky.app"

	defaultPrimaryTimeout  = 5 * time.Second
	defaultFallbackTimeout = 2 * time.Second
	defaultNegativeTTL     = time.Minute
)

// negative marks a cached resolution failure.
type negative struct{}

// Config holds the resolver's endpoints, timeouts, and negative-cache TTL.
// Zero values select defaults.
type Config struct {
	// PLCDirectoryURL is the base URL of the PLC directory used for the
	// primary DID document lookup.
	PLCDirectoryURL string

	// AppViewURL is the base URL of the public AppView used as a fallback.
	AppViewURL string

	// PrimaryTimeout bounds the directory lookup.
	PrimaryTimeout time.Duration

	// FallbackTimeout bounds the AppView lookup. It should be shorter than
	// PrimaryTimeout since the fallback runs after the primary already
	// spent its budget.
	FallbackTimeout time.Duration

	// NegativeTTL is how long a resolution failure is remembered before a
	// fresh attempt is allowed.
	NegativeTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.PLCDirectoryURL == "" {
		c.PLCDirectoryURL = defaultPLCDirectoryURL
	}
	if c.AppViewURL == "" {
		c.AppViewURL = defaultAppViewURL
	}
	if c.PrimaryTimeout <= 0 {
		c.PrimaryTimeout = defaultPrimaryTimeout
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = defaultFallbackTimeout
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = defaultNegativeTTL
	}
	return c
}

// Resolver maps DIDs to handles. Positive results are cached for the life
// of the process; failures are cached as negatives for a short window so a
// transient lookup error does not permanently blacklist an author. Expired
// negatives are actively evicted by the cache janitor. Concurrent calls for
// the same DID are coalesced into one lookup.
type Resolver struct {
	cfg        Config
	httpClient *http.Client
	cache      *gocache.Cache
	flight     singleflight.Group
	logger     *slog.Logger
}

// NewResolver creates a Resolver with the given configuration.
func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	cfg = cfg.withDefaults()
	return &Resolver{
		cfg:        cfg,
		httpClient: &http.Client{},
		cache:      gocache.New(cfg.NegativeTTL, cfg.NegativeTTL),
		logger:     logger,
	}
}

// Resolve returns the current handle for a DID. The second return is false
// when the DID could not be resolved; that outcome is cached until the
// negative TTL elapses.
func (r *Resolver) Resolve(ctx context.Context, did string) (string, bool) {
	if v, found := r.cache.Get(did); found {
		metrics.ResolverCacheHits.Inc()
		handle, ok := v.(string)
		return handle, ok
	}
	metrics.ResolverCacheMisses.Inc()

	v, _, _ := r.flight.Do(did, func() (any, error) {
		handle := r.lookup(ctx, did)
		if handle == "" {
			metrics.ResolverFailures.Inc()
			r.cache.Set(did, negative{}, gocache.DefaultExpiration)
			return "", nil
		}
		r.cache.Set(did, handle, gocache.NoExpiration)
		return handle, nil
	})

	handle := v.(string)
	return handle, handle != ""
}

// lookup tries the PLC directory first, then the AppView fallback. An empty
// result means both paths failed.
func (r *Resolver) lookup(ctx context.Context, did string) string {
	handle, err := r.resolveDirectory(ctx, did)
	if err == nil {
		return handle
	}
	r.logger.Debug("directory lookup failed, trying fallback", "did", did, "error", err)

	handle, err = r.resolveAppView(ctx, did)
	if err != nil {
		r.logger.Debug("handle resolution failed", "did", did, "error", err)
		return ""
	}
	return handle
}

// resolveDirectory fetches the DID document from the PLC directory and
// extracts the handle from the first at:// alias.
func (r *Resolver) resolveDirectory(ctx context.Context, did string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PrimaryTimeout)
	defer cancel()

	var doc struct {
		AlsoKnownAs []string `json:"alsoKnownAs"`
	}
	if err := r.getJSON(ctx, r.cfg.PLCDirectoryURL+"/"+url.PathEscape(did), &doc); err != nil {
		return "", err
	}

	for _, alias := range doc.AlsoKnownAs {
		if handle, ok := strings.CutPrefix(alias, "at://"); ok && handle != "" {
			return handle, nil
		}
	}
	return "", fmt.Errorf("no at:// alias in DID document for %s", did)
}

// resolveAppView asks the public AppView for the profile, which carries the
// handle directly.
func (r *Resolver) resolveAppView(ctx context.Context, did string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FallbackTimeout)
	defer cancel()

	var profile struct {
		Handle string `json:"handle"`
	}
	endpoint := r.cfg.AppViewURL + "/xrpc/app.bsky.actor.getProfile?actor=" + url.QueryEscape(did)
	if err := r.getJSON(ctx, endpoint, &profile); err != nil {
		return "", err
	}

	if profile.Handle == "" {
		return "", fmt.Errorf("profile for %s has no handle", did)
	}
	return profile.Handle, nil
}

func (r *Resolver) getJSON(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
