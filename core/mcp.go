package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	errNotIndexed       = errors.New("mcp: page not indexed and no crawler wired")
	errNoStatusProvider = errors.New("mcp: no status provider wired")
)

// mcp.go defines the Go-side tool surface that an external MCP adapter
// (out of scope here) calls into. Each tool is a plain Go method; the
// stdio/HTTP framing and the tool-call protocol itself belong to that
// adapter, not to this package.

const (
	fetchPageMaxBytes   = 100 * 1024
	crawlURLPerHour     = 60
	crawlURLPendingCap  = 10
	crawlURLMaxDepth    = 3
)

// SearchToolInput is the input contract for the search and search_local tools.
type SearchToolInput struct {
	Query string
	Limit int
}

// SearchToolOutput is one ranked hit, matching the MCP output contract.
type SearchToolOutput struct {
	URL             string             `json:"url"`
	Title           string             `json:"title"`
	Snippet         string             `json:"snippet"`
	Score           float64            `json:"score"`
	ScoresBreakdown map[string]float64 `json:"scores_breakdown,omitempty"`
}

// FetchPageInput is the input contract for the fetch_page tool.
type FetchPageInput struct {
	URL string
}

// FetchPageOutput is the fetch_page tool's output contract.
type FetchPageOutput struct {
	Text      string    `json:"text"`
	IsCached  bool      `json:"is_cached"`
	CrawlTime time.Time `json:"crawl_time"`
	SourceURL string    `json:"source_url"`
}

// CrawlURLInput is the input contract for the crawl_url tool.
type CrawlURLInput struct {
	URL   string
	Depth int
	Force bool
}

// CrawlURLOutput acknowledges a crawl_url request; the crawl itself runs
// asynchronously against the crawl engine's job queue.
type CrawlURLOutput struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ToolSurface implements the five MCP tools against the node's wired
// components. All methods are safe for concurrent use.
type ToolSurface struct {
	orchestrator *Orchestrator
	index        *Index
	crawler      *Crawler
	status       StatusProvider
	enqueueCrawl func(job CrawlJob) error

	mu          sync.Mutex
	callerHits  map[string][]time.Time // caller -> crawl_url timestamps, for the 60/h quota
	pendingByDomain map[string]int
}

// NewToolSurface builds a tool surface bound to the given components.
// enqueueCrawl hands an accepted crawl_url request to the crawl engine's
// job queue; it is injected so mcp.go never depends on queue internals.
func NewToolSurface(o *Orchestrator, idx *Index, c *Crawler, sp StatusProvider, enqueueCrawl func(job CrawlJob) error) *ToolSurface {
	return &ToolSurface{
		orchestrator:    o,
		index:           idx,
		crawler:         c,
		status:          sp,
		enqueueCrawl:    enqueueCrawl,
		callerHits:      make(map[string][]time.Time),
		pendingByDomain: make(map[string]int),
	}
}

// Search answers the `search` tool: local BM25 probe plus DHT fan-out.
func (t *ToolSurface) Search(ctx context.Context, in SearchToolInput, peerID []byte) ([]SearchToolOutput, error) {
	return t.search(ctx, in, peerID, false)
}

// SearchLocal answers the `search_local` tool: local index only.
func (t *ToolSurface) SearchLocal(ctx context.Context, in SearchToolInput, peerID []byte) ([]SearchToolOutput, error) {
	return t.search(ctx, in, peerID, true)
}

func (t *ToolSurface) search(ctx context.Context, in SearchToolInput, peerID []byte, localOnly bool) ([]SearchToolOutput, error) {
	results, err := t.orchestrator.Search(ctx, SearchRequest{
		Query:     in.Query,
		Limit:     in.Limit,
		LocalOnly: localOnly,
		PeerID:    peerID,
	})
	if err != nil {
		return nil, err
	}
	out := make([]SearchToolOutput, len(results))
	for i, r := range results {
		out[i] = SearchToolOutput{
			URL:             r.URL,
			Title:           r.Title,
			Snippet:         r.Snippet,
			Score:           r.Score,
			ScoresBreakdown: r.ScoresBreakdown,
		}
	}
	return out, nil
}

// FetchPage answers the `fetch_page` tool, serving from the local index
// when the page is already indexed and only re-fetching on a cache miss.
func (t *ToolSurface) FetchPage(ctx context.Context, in FetchPageInput) (FetchPageOutput, error) {
	if doc, ok := t.findByURL(in.URL); ok {
		return FetchPageOutput{
			Text:      truncateRunes(doc.Text, fetchPageMaxBytes),
			IsCached:  true,
			CrawlTime: time.UnixMilli(doc.IndexedAt),
			SourceURL: in.URL,
		}, nil
	}
	if t.crawler == nil {
		return FetchPageOutput{}, NewError(InputRejected, "mcp.fetch_page", errNotIndexed)
	}
	res, err := t.crawler.Crawl(ctx, CrawlJob{URL: in.URL, Depth: 0})
	if err != nil {
		return FetchPageOutput{}, err
	}
	return FetchPageOutput{
		Text:      truncateRunes(res.NormalizedText, fetchPageMaxBytes),
		IsCached:  false,
		CrawlTime: time.Now(),
		SourceURL: in.URL,
	}, nil
}

// CrawlURL answers the `crawl_url` tool: admits the request against the
// per-caller hourly quota and the per-domain pending cap, then hands it to
// the crawl engine's queue.
func (t *ToolSurface) CrawlURL(ctx context.Context, in CrawlURLInput, caller string) (CrawlURLOutput, error) {
	if in.Depth < 0 || in.Depth > crawlURLMaxDepth {
		return CrawlURLOutput{Accepted: false, Reason: "depth out of range"}, nil
	}
	domain := domainOf(in.URL)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Hour)
	kept := t.callerHits[caller][:0]
	for _, ts := range t.callerHits[caller] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= crawlURLPerHour {
		t.callerHits[caller] = kept
		return CrawlURLOutput{Accepted: false, Reason: "caller quota exceeded"}, nil
	}
	if t.pendingByDomain[domain] >= crawlURLPendingCap {
		t.callerHits[caller] = kept
		return CrawlURLOutput{Accepted: false, Reason: "domain pending cap reached"}, nil
	}

	kept = append(kept, now)
	t.callerHits[caller] = kept
	t.pendingByDomain[domain]++

	if t.enqueueCrawl != nil {
		if err := t.enqueueCrawl(CrawlJob{URL: in.URL, Depth: in.Depth, Force: in.Force}); err != nil {
			t.pendingByDomain[domain]--
			return CrawlURLOutput{Accepted: false, Reason: err.Error()}, nil
		}
	}
	return CrawlURLOutput{Accepted: true}, nil
}

// CrawlCompleted releases rawURL's domain slot from the pending cap,
// regardless of whether the crawl succeeded. The crawl worker calls this
// once per job it finishes.
func (t *ToolSurface) CrawlCompleted(rawURL string) {
	domain := domainOf(rawURL)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingByDomain[domain] > 0 {
		t.pendingByDomain[domain]--
	}
}

// Status answers the `status` tool.
func (t *ToolSurface) Status(ctx context.Context) (StatusSnapshot, error) {
	if t.status == nil {
		return StatusSnapshot{}, NewError(Fatal, "mcp.status", errNoStatusProvider)
	}
	return t.status.StatusSnapshot(), nil
}

func (t *ToolSurface) findByURL(rawURL string) (*Document, bool) {
	if t.index == nil {
		return nil, false
	}
	t.index.mu.RLock()
	defer t.index.mu.RUnlock()
	for _, doc := range t.index.docs {
		if doc.Metadata["url"] == rawURL {
			return doc, true
		}
	}
	return nil, false
}

func truncateRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes]
}

func domainOf(rawURL string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}
