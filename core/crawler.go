package core

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// crawler.go implements the crawl engine's per-URL state machine and worker
// pool, fed by the JobQueue in messages.go. Every fetch path is SSRF-guarded
// at every redirect hop, never just the initial URL.

type CrawlState int

const (
	StateUnassigned CrawlState = iota
	StateOwned
	StateLocked
	StateFetching
	StateParsing
	StateDedup
	StateIndexed
	StateRejected
	StateFailed
)

func (s CrawlState) String() string {
	switch s {
	case StateOwned:
		return "owned"
	case StateLocked:
		return "locked"
	case StateFetching:
		return "fetching"
	case StateParsing:
		return "parsing"
	case StateDedup:
		return "dedup"
	case StateIndexed:
		return "indexed"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return "unassigned"
	}
}

const (
	maxBodyBytes      = 5 << 20 // 5 MiB
	crawlLockTTL      = 300 * time.Second
	maxRedirects      = 5
	politenessDefault = time.Second
	userAgent         = "meshsearch-crawler/1"
	crawlTopKeywords  = 32
)

// CrawlLockPayload is the body of a TagCrawlLock / TagCrawlLockRelease envelope.
type CrawlLockPayload struct {
	URL       string
	Owner     [32]byte
	ExpiresMs int64
}

// KeywordPointerPayload is the body of a TagKeywordPointer envelope: a claim
// that DocID at URL is relevant to Keyword as of CrawlTimeMs. Published once
// per (document, top-keyword) pair so remote orchestrator fan-out
// (orchestrator.go's KeywordLookup) can find this node's documents without a
// full-text query ever leaving the node.
type KeywordPointerPayload struct {
	Keyword     string  `json:"keyword"`
	DocID       string  `json:"doc_id"`
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Snippet     string  `json:"snippet"`
	ContentHash [32]byte `json:"content_hash"`
	CrawlTimeMs int64   `json:"crawl_time_ms"`
}

func keywordPointerKey(keyword string) string {
	return "keyword:" + sha256Hex(keyword)
}

// Extractor pulls the main text and out-links from an HTTP body. Swappable
// so tests can inject a trivial extractor.
type Extractor interface {
	Extract(body []byte, contentType string) (text string, outLinks []string, ok bool)
}

// CrawlResult is what a completed crawl hands back to the caller for
// indexing and publication.
type CrawlResult struct {
	URL            string
	State          CrawlState
	RawHash        [32]byte
	ContentHash    [32]byte
	NormalizedText string
	OutLinks       []string
	Keywords       []string // top-K by tf-idf, for KeywordPointer publication
}

// Crawler runs the crawl-engine state machine over jobs from a JobQueue.
type Crawler struct {
	id        *PeerIdentity
	client    *http.Client
	robots    *RobotsCache
	dht       *DHT
	dedup     *DedupPipeline
	extractor Extractor
	governor  *Governor
	nextNonce func() uint64

	politenessMu sync.Mutex
	politeness   map[string]*rate.Limiter // per-origin
}

// NewCrawler builds a crawler bound to the node's identity, DHT, dedup
// pipeline and an HTTP client with redirect re-validation wired in. nonce is
// the shared per-identity nonce source (server.go's nextNonce) so envelopes
// the crawler signs for CrawlLock/KeywordPointer share one monotonic
// sequence with every other envelope this identity ever stores.
func NewCrawler(id *PeerIdentity, dht *DHT, dedup *DedupPipeline, extractor Extractor, gov *Governor, nonce func() uint64) *Crawler {
	c := &Crawler{
		id:         id,
		robots:     NewRobotsCache(),
		dht:        dht,
		dedup:      dedup,
		extractor:  extractor,
		governor:   gov,
		nextNonce:  nonce,
		politeness: make(map[string]*rate.Limiter),
	}
	c.client = &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects")
			}
			if err := validateSSRF(req.URL); err != nil {
				return err
			}
			return nil
		},
	}
	return c
}

// validateSSRF rejects non-http(s) schemes and any host resolving to
// loopback, RFC1918, link-local, or IPv6 ULA ranges.
func validateSSRF(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewError(InputRejected, "crawler.ssrf", fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	host := u.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil {
		return NewError(InputRejected, "crawler.ssrf", fmt.Errorf("resolve %s: %w", host, err))
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return NewError(InputRejected, "crawler.ssrf", fmt.Errorf("blocked address %s for host %s", ip, host))
		}
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "100.64.0.0/10"} {
			_, block, _ := net.ParseCIDR(cidr)
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}
	// IPv6 unique local address range fc00::/7.
	if len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
		return true
	}
	return false
}

func (c *Crawler) limiterFor(origin string, delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		delay = politenessDefault
	}
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	c.politenessMu.Lock()
	defer c.politenessMu.Unlock()
	lim, ok := c.politeness[origin]
	if !ok {
		lim = rate.NewLimiter(rate.Every(delay), 1)
		c.politeness[origin] = lim
	}
	return lim
}

// Owns reports whether this node's identity is among the N closest peers to
// H(canonicalURL) in rt, i.e. whether it owns the URL (advisory only).
func Owns(id *PeerIdentity, rt *Kademlia, canonicalURL string, n int) bool {
	target := NodeID(sha256Hex(canonicalURL))
	for _, p := range rt.Nearest(target, n) {
		if string(p) == id.String() {
			return true
		}
	}
	return false
}

func sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h)
}

// Crawl runs the full per-URL algorithm (§4.C steps 1-11) against job,
// returning the terminal state and, on success, the extracted result.
func (c *Crawler) Crawl(ctx context.Context, job CrawlJob) (CrawlResult, error) {
	// §4.J level 1 ("disable LLM; pause new crawl starts") and level 2
	// ("disable remote fan-out; local-only search") both stop the crawl
	// engine from starting new work; only in-flight jobs already admitted
	// are allowed to finish.
	if c.governor != nil && c.governor.Level() >= LevelWarning {
		return CrawlResult{URL: job.URL, State: StateRejected}, NewError(ResourceExhausted, "crawler.governor", fmt.Errorf("crawl starts paused at degradation level %s", c.governor.Level()))
	}

	canon, err := CanonicalizeURL(job.URL, "")
	if err != nil {
		return CrawlResult{URL: job.URL, State: StateRejected}, err
	}
	u, err := url.Parse(canon)
	if err != nil {
		return CrawlResult{URL: canon, State: StateRejected}, NewError(InputRejected, "crawler.crawl", err)
	}
	if err := validateSSRF(u); err != nil {
		return CrawlResult{URL: canon, State: StateRejected}, err
	}

	origin := u.Scheme + "://" + u.Host
	if !c.checkRobots(ctx, origin, u.Path) {
		return CrawlResult{URL: canon, State: StateRejected}, NewError(InputRejected, "crawler.robots", fmt.Errorf("disallowed by robots.txt"))
	}

	if !job.Force {
		if !c.acquireLock(canon) {
			return CrawlResult{URL: canon, State: StateFailed}, NewError(ResourceExhausted, "crawler.lock", fmt.Errorf("crawl lock held by another peer"))
		}
		defer c.releaseLock(canon)
	}

	delay := politenessDefault
	if e, ok := c.robots.Get(origin); ok {
		_, d := e.Permits(u.Path)
		if d > 0 {
			delay = d
		}
	}
	if err := c.limiterFor(origin, delay).Wait(ctx); err != nil {
		return CrawlResult{URL: canon, State: StateFailed}, NewError(TransientIO, "crawler.politeness", err)
	}

	body, contentType, err := c.fetchBody(ctx, canon)
	if err != nil {
		return CrawlResult{URL: canon, State: StateFailed}, err
	}
	rawHash := sha256.Sum256(body)

	if c.extractor == nil {
		return CrawlResult{URL: canon, State: StateRejected}, NewError(InputRejected, "crawler.extract", fmt.Errorf("no extractor configured"))
	}
	text, outLinks, ok := c.extractor.Extract(body, contentType)
	if !ok || strings.TrimSpace(text) == "" {
		return CrawlResult{URL: canon, State: StateRejected, RawHash: rawHash}, NewError(InputRejected, "crawler.extract", fmt.Errorf("extractor yielded no text"))
	}

	if c.dedup != nil {
		outcome, err := c.dedup.Classify(canon, "", text)
		if err != nil {
			return CrawlResult{URL: canon, State: StateFailed}, err
		}
		if outcome.Action != "index" {
			return CrawlResult{URL: canon, State: StateDedup, RawHash: rawHash, ContentHash: outcome.ContentHash, NormalizedText: text, OutLinks: outLinks}, nil
		}
	}

	contentHash := sha256.Sum256([]byte(text))
	return CrawlResult{
		URL:            canon,
		State:          StateIndexed,
		RawHash:        rawHash,
		ContentHash:    contentHash,
		NormalizedText: text,
		OutLinks:       outLinks,
		Keywords:       topKeywordsByTFIDF(text, crawlTopKeywords),
	}, nil
}

func (c *Crawler) checkRobots(ctx context.Context, origin, path string) bool {
	if e, ok := c.robots.Get(origin); ok {
		allowed, _ := e.Permits(path)
		return allowed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		c.robots.PutDenyAll(origin)
		return false
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		c.robots.PutDenyAll(origin)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.robots.PutDenyAll(origin)
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.robots.PutDenyAll(origin)
		return false
	}
	c.robots.PutParsed(origin, string(body), userAgent)
	e, _ := c.robots.Get(origin)
	allowed, _ := e.Permits(path)
	return allowed
}

func crawlLockKey(canonURL string) string {
	return "lock:" + canonURL
}

// acquireLock checks for a live, unexpired CrawlLock held by another peer
// and, if the URL is free, signs and STOREs a TagCrawlLock envelope claiming
// it for crawlLockTTL. A TagCrawlLockRelease record (or an expired
// TimestampMs) both read as free, so a released lock never has to wait out
// its own TTL before the next peer can claim the URL.
func (c *Crawler) acquireLock(canonURL string) bool {
	if c.dht == nil {
		return true
	}
	key := crawlLockKey(canonURL)
	if existing, ok := c.dht.Select(key); ok && existing.Tag == TagCrawlLock {
		var owner [32]byte
		copy(owner[:], existing.PeerID[:])
		if owner != c.id.ID && time.Now().Before(time.UnixMilli(existing.TimestampMs).Add(crawlLockTTL)) {
			return false
		}
	}
	return c.storeLockEnvelope(key, TagCrawlLock, canonURL, crawlLockTTL) == nil
}

// releaseLock stores a TagCrawlLockRelease envelope over the same key so any
// peer's next Select sees the URL as free immediately, rather than waiting
// for crawlLockTTL to elapse on the acquire record.
func (c *Crawler) releaseLock(canonURL string) {
	if c.dht == nil {
		return
	}
	_ = c.storeLockEnvelope(crawlLockKey(canonURL), TagCrawlLockRelease, canonURL, 0)
}

func (c *Crawler) storeLockEnvelope(key string, tag PayloadTag, canonURL string, ttl time.Duration) error {
	now := time.Now()
	body, err := json.Marshal(CrawlLockPayload{
		URL:       canonURL,
		Owner:     c.id.ID,
		ExpiresMs: now.Add(ttl).UnixMilli(),
	})
	if err != nil {
		return err
	}
	env := &Envelope{
		PeerID:      c.id.ID,
		Nonce:       c.nextNonce(),
		TimestampMs: now.UnixMilli(),
		Tag:         tag,
		Body:        body,
	}
	raw, err := env.Encode(c.id.Sign)
	if err != nil {
		return err
	}
	return c.dht.Store(key, raw, now, nil)
}

func (c *Crawler) fetchBody(ctx context.Context, rawURL string) ([]byte, string, error) {
	var lastErr error
	for attempt := 0; attempt <= 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return nil, "", NewError(TransientIO, "crawler.fetch", ctx.Err())
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, "", NewError(InputRejected, "crawler.fetch", err)
		}
		req.Header.Set("User-Agent", userAgent)
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusGone {
			resp.Body.Close()
			return nil, "", NewError(InputRejected, "crawler.fetch", fmt.Errorf("status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			resp.Body.Close()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, "", NewError(InputRejected, "crawler.fetch", fmt.Errorf("status %d", resp.StatusCode))
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if len(body) > maxBodyBytes {
			return nil, "", NewError(InputRejected, "crawler.fetch", fmt.Errorf("body exceeds %d bytes", maxBodyBytes))
		}
		return body, resp.Header.Get("Content-Type"), nil
	}
	return nil, "", NewError(TransientIO, "crawler.fetch", lastErr)
}

// topKeywordsByTFIDF picks the top-K terms in text by raw term frequency, a
// single-document proxy for tf-idf since idf requires corpus-wide document
// frequency that the caller (the local index) supplies when publishing.
func topKeywordsByTFIDF(text string, k int) []string {
	freq := make(map[string]int)
	for _, t := range splitWords(text, false) {
		if len(t) < 3 {
			continue
		}
		freq[t]++
	}
	type kv struct {
		term string
		n    int
	}
	list := make([]kv, 0, len(freq))
	for t, n := range freq {
		list = append(list, kv{t, n})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].n != list[j].n {
			return list[i].n > list[j].n
		}
		return list[i].term < list[j].term
	})
	if len(list) > k {
		list = list[:k]
	}
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.term
	}
	return out
}
