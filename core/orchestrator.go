package core

import (
	"context"
	"crypto/sha256"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// orchestrator.go implements the search contract: local BM25 probe in
// parallel with DHT keyword fan-out, remote-result verification, re-ranking,
// and credit charging. Raw query text never crosses the network — only
// keyword hashes do.

const (
	queryCacheCapacity = 4096
	queryCacheTTL      = 60 * time.Second
	maxQueryKeywords   = 16
	localProbeFactor   = 4
	fanoutDefault      = 3
	rpcDeadline        = 2 * time.Second
	globalQueryDeadline = 5 * time.Second
)

// stopWords is a closed, language-limited set; never built from arbitrary
// user-supplied locale data.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "it": {}, "for": {}, "on": {}, "with": {}, "as": {}, "by": {}, "at": {},
}

// RankedResult is one entry in a search response.
type RankedResult struct {
	URL             string
	Title           string
	Snippet         string
	Score           float64
	ScoresBreakdown map[string]float64 `json:"scores_breakdown,omitempty"`
	Partial         bool // true if the global deadline cut off fan-out before completion
}

// KeywordResponder is a remote peer capable of answering a KeywordLookup
// over an authenticated stream, returning KeywordPointers from its local
// view.
type KeywordResponder interface {
	PeerID() [32]byte
	Latency() time.Duration
	KeywordLookup(ctx context.Context, keywordHashes [][32]byte, limit int) ([]RemotePointer, error)
}

// RemotePointer is one keyword-pointer result from a remote responder. Sig
// carries a signature only when the responder supplies one:
// KeywordLookupServer leaves it empty and verifyRemote does not check it.
type RemotePointer struct {
	DocID       string
	URL         string
	Title       string
	Snippet     string
	ContentHash [32]byte
	CrawlTime   time.Time
	Sig         []byte
}

// ResponderSelector picks the top-F responders by latency-weighted trust for
// a set of keyword hashes.
type ResponderSelector interface {
	SelectResponders(keywordHashes [][32]byte, f int) []KeywordResponder
}

// GovernorStatus is the degradation-level read Search gates on. Satisfied
// by *Governor; kept narrow so tests can fake it without building a real
// monitor loop.
type GovernorStatus interface {
	Level() DegradationLevel
}

// Orchestrator answers search() queries.
type Orchestrator struct {
	index     *Index
	linkGraph *LinkGraph
	trust     *TrustKernel
	selector  ResponderSelector
	ledger    *Ledger
	takedowns *TakedownStore
	governor  GovernorStatus

	cache *lru.LRU[string, []RankedResult]
}

// NewOrchestrator builds an orchestrator over the given local index,
// authority graph, trust kernel, remote-responder selector, credit ledger,
// takedown store and the governor whose degradation level gates fan-out and
// ledger writes (gov may be nil, in which case Search never degrades).
func NewOrchestrator(index *Index, lg *LinkGraph, trust *TrustKernel, selector ResponderSelector, ledger *Ledger, takedowns *TakedownStore, gov GovernorStatus) *Orchestrator {
	return &Orchestrator{
		index:     index,
		linkGraph: lg,
		trust:     trust,
		selector:  selector,
		ledger:    ledger,
		takedowns: takedowns,
		governor:  gov,
		cache:     lru.NewLRU[string, []RankedResult](queryCacheCapacity, nil, queryCacheTTL),
	}
}

// SearchRequest is the search() contract's input.
type SearchRequest struct {
	Query     string
	Limit     int
	LocalOnly bool
	PeerID    []byte // charging identity for the Credit Ledger
}

// Search runs the full orchestration algorithm and returns up to limit
// ranked results.
func (o *Orchestrator) Search(ctx context.Context, req SearchRequest) ([]RankedResult, error) {
	if req.Limit <= 0 || req.Limit > 50 {
		req.Limit = 10
	}
	normalized := normalizeQuery(req.Query)
	qfp := queryFingerprint(normalized)

	if cached, ok := o.cache.Get(qfp); ok {
		return truncate(cached, req.Limit), nil
	}

	ctx, cancel := context.WithTimeout(ctx, globalQueryDeadline)
	defer cancel()

	keywords := extractKeywords(normalized, maxQueryKeywords)

	var (
		wg         sync.WaitGroup
		localHits  []KeywordHit
		remoteHits []RemotePointer
		partial    bool
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if o.index != nil {
			localHits = o.index.SearchKeywords(keywords, req.Limit*localProbeFactor)
		}
	}()

	// At LevelOverload and above, spec §4.J and the §8 testable property
	// ("if local_only ∨ level≥2, no network I/O is performed") both require
	// the node to stop fanning out, regardless of what the caller asked for.
	if o.governor != nil && o.governor.Level() >= LevelOverload {
		req.LocalOnly = true
	}

	if !req.LocalOnly && o.selector != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			remoteHits, partial = o.fanOut(ctx, keywords, req.Limit)
		}()
	}

	wg.Wait()

	candidates := o.buildCandidates(localHits, remoteHits)
	authority := map[string]float64{}
	if o.linkGraph != nil {
		authority = o.linkGraph.Authority()
	}
	for i := range candidates {
		candidates[i].Authority = authority[candidates[i].DocID]
	}

	scored := Rank(candidates)
	results := o.toRankedResults(scored, partial)
	results = truncate(results, req.Limit)

	// LevelCritical ("read-only; stop indexing" per §4.J) also suspends the
	// query-charge ledger write so the node makes no state mutations at all.
	readOnly := o.governor != nil && o.governor.Level() >= LevelCritical
	if o.ledger != nil && len(req.PeerID) > 0 && !readOnly {
		o.chargeQuery(req.PeerID)
	}

	o.cache.Add(qfp, results)
	return results, nil
}

func (o *Orchestrator) fanOut(ctx context.Context, keywords []string, limit int) ([]RemotePointer, bool) {
	hashes := make([][32]byte, len(keywords))
	for i, k := range keywords {
		if o.index != nil {
			k = o.index.NormalizeTerm(k)
		}
		hashes[i] = sha256.Sum256([]byte(k))
	}
	f := fanoutDefault
	responders := o.selector.SelectResponders(hashes, f)

	type result struct {
		ptrs []RemotePointer
	}
	out := make(chan result, len(responders))
	for _, r := range responders {
		r := r
		go func() {
			rctx, cancel := context.WithTimeout(ctx, rpcDeadline)
			defer cancel()
			ptrs, err := r.KeywordLookup(rctx, hashes, limit)
			if err != nil {
				out <- result{}
				return
			}
			out <- result{ptrs: o.verifyRemote(r, ptrs)}
		}()
	}

	var all []RemotePointer
	partial := false
	for i := 0; i < len(responders); i++ {
		select {
		case r := <-out:
			all = append(all, r.ptrs...)
		case <-ctx.Done():
			partial = true
			return all, partial
		}
	}
	return all, partial
}

// verifyRemote drops every pointer from a responder below Normal trust tier
// and returns the rest unchanged. Claimed content hashes are not looked up
// in the recent attestations, and no pointer is re-weighted.
func (o *Orchestrator) verifyRemote(r KeywordResponder, ptrs []RemotePointer) []RemotePointer {
	if o.trust != nil && o.trust.Tier(r.PeerID()) < TierNormal {
		return nil
	}
	return ptrs
}

func (o *Orchestrator) buildCandidates(local []KeywordHit, remote []RemotePointer) []Candidate {
	out := make([]Candidate, 0, len(local)+len(remote))
	for _, h := range local {
		doc, ok := o.index.GetDoc(h.DocID)
		if !ok || (o.takedowns != nil && o.takedowns.IsTakenDown(h.DocID)) {
			continue
		}
		out = append(out, Candidate{
			DocID:      h.DocID,
			BM25:       h.Score,
			CrawlTime:  time.UnixMilli(doc.IndexedAt),
			SourceTier: TierTrusted, // local documents are self-attested
		})
	}
	for _, p := range remote {
		if o.takedowns != nil && o.takedowns.IsTakenDown(p.DocID) {
			continue
		}
		out = append(out, Candidate{
			DocID:      p.DocID,
			BM25:       1.0, // remote responders pre-rank; treat as a single relevant hit
			CrawlTime:  p.CrawlTime,
			SourceTier: TierNormal,
		})
	}
	return out
}

func (o *Orchestrator) toRankedResults(scored []Scored, partial bool) []RankedResult {
	out := make([]RankedResult, len(scored))
	for i, s := range scored {
		title, url, snippet := "", s.DocID, ""
		if doc, ok := o.index.GetDoc(s.DocID); ok {
			url = doc.Metadata["url"]
			title = doc.Metadata["title"]
			snippet = snippetOf(doc.Text)
		}
		out[i] = RankedResult{
			URL:     url,
			Title:   title,
			Snippet: snippet,
			Score:   s.Score,
			ScoresBreakdown: map[string]float64{
				"bm25_norm": s.BM25Norm,
				"authority": s.Authority,
			},
			Partial: partial,
		}
	}
	return out
}

func (o *Orchestrator) chargeQuery(peerID []byte) {
	acct := o.ledger.Account(peerID)
	cost := SearchCostTier(acct.CumulativeContribution, acct.State)
	entry := &CreditEntry{
		PeerID:     peerID,
		Action:     "query",
		Amount:     -cost,
		Multiplier: TimeMultiplierBase,
		Timestamp:  time.Now().UnixMilli(),
	}
	// Charging never blocks or refuses a search on failure to append; it is
	// best-effort bookkeeping against the ledger already in memory.
	_ = o.ledger.AppendEntry(entry, func(msg []byte) ([]byte, error) { return msg, nil })
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(q))), " ")
}

func queryFingerprint(normalized string) string {
	h := sha256.Sum256([]byte(normalized))
	return string(h[:])
}

func extractKeywords(normalized string, max int) []string {
	words := strings.Fields(normalized)
	out := make([]string, 0, max)
	for _, w := range words {
		if _, stop := stopWords[w]; stop {
			continue
		}
		out = append(out, w)
		if len(out) >= max {
			break
		}
	}
	return out
}

func snippetOf(text string) string {
	const maxLen = 200
	text = strings.TrimSpace(text)
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen]
}

func truncate(results []RankedResult, limit int) []RankedResult {
	if len(results) > limit {
		return results[:limit]
	}
	return results
}
