package core

import (
	"math"
	"sort"
	"sync"
	"time"
)

// ranking.go blends BM25 relevance, freshness, source trust and link
// authority into the final per-query score, then optionally folds in a
// vector-search rank via reciprocal-rank fusion.

const (
	weightBM25      = 0.55
	weightFreshness = 0.20
	weightTrust     = 0.15
	weightAuthority = 0.10

	freshnessTauDays = 30.0

	authorityDamping    = 0.85
	authorityIterations = 20
	authorityMaxOutLinks = 100

	rrfWeight = 0.3
	rrfK      = 60.0 // standard reciprocal-rank-fusion smoothing constant
)

// TrustValue maps a trust tier to its ranking weight.
func TrustValue(tier TrustTier) float64 {
	switch tier {
	case TierTrusted:
		return 1.0
	case TierNormal:
		return 0.75
	case TierSuspect:
		return 0.4
	default:
		return 0.0
	}
}

// Candidate is one document under consideration for a query's result set.
type Candidate struct {
	DocID      string
	BM25       float64
	CrawlTime  time.Time
	SourceTier TrustTier
	Authority  float64 // precomputed via LinkGraph.Authority
}

// Scored is a candidate with its final blended score.
type Scored struct {
	Candidate
	BM25Norm float64
	Score    float64
}

// Rank blends the four signals over candidates and returns them sorted best
// first. Ties break by newer crawl_time, then lower doc_id.
func Rank(candidates []Candidate) []Scored {
	if len(candidates) == 0 {
		return nil
	}
	minB, maxB := candidates[0].BM25, candidates[0].BM25
	for _, c := range candidates[1:] {
		if c.BM25 < minB {
			minB = c.BM25
		}
		if c.BM25 > maxB {
			maxB = c.BM25
		}
	}
	spread := maxB - minB

	now := time.Now()
	out := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		norm := 1.0
		if spread > 0 {
			norm = (c.BM25 - minB) / spread
		}
		ageDays := now.Sub(c.CrawlTime).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		freshness := math.Exp(-ageDays / freshnessTauDays)
		trust := TrustValue(c.SourceTier)
		score := weightBM25*norm + weightFreshness*freshness + weightTrust*trust + weightAuthority*c.Authority
		out = append(out, Scored{Candidate: c, BM25Norm: norm, Score: score})
	}

	sortScored(out)
	return out
}

func sortScored(s []Scored) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		if !s[i].CrawlTime.Equal(s[j].CrawlTime) {
			return s[i].CrawlTime.After(s[j].CrawlTime)
		}
		return s[i].DocID < s[j].DocID
	})
}

// FuseWithVectorRank applies reciprocal-rank fusion between the linear-blend
// ranking and an independently produced vector-search ranking, weighting the
// vector contribution at rrfWeight. vectorRank maps doc_id to its 0-based
// position in the vector result list; doc IDs absent from it are treated as
// unranked by the vector side.
func FuseWithVectorRank(scored []Scored, vectorRank map[string]int) []Scored {
	if len(vectorRank) == 0 {
		return scored
	}
	type fused struct {
		Scored
		fusedScore float64
	}
	out := make([]fused, len(scored))
	for i, s := range scored {
		rrf := 1.0 / (rrfK + float64(i+1))
		if vr, ok := vectorRank[s.DocID]; ok {
			rrf += rrfWeight / (rrfK + float64(vr+1))
		}
		out[i] = fused{Scored: s, fusedScore: s.Score + rrf}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].fusedScore != out[j].fusedScore {
			return out[i].fusedScore > out[j].fusedScore
		}
		if !out[i].CrawlTime.Equal(out[j].CrawlTime) {
			return out[i].CrawlTime.After(out[j].CrawlTime)
		}
		return out[i].DocID < out[j].DocID
	})
	result := make([]Scored, len(out))
	for i, f := range out {
		result[i] = f.Scored
	}
	return result
}

// LinkGraph tracks the crawled link structure and computes damped,
// abuse-bounded authority scores (a PageRank-style iteration).
type LinkGraph struct {
	mu    sync.Mutex
	edges map[string][]string // doc_id -> out-links, capped at authorityMaxOutLinks
}

// NewLinkGraph creates an empty link graph.
func NewLinkGraph() *LinkGraph {
	return &LinkGraph{edges: make(map[string][]string)}
}

// AddLinks records outbound links discovered on docID, truncated to the
// first authorityMaxOutLinks to bound a single page's influence.
func (g *LinkGraph) AddLinks(docID string, outLinks []string) {
	if len(outLinks) > authorityMaxOutLinks {
		outLinks = outLinks[:authorityMaxOutLinks]
	}
	g.mu.Lock()
	g.edges[docID] = append([]string(nil), outLinks...)
	g.mu.Unlock()
}

// Authority runs authorityIterations of damped PageRank and returns each
// doc's normalized authority score in [0,1].
func (g *LinkGraph) Authority() map[string]float64 {
	g.mu.Lock()
	edges := make(map[string][]string, len(g.edges))
	nodes := make(map[string]struct{})
	for k, v := range g.edges {
		edges[k] = v
		nodes[k] = struct{}{}
		for _, t := range v {
			nodes[t] = struct{}{}
		}
	}
	g.mu.Unlock()

	n := len(nodes)
	if n == 0 {
		return map[string]float64{}
	}
	rank := make(map[string]float64, n)
	for id := range nodes {
		rank[id] = 1.0 / float64(n)
	}

	for iter := 0; iter < authorityIterations; iter++ {
		next := make(map[string]float64, n)
		base := (1 - authorityDamping) / float64(n)
		for id := range nodes {
			next[id] = base
		}
		for src, outs := range edges {
			if len(outs) == 0 {
				continue
			}
			share := authorityDamping * rank[src] / float64(len(outs))
			for _, dst := range outs {
				next[dst] += share
			}
		}
		rank = next
	}

	var max float64
	for _, v := range rank {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		return rank
	}
	for id := range rank {
		rank[id] /= max
	}
	return rank
}
