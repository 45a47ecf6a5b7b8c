package core

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// index.go implements the local full-text index: a single-writer/many-reader
// inverted index whose writes go through an append-only WAL, modeled on
// ledger.go's O_APPEND-plus-bufio.Scanner-replay pattern. Readers only ever
// touch the in-memory postings map, under the index's read lock, so a read
// waits while a write holds the lock.

// Tokenizer is a closed whitelist, never selected by string-interpolating
// user input into a lookup.
type Tokenizer int

const (
	TokenizerUnicode61 Tokenizer = iota
	TokenizerPorter
	TokenizerASCII
	TokenizerTrigram
)

// Document is a single indexed page.
type Document struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata"`
	IndexedAt  int64             `json:"indexed_at_ms"`
	TermCount  int               `json:"term_count"`
}

type posting struct {
	DocID string
	Freq  int
}

type walRecord struct {
	Op  string    `json:"op"` // "upsert"
	Doc *Document `json:"doc"`
}

// Embedder and ANNIndex are the optional vector-search companion. Their
// absence must never break search, only recall.
type Embedder interface {
	Embed(text string) ([]float32, error)
}

type ANNIndex interface {
	Upsert(docID string, vec []float32) error
	Search(vec []float32, k int) ([]string, error) // doc IDs, best first
}

// Index is the local keyword index.
type Index struct {
	mu sync.RWMutex

	tokenizer  Tokenizer
	docs       map[string]*Document
	postings   map[string][]posting
	docFreq    map[string]int         // number of docs containing a term, for IDF
	termHashes map[[32]byte]string    // sha256(term) -> term, for hash-only remote lookups
	ids        []string               // insertion order, for iter_recent

	walFile      *os.File
	snapshotPath string

	embedder Embedder
	ann      ANNIndex
}

// IndexConfig configures WAL/snapshot paths and the tokenizer.
type IndexConfig struct {
	WALPath      string
	SnapshotPath string
	Tokenizer    Tokenizer
}

// NewIndex opens (or creates) a local index, replaying its WAL.
func NewIndex(cfg IndexConfig) (*Index, error) {
	wal, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("index: open WAL: %w", err)
	}
	idx := &Index{
		tokenizer:    cfg.Tokenizer,
		docs:         make(map[string]*Document),
		postings:     make(map[string][]posting),
		docFreq:      make(map[string]int),
		termHashes:   make(map[[32]byte]string),
		walFile:      wal,
		snapshotPath: cfg.SnapshotPath,
	}

	if data, err := os.ReadFile(cfg.SnapshotPath); err == nil {
		var snap struct {
			Docs []*Document `json:"docs"`
		}
		if err := json.Unmarshal(data, &snap); err == nil {
			for _, d := range snap.Docs {
				idx.applyUpsert(d)
			}
		}
	}

	scanner := bufio.NewScanner(wal)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // LocalCorruption on a single line must not take down the index
		}
		if rec.Op == "upsert" && rec.Doc != nil {
			idx.applyUpsert(rec.Doc)
		}
	}
	return idx, nil
}

// SetEmbedder attaches an optional vector-search companion. Passing nil
// disables it; search continues to function keyword-only.
func (idx *Index) SetEmbedder(e Embedder, ann ANNIndex) {
	idx.mu.Lock()
	idx.embedder, idx.ann = e, ann
	idx.mu.Unlock()
}

// Upsert tokenizes and indexes text under doc_id, persisting it to the WAL
// before it becomes visible to readers.
func (idx *Index) Upsert(docID, text string, metadata map[string]string) error {
	doc := &Document{ID: docID, Text: text, Metadata: metadata, IndexedAt: time.Now().UnixMilli()}

	data, err := json.Marshal(walRecord{Op: "upsert", Doc: doc})
	if err != nil {
		return fmt.Errorf("index: marshal WAL record: %w", err)
	}
	idx.mu.Lock()
	if _, err := idx.walFile.Write(append(data, '\n')); err != nil {
		idx.mu.Unlock()
		return NewError(LocalCorruption, "index.upsert", fmt.Errorf("write WAL: %w", err))
	}
	_ = idx.walFile.Sync()
	idx.applyUpsertLocked(doc)
	idx.mu.Unlock()

	if idx.embedder != nil && idx.ann != nil {
		if vec, err := idx.embedder.Embed(text); err == nil {
			_ = idx.ann.Upsert(docID, vec)
		}
	}
	return nil
}

func (idx *Index) applyUpsert(d *Document) {
	idx.mu.Lock()
	idx.applyUpsertLocked(d)
	idx.mu.Unlock()
}

func (idx *Index) applyUpsertLocked(d *Document) {
	if _, existed := idx.docs[d.ID]; !existed {
		idx.ids = append(idx.ids, d.ID)
	}
	terms := tokenize(idx.tokenizer, d.Text)
	freq := make(map[string]int, len(terms))
	for _, t := range terms {
		freq[t]++
	}
	d.TermCount = len(terms)
	idx.docs[d.ID] = d

	for term, f := range freq {
		idx.termHashes[sha256.Sum256([]byte(term))] = term
		list := idx.postings[term]
		replaced := false
		for i := range list {
			if list[i].DocID == d.ID {
				list[i].Freq = f
				replaced = true
				break
			}
		}
		if !replaced {
			if len(list) == 0 {
				idx.docFreq[term]++
			}
			list = append(list, posting{DocID: d.ID, Freq: f})
		}
		idx.postings[term] = list
	}
}

// GetDoc returns the document with the given ID.
func (idx *Index) GetDoc(docID string) (*Document, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	d, ok := idx.docs[docID]
	return d, ok
}

// NormalizeTerm applies this index's tokenizer to a single word, the same
// normalization applied to every term as it is indexed. Callers hash this
// result rather than the raw word so a remote TermsForHashes lookup lands
// on the same key.
func (idx *Index) NormalizeTerm(s string) string {
	idx.mu.RLock()
	tk := idx.tokenizer
	idx.mu.RUnlock()
	return normalizeTerm(tk, s)
}

// TermsForHashes resolves sha256(term) hashes back to the plaintext terms
// this index already knows, for answering a remote KeywordLookup without
// the requester ever sending the query text itself. A hash with no known
// term (this node has never indexed it) is silently dropped.
func (idx *Index) TermsForHashes(hashes [][32]byte) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if term, ok := idx.termHashes[h]; ok {
			out = append(out, term)
		}
	}
	return out
}

// IterRecent returns doc IDs indexed at or after since, in index order.
func (idx *Index) IterRecent(since time.Time) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	cut := since.UnixMilli()
	out := make([]string, 0)
	for _, id := range idx.ids {
		if d := idx.docs[id]; d != nil && d.IndexedAt >= cut {
			out = append(out, id)
		}
	}
	return out
}

// KeywordHit is one BM25-scored search result.
type KeywordHit struct {
	DocID string
	Score float64
}

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// SearchKeywords returns the top `limit` documents matching terms, scored by
// BM25.
func (idx *Index) SearchKeywords(terms []string, limit int) []KeywordHit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.docs)
	if n == 0 {
		return nil
	}
	var totalLen int
	for _, d := range idx.docs {
		totalLen += d.TermCount
	}
	avgLen := float64(totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[string]float64)
	for _, raw := range terms {
		term := normalizeTerm(idx.tokenizer, raw)
		if term == "" {
			continue
		}
		df := idx.docFreq[term]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for _, p := range idx.postings[term] {
			doc := idx.docs[p.DocID]
			if doc == nil {
				continue
			}
			dl := float64(doc.TermCount)
			tf := float64(p.Freq)
			denom := tf + bm25K1*(1-bm25B+bm25B*dl/avgLen)
			scores[p.DocID] += idf * (tf * (bm25K1 + 1) / denom)
		}
	}

	hits := make([]KeywordHit, 0, len(scores))
	for id, s := range scores {
		hits = append(hits, KeywordHit{DocID: id, Score: s})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Snapshot writes the current document set to SnapshotPath and truncates the
// WAL, the same rotation strategy ledger.go uses for its block log.
func (idx *Index) Snapshot() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	docs := make([]*Document, 0, len(idx.docs))
	for _, id := range idx.ids {
		docs = append(docs, idx.docs[id])
	}
	data, err := json.Marshal(struct {
		Docs []*Document `json:"docs"`
	}{Docs: docs})
	if err != nil {
		return fmt.Errorf("index: marshal snapshot: %w", err)
	}
	if err := os.WriteFile(idx.snapshotPath, data, 0o600); err != nil {
		return fmt.Errorf("index: write snapshot: %w", err)
	}
	if err := idx.walFile.Truncate(0); err != nil {
		return fmt.Errorf("index: truncate WAL: %w", err)
	}
	_, err = idx.walFile.Seek(0, 0)
	return err
}

// Close releases the WAL file handle.
func (idx *Index) Close() error {
	return idx.walFile.Close()
}

func normalizeTerm(tk Tokenizer, s string) string {
	toks := tokenize(tk, s)
	if len(toks) == 0 {
		return ""
	}
	return toks[0]
}

// tokenize dispatches on the closed tokenizer whitelist. Never build this
// selection from a string name via reflection — add a case here instead.
func tokenize(tk Tokenizer, text string) []string {
	switch tk {
	case TokenizerTrigram:
		return trigrams(text)
	case TokenizerASCII:
		return splitWords(text, true)
	case TokenizerPorter:
		words := splitWords(text, false)
		out := make([]string, len(words))
		for i, w := range words {
			out[i] = stemPorterLite(w)
		}
		return out
	default: // unicode61
		return splitWords(text, false)
	}
}

func splitWords(text string, asciiOnly bool) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	for _, r := range text {
		isWord := unicode.IsLetter(r) || unicode.IsDigit(r)
		if asciiOnly && r > unicode.MaxASCII {
			isWord = false
		}
		if isWord {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return words
}

func trigrams(text string) []string {
	words := splitWords(text, false)
	var out []string
	for _, w := range words {
		r := []rune(w)
		if len(r) < 3 {
			out = append(out, w)
			continue
		}
		for i := 0; i+3 <= len(r); i++ {
			out = append(out, string(r[i:i+3]))
		}
	}
	return out
}

// stemPorterLite applies a small, deterministic subset of the Porter
// stemmer's suffix rules (not the full algorithm) — enough to fold common
// English plural/verb endings without pulling in a third-party stemmer.
func stemPorterLite(w string) string {
	for _, suf := range []string{"ational", "tional", "ingly", "edly", "ing", "ed", "es", "s"} {
		if len(w) > len(suf)+2 && strings.HasSuffix(w, suf) {
			return w[:len(w)-len(suf)]
		}
	}
	return w
}
