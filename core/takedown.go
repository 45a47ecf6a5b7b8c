package core

import (
	"bufio"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// takedown.go persists signed takedown/deletion records (DMCA, GDPR) so a
// restart never reopens a compliance obligation, and applies them to the
// local index within the 24h compliance window.

const takedownComplianceWindow = 24 * time.Hour

type TakedownKind string

const (
	KindTakedown TakedownKind = "takedown"
	KindDeletion TakedownKind = "deletion"
)

// TakedownRecord is a signed compliance request against one document.
type TakedownRecord struct {
	Kind        TakedownKind `json:"kind"`
	DocID       string       `json:"doc_id"`
	RequesterID []byte       `json:"requester_id"`
	Reason      string       `json:"reason"`
	IssuedAtMs  int64        `json:"issued_at_ms"`
	Sig         []byte       `json:"sig"`
}

func (r *TakedownRecord) canonicalBytes() []byte {
	buf := append([]byte(nil), byte(len(r.Kind)))
	buf = append(buf, r.Kind...)
	buf = append(buf, r.DocID...)
	buf = append(buf, r.RequesterID...)
	buf = append(buf, r.Reason...)
	return buf
}

// TakedownStore is an append-only, WAL-backed store of accepted takedown
// and deletion records, and the enforcement engine applying them to the
// local index.
type TakedownStore struct {
	mu      sync.Mutex
	walFile *os.File
	records map[string]*TakedownRecord // doc_id -> latest record
	index   *Index
}

// NewTakedownStore opens (or creates) the takedown WAL at path and replays
// it, applying every accepted record to idx.
func NewTakedownStore(path string, idx *Index) (*TakedownStore, error) {
	wal, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("takedown: open WAL: %w", err)
	}
	s := &TakedownStore{walFile: wal, records: make(map[string]*TakedownRecord), index: idx}

	scanner := bufio.NewScanner(wal)
	for scanner.Scan() {
		var rec TakedownRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		s.records[rec.DocID] = &rec
		s.enforce(&rec)
	}
	return s, nil
}

// Submit verifies rec's signature against requesterPub and, if valid,
// persists and enforces it. Unsigned or badly signed requests are rejected
// outright.
func (s *TakedownStore) Submit(rec TakedownRecord, requesterPub ed25519.PublicKey) error {
	if len(rec.Sig) == 0 {
		return NewError(InputRejected, "takedown.submit", fmt.Errorf("unsigned takedown request"))
	}
	ok, err := Verify(AlgoEd25519, requesterPub, rec.canonicalBytes(), rec.Sig)
	if err != nil || !ok {
		return NewError(ProtocolViolation, "takedown.submit", fmt.Errorf("signature verification failed"))
	}
	if rec.IssuedAtMs == 0 {
		rec.IssuedAtMs = time.Now().UnixMilli()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("takedown: marshal: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.walFile.Write(append(data, '\n')); err != nil {
		return NewError(LocalCorruption, "takedown.submit", err)
	}
	_ = s.walFile.Sync()
	s.records[rec.DocID] = &rec
	s.enforce(&rec)
	return nil
}

// enforce removes the targeted document from the local index. It must be
// idempotent since WAL replay may apply the same record more than once.
func (s *TakedownStore) enforce(rec *TakedownRecord) {
	if s.index == nil {
		return
	}
	s.index.mu.Lock()
	delete(s.index.docs, rec.DocID)
	s.index.mu.Unlock()
}

// IsTakenDown reports whether docID currently has an active takedown or
// deletion record, for filtering out of future search results.
func (s *TakedownStore) IsTakenDown(docID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[docID]
	return ok
}

// Overdue reports records issued more than takedownComplianceWindow ago that
// have not been enforced (only possible if enforcement previously failed);
// ops tooling can use this to alert on compliance-window breaches.
func (s *TakedownStore) Overdue(now time.Time) []*TakedownRecord {
	if s.index == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TakedownRecord
	for _, r := range s.records {
		if now.Sub(time.UnixMilli(r.IssuedAtMs)) > takedownComplianceWindow {
			if _, stillPresent := s.index.GetDoc(r.DocID); stillPresent {
				out = append(out, r)
			}
		}
	}
	return out
}

func (s *TakedownStore) Close() error {
	return s.walFile.Close()
}
