package core

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// responder.go wires the Search Orchestrator's remote fan-out onto the
// zero-trust channel hub: SelectResponders picks the top-F known peers by
// trust tier, then miss count, then latency, and each KeywordLookup opens a channel, pushes a
// request frame, and waits for the peer's response frame or its own
// deadline — whichever comes first.

const keywordLookupProto = "meshsearch-keyword-lookup/1"

// KeywordLookupRequest is the wire payload pushed to open a lookup.
type KeywordLookupRequest struct {
	KeywordHashes [][32]byte `json:"keyword_hashes"`
	Limit         int        `json:"limit"`
}

// KeywordLookupResponse is the wire payload a responder pushes back.
type KeywordLookupResponse struct {
	Pointers []RemotePointer `json:"pointers"`
}

// DHTResponderSelector picks remote KeywordLookup responders from the set
// of peers the PeerManager currently knows about, favoring low latency
// among peers at or above Normal trust.
type DHTResponderSelector struct {
	pm    PeerManager
	trust *TrustKernel
	hub   *ChannelHub
	self  Address
}

// NewDHTResponderSelector builds a selector bound to the node's peer
// manager, trust kernel, and channel hub.
func NewDHTResponderSelector(pm PeerManager, trust *TrustKernel, hub *ChannelHub, self Address) *DHTResponderSelector {
	return &DHTResponderSelector{pm: pm, trust: trust, hub: hub, self: self}
}

// SelectResponders implements orchestrator.go's ResponderSelector.
func (s *DHTResponderSelector) SelectResponders(keywordHashes [][32]byte, f int) []KeywordResponder {
	if s.pm == nil {
		return nil
	}
	infos := s.pm.Peers()
	type candidate struct {
		info PeerInfo
		peer [32]byte
		tier TrustTier
	}
	candidates := make([]candidate, 0, len(infos))
	for _, info := range infos {
		peerKey := peerIDFromNodeID(info.ID)
		tier := TierNormal
		if s.trust != nil {
			tier = s.trust.Tier(peerKey)
		}
		if tier < TierNormal {
			continue
		}
		candidates = append(candidates, candidate{info: info, peer: peerKey, tier: tier})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].tier != candidates[j].tier {
			return candidates[i].tier > candidates[j].tier
		}
		if candidates[i].info.Misses != candidates[j].info.Misses {
			return candidates[i].info.Misses < candidates[j].info.Misses
		}
		return candidates[i].info.RTT < candidates[j].info.RTT
	})
	if f > len(candidates) {
		f = len(candidates)
	}
	out := make([]KeywordResponder, 0, f)
	for _, c := range candidates[:f] {
		out = append(out, &remoteResponder{
			nodeID:  c.info.ID,
			peerKey: c.peer,
			latency: time.Duration(c.info.RTT) * time.Millisecond,
			pm:      s.pm,
			hub:     s.hub,
			self:    s.self,
		})
	}
	return out
}

// peerIDFromNodeID derives the 32-byte trust/signature key space from a
// transport-level NodeID. A real deployment binds these through the
// identity handshake; this hash stands in for that binding until the
// handshake surface is wired.
func peerIDFromNodeID(id NodeID) [32]byte {
	return sha256.Sum256([]byte(id))
}

type remoteResponder struct {
	nodeID  NodeID
	peerKey [32]byte
	latency time.Duration
	pm      PeerManager
	hub     *ChannelHub
	self    Address
}

func (r *remoteResponder) PeerID() [32]byte       { return r.peerKey }
func (r *remoteResponder) Latency() time.Duration { return r.latency }

// KeywordLookup opens a channel to the responder, pushes the request frame,
// and waits for its response frame until ctx is done.
func (r *remoteResponder) KeywordLookup(ctx context.Context, keywordHashes [][32]byte, limit int) ([]RemotePointer, error) {
	if r.pm == nil || r.hub == nil {
		return nil, NewError(TransientIO, "keyword_lookup", fmt.Errorf("no transport wired"))
	}
	peerAddr := addressFromPeerKey(r.peerKey)
	id, err := r.hub.Open(r.self, peerAddr)
	if err != nil {
		return nil, NewError(TransientIO, "keyword_lookup.open", err)
	}
	defer func() { _ = r.hub.Close(id) }()

	reqBody, err := json.Marshal(KeywordLookupRequest{KeywordHashes: keywordHashes, Limit: limit})
	if err != nil {
		return nil, err
	}
	if _, err := r.hub.Push(id, r.self, reqBody); err != nil {
		return nil, NewError(TransientIO, "keyword_lookup.push", err)
	}
	if err := r.pm.SendAsync(string(r.nodeID), keywordLookupProto, 0x01, []byte(id)); err != nil {
		return nil, NewError(TransientIO, "keyword_lookup.send", err)
	}

	wait := r.hub.Await(id)
	defer r.hub.StopAwait(id)
	select {
	case <-ctx.Done():
		return nil, NewError(TransientIO, "keyword_lookup.wait", ctx.Err())
	case msg := <-wait:
		var resp KeywordLookupResponse
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			return nil, NewError(ProtocolViolation, "keyword_lookup.decode", err)
		}
		return resp.Pointers, nil
	}
}

func addressFromPeerKey(peerKey [32]byte) Address {
	var a Address
	copy(a[:], peerKey[:20])
	return a
}

// KeywordLookupServer answers inbound KeywordLookup requests against the
// local index, running on its own goroutine over the peer manager's
// subscription channel until ctx is done.
type KeywordLookupServer struct {
	pm       PeerManager
	hub      *ChannelHub
	index    *Index
	self     Address
	identity *PeerIdentity
	ledger   *Ledger
	geo      *GeoRegistry
	selfLoc  Location
}

// NewKeywordLookupServer builds a server answering local BM25 hits for
// inbound requests. identity, ledger and geo may be nil, in which case
// answered lookups are not credited — useful for tests that only exercise
// the answer path.
func NewKeywordLookupServer(pm PeerManager, hub *ChannelHub, index *Index, self Address, identity *PeerIdentity, ledger *Ledger, geo *GeoRegistry, selfLoc Location) *KeywordLookupServer {
	return &KeywordLookupServer{pm: pm, hub: hub, index: index, self: self, identity: identity, ledger: ledger, geo: geo, selfLoc: selfLoc}
}

// Serve blocks, answering inbound lookups until ctx is done.
func (s *KeywordLookupServer) Serve(ctx context.Context) {
	if s.pm == nil {
		return
	}
	inbound := s.pm.Subscribe(keywordLookupProto)
	defer s.pm.Unsubscribe(keywordLookupProto)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbound:
			s.handle(msg)
		}
	}
}

func (s *KeywordLookupServer) handle(msg InboundMsg) {
	channelID := string(msg.Payload)
	raw, err := s.hub.load(channelID)
	if err != nil || raw.Closed {
		return
	}
	reqRaw, err := s.hub.state.GetState(messageKey(channelID, 0))
	if err != nil {
		return
	}
	var frame ZTMessage
	if err := json.Unmarshal(reqRaw, &frame); err != nil {
		return
	}
	var req KeywordLookupRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return
	}

	pointers := s.answer(req)
	respBody, err := json.Marshal(KeywordLookupResponse{Pointers: pointers})
	if err != nil {
		return
	}
	_, _ = s.hub.Push(channelID, s.self, respBody)
	if len(pointers) > 0 {
		s.creditServed()
	}
}

// creditServed earns WeightQuery query-serving credit for
// answering a remote peer's lookup with at least one pointer.
func (s *KeywordLookupServer) creditServed() {
	if s.identity == nil || s.ledger == nil {
		return
	}
	geoConsistent := true
	if s.geo != nil {
		geoConsistent = s.geo.Consistent(NodeID(s.identity.String()), s.selfLoc)
	}
	entry := &CreditEntry{
		PeerID:     s.identity.ID[:],
		Action:     "serve_query",
		Amount:     WeightQuery,
		Multiplier: TimeMultiplier(time.Now(), geoConsistent),
		Timestamp:  time.Now().UnixMilli(),
	}
	_ = s.ledger.AppendEntry(entry, s.identity.Sign)
}

func (s *KeywordLookupServer) answer(req KeywordLookupRequest) []RemotePointer {
	if s.index == nil {
		return nil
	}
	terms := s.index.TermsForHashes(req.KeywordHashes)
	hits := s.index.SearchKeywords(terms, req.Limit)
	out := make([]RemotePointer, 0, len(hits))
	for _, h := range hits {
		doc, ok := s.index.GetDoc(h.DocID)
		if !ok {
			continue
		}
		out = append(out, RemotePointer{
			DocID:     h.DocID,
			URL:       doc.Metadata["url"],
			Title:     doc.Metadata["title"],
			Snippet:   snippetOf(doc.Text),
			CrawlTime: time.UnixMilli(doc.IndexedAt),
		})
	}
	return out
}
