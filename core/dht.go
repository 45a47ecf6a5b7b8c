package core

import (
	"crypto/ed25519"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	errUnknownSigner = errors.New("unknown signer for peer id")
	errBadSignature  = errors.New("signature verification failed")
	errStaleEnvelope = errors.New("envelope outside freshness window")
	errReplayedNonce = errors.New("nonce not greater than last seen")
	errRateLimited   = errors.New("per-peer rate limit exceeded")
)

// dht.go implements the STORE validator pipeline and the FIND_VALUE/SELECT
// read path on top of the routing table in kademlia.go. Every inbound STORE
// runs the same six-step gate regardless of payload tag; per-tag schema
// checks are the last step. Dispatch on Envelope.Tag mirrors the way
// replication.go's handleMsg dispatches on msgType.

type TrustTier int

const (
	TierUntrusted TrustTier = iota
	TierSuspect
	TierNormal
	TierTrusted
)

func (t TrustTier) String() string {
	switch t {
	case TierTrusted:
		return "trusted"
	case TierNormal:
		return "normal"
	case TierSuspect:
		return "suspect"
	default:
		return "untrusted"
	}
}

const (
	envelopeFreshnessWindow = 300 * time.Second
	rateLimitKeywordPerHour = 10
	rateLimitOtherPerHour   = 100
)

// record is a STORE-accepted envelope retained under a key, ready for
// FIND_VALUE selection.
type record struct {
	env       *Envelope
	tier      TrustTier
	storedAt  time.Time
}

// PubKeyResolver looks up a peer's Ed25519 public key for signature
// verification. The DHT never trusts a key carried in the envelope itself.
type PubKeyResolver interface {
	PublicKey(peerID [32]byte) (ed25519.PublicKey, bool)
}

// TrustResolver reports a peer's current trust tier for SELECT ranking and
// for the Normal-or-above gate applied to certain payload kinds.
type TrustResolver interface {
	Tier(peerID [32]byte) TrustTier
}

// DHT wraps the routing table with the validator pipeline, per-peer nonce
// tracking, rate limiting, and multi-valued record storage.
type DHT struct {
	rt   *Kademlia
	keys PubKeyResolver
	trust TrustResolver

	mu         sync.Mutex
	lastNonce  map[[32]byte]uint64
	rateBucket map[[32]byte]map[string][]time.Time // per (peer, key) sliding-window timestamps
	records    map[string][]record                     // key -> all currently valid records

	failedProbes map[NodeID]int
}

// NewDHT creates a DHT validator+store bound to the given routing table.
func NewDHT(rt *Kademlia, keys PubKeyResolver, trust TrustResolver) *DHT {
	return &DHT{
		rt:           rt,
		keys:         keys,
		trust:        trust,
		lastNonce:    make(map[[32]byte]uint64),
		rateBucket:   make(map[[32]byte]map[string][]time.Time),
		records:      make(map[string][]record),
		failedProbes: make(map[NodeID]int),
	}
}

// Store runs the six-step STORE validator pipeline against raw envelope
// bytes and, on success, indexes the record under key.
//
//  1. decode with hard size caps (wire.go's DecodeEnvelope)
//  2. verify signature against the sender-identified pubkey
//  3. check envelope freshness
//  4. check nonce monotonicity
//  5. apply per-key rate limit
//  6. apply schema-specific constraints
func (d *DHT) Store(key string, raw []byte, now time.Time, schemaCheck func(*Envelope) error) error {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return err // DecodeEnvelope already returns a tagged *Error
	}

	pub, ok := d.keys.PublicKey(env.PeerID)
	if !ok {
		return NewError(ProtocolViolation, "dht.store", errUnknownSigner)
	}
	ok, err = env.Verify(pub)
	if err != nil || !ok {
		return NewError(ProtocolViolation, "dht.store", errBadSignature)
	}

	skew := now.Sub(time.UnixMilli(env.TimestampMs))
	if skew < 0 {
		skew = -skew
	}
	if skew > envelopeFreshnessWindow {
		return NewError(ProtocolViolation, "dht.store", errStaleEnvelope)
	}

	d.mu.Lock()
	if env.Nonce <= d.lastNonce[env.PeerID] {
		d.mu.Unlock()
		return NewError(ProtocolViolation, "dht.store", errReplayedNonce)
	}
	if err := d.checkRateLimit(env.PeerID, key, env.Tag, now); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	if schemaCheck != nil {
		if err := schemaCheck(env); err != nil {
			return NewError(ProtocolViolation, "dht.store", err)
		}
	}

	tier := TierNormal
	if d.trust != nil {
		tier = d.trust.Tier(env.PeerID)
	}

	d.mu.Lock()
	d.lastNonce[env.PeerID] = env.Nonce
	d.records[key] = append(d.records[key], record{env: env, tier: tier, storedAt: now})
	d.mu.Unlock()

	d.rt.Store(key, raw)
	return nil
}

// checkRateLimit must be called with d.mu held. The hourly window is kept
// per (peer, key); tag only selects which limit applies.
func (d *DHT) checkRateLimit(peer [32]byte, key string, tag PayloadTag, now time.Time) error {
	limit := rateLimitOtherPerHour
	if tag == TagKeywordPointer {
		limit = rateLimitKeywordPerHour
	}
	perPeer, ok := d.rateBucket[peer]
	if !ok {
		perPeer = make(map[string][]time.Time)
		d.rateBucket[peer] = perPeer
	}
	cutoff := now.Add(-time.Hour)
	window := perPeer[key][:0]
	for _, t := range perPeer[key] {
		if t.After(cutoff) {
			window = append(window, t)
		}
	}
	if len(window) >= limit {
		perPeer[key] = window
		return NewError(ResourceExhausted, "dht.rate_limit", errRateLimited)
	}
	perPeer[key] = append(window, now)
	return nil
}

// FindValue returns every currently valid record at key. Selection among
// them is the caller's responsibility (see Select).
func (d *DHT) FindValue(key string) []*Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	recs := d.records[key]
	out := make([]*Envelope, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.env)
	}
	return out
}

// Select applies the deterministic SELECT policy: highest trust tier, then
// newest timestamp, then lexicographically smallest peer_id.
func (d *DHT) Select(key string) (*Envelope, bool) {
	d.mu.Lock()
	recs := append([]record(nil), d.records[key]...)
	d.mu.Unlock()
	if len(recs) == 0 {
		return nil, false
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].tier != recs[j].tier {
			return recs[i].tier > recs[j].tier
		}
		if recs[i].env.TimestampMs != recs[j].env.TimestampMs {
			return recs[i].env.TimestampMs > recs[j].env.TimestampMs
		}
		return string(recs[i].env.PeerID[:]) < string(recs[j].env.PeerID[:])
	})
	return recs[0].env, true
}

// RecentByTag returns every currently valid record whose payload carries
// tag and was stored at or after since, across all keys. The audit loop
// uses this to sample ContentAttestation envelopes as audit targets.
func (d *DHT) RecentByTag(tag PayloadTag, since time.Time) []*Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Envelope
	for _, recs := range d.records {
		for _, r := range recs {
			if r.env.Tag == tag && !r.storedAt.Before(since) {
				out = append(out, r.env)
			}
		}
	}
	return out
}

// ProbeFailed counts a failed liveness probe against peer and reports
// whether it has now failed 3 or more consecutive probes. It does not remove
// the peer from the routing table.
func (d *DHT) ProbeFailed(peer NodeID) (evicted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failedProbes[peer]++
	return d.failedProbes[peer] >= 3
}

// ProbeSucceeded clears a peer's failed-probe counter.
func (d *DHT) ProbeSucceeded(peer NodeID) {
	d.mu.Lock()
	delete(d.failedProbes, peer)
	d.mu.Unlock()
}
