package core

import (
	"sync"
	"time"
)

// trust.go computes each peer's unified trust score from its four inputs
// and maps it onto the tier used by DHT SELECT, fan-out selection, and the
// ranking blend.

const (
	weightUptime         = 0.15
	weightContribution   = 0.25
	weightAuditPassRate  = 0.40
	weightSummaryQuality = 0.20

	tierTrustedMin  = 0.8
	tierNormalMin   = 0.5
	tierSuspectMin  = 0.3

	uptimeWindow = 7 * 24 * time.Hour
)

// PeerTrustRecord holds the four scoring inputs for one peer.
type PeerTrustRecord struct {
	PeerID          [32]byte
	Uptime          float64 // windowed fraction over the last 7 days, [0,1]
	Contribution    float64 // normalized cumulative-contribution signal, [0,1]
	AuditPassRate   float64 // [0,1], starts at 0.5 (neutral) for a new peer
	SummaryQuality  float64 // [0,1]
	ComputedScore   float64
	Tier            TrustTier
	UpdatedAt       time.Time
	ConsecutiveFail int
}

func tierForScore(score float64) TrustTier {
	switch {
	case score >= tierTrustedMin:
		return TierTrusted
	case score >= tierNormalMin:
		return TierNormal
	case score >= tierSuspectMin:
		return TierSuspect
	default:
		return TierUntrusted
	}
}

// recompute updates ComputedScore and Tier from the four weighted inputs.
func (r *PeerTrustRecord) recompute(now time.Time) {
	r.ComputedScore = weightUptime*clamp01(r.Uptime) +
		weightContribution*clamp01(r.Contribution) +
		weightAuditPassRate*clamp01(r.AuditPassRate) +
		weightSummaryQuality*clamp01(r.SummaryQuality)
	r.Tier = tierForScore(r.ComputedScore)
	r.UpdatedAt = now
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// TrustKernel tracks every known peer's trust record and drives tier
// transitions from audit outcomes, isolating peers via the Firewall after
// three consecutive audit failures.
type TrustKernel struct {
	mu       sync.Mutex
	records  map[[32]byte]*PeerTrustRecord
	firewall *Firewall
}

// NewTrustKernel creates a kernel bound to the node's firewall.
func NewTrustKernel(fw *Firewall) *TrustKernel {
	return &TrustKernel{records: make(map[[32]byte]*PeerTrustRecord), firewall: fw}
}

func (k *TrustKernel) recordFor(peer [32]byte) *PeerTrustRecord {
	r, ok := k.records[peer]
	if !ok {
		r = &PeerTrustRecord{PeerID: peer, AuditPassRate: 0.5}
		k.records[peer] = r
	}
	return r
}

// Tier returns the peer's current trust tier; unknown peers default to Normal
// so a never-audited but otherwise unremarkable peer isn't treated as
// Untrusted on first contact.
func (k *TrustKernel) Tier(peer [32]byte) TrustTier {
	k.mu.Lock()
	defer k.mu.Unlock()
	r, ok := k.records[peer]
	if !ok {
		return TierNormal
	}
	return r.Tier
}

// Record returns a copy of the peer's current trust record.
func (k *TrustKernel) Record(peer [32]byte) PeerTrustRecord {
	k.mu.Lock()
	defer k.mu.Unlock()
	return *k.recordFor(peer)
}

// UpdateUptime sets the peer's windowed uptime fraction and recomputes its score.
func (k *TrustKernel) UpdateUptime(peer [32]byte, fraction float64, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r := k.recordFor(peer)
	r.Uptime = fraction
	r.recompute(now)
}

// UpdateContribution sets the peer's normalized contribution signal.
func (k *TrustKernel) UpdateContribution(peer [32]byte, normalized float64, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r := k.recordFor(peer)
	r.Contribution = normalized
	r.recompute(now)
}

// UpdateSummaryQuality sets the peer's summary-quality signal.
func (k *TrustKernel) UpdateSummaryQuality(peer [32]byte, quality float64, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r := k.recordFor(peer)
	r.SummaryQuality = quality
	r.recompute(now)
}

// AuditOutcome applies a quorum audit result: matches is how many of the 3
// independent auditors agreed with the peer's attested content hash.
func (k *TrustKernel) AuditOutcome(peer [32]byte, matches int, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r := k.recordFor(peer)

	switch matches {
	case 3:
		r.AuditPassRate = clamp01(r.AuditPassRate + 0.01)
		r.ConsecutiveFail = 0
	case 2:
		r.ConsecutiveFail = 0 // neutral: no change, re-check next cycle
	default:
		r.AuditPassRate = clamp01(r.AuditPassRate - 0.2)
		r.ConsecutiveFail++
	}
	r.recompute(now)

	if r.ConsecutiveFail >= 3 && k.firewall != nil {
		k.firewall.IsolatePeer(NodeID(peerIDString(peer)))
	}
}

func peerIDString(peer [32]byte) string {
	return string(peer[:])
}
