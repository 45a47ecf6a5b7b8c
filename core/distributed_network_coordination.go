package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Coordinator runs the node's periodic background loops: gossiping the
// local credit-ledger height so peers can detect divergence, publishing a
// signed CreditLedgerRoot envelope to the DHT every epoch (spec §4.I), and
// refreshing DHT k-buckets that have gone stale (not marked refreshed
// within bucketRefreshAge) by probing a random ID in their distance range.
//
// All methods are concurrency-safe.
type Coordinator struct {
	led      *Ledger
	rt       *Kademlia
	pm       PeerManager
	bc       BroadcasterFunc
	log      *logrus.Logger
	dht      *DHT
	identity *PeerIdentity
	nonce    func() uint64

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// CreditLedgerRootPayload is the body of a TagCreditLedgerRoot envelope: this
// node's view of the ledger's Merkle root at Height, published so other
// peers can detect divergence without replaying the whole chain.
type CreditLedgerRootPayload struct {
	Height     uint64 `json:"height"`
	MerkleRoot []byte `json:"merkle_root"`
}

func creditLedgerRootKey(peerID [32]byte) string {
	return "ledger_root:" + string(peerID[:])
}

// NewCoordinator creates a coordinator bound to the ledger, routing table,
// peer manager and broadcaster it drives, plus the DHT and identity used to
// publish periodic CreditLedgerRoot envelopes. dht/identity/nonce may be
// left zero-valued (nil dht, nil identity, nil nonce) in tests that don't
// exercise ledger-root publication; ledgerLoop skips it when dht is nil. If
// logger is nil, logrus.StandardLogger() is used.
func NewCoordinator(l *Ledger, rt *Kademlia, pm PeerManager, bc BroadcasterFunc, logger *logrus.Logger, dht *DHT, identity *PeerIdentity, nonce func() uint64) *Coordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Coordinator{led: l, rt: rt, pm: pm, bc: bc, log: logger, dht: dht, identity: identity, nonce: nonce}
}

// Start launches the background loops. Calling Start twice has no effect.
func (dc *Coordinator) Start(ctx context.Context) {
	dc.mu.Lock()
	if dc.cancel != nil {
		dc.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	dc.ctx, dc.cancel = ctx, cancel
	dc.mu.Unlock()

	go dc.ledgerLoop()
	go dc.refreshLoop()
	dc.log.Info("coordinator started")
}

// Stop halts the background loops.
func (dc *Coordinator) Stop() {
	dc.mu.Lock()
	if dc.cancel != nil {
		dc.cancel()
		dc.cancel = nil
	}
	dc.mu.Unlock()
	dc.log.Info("coordinator stopped")
}

func (dc *Coordinator) ledgerLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-dc.ctx.Done():
			return
		case <-ticker.C:
			if err := dc.BroadcastLedgerHeight(); err != nil {
				dc.log.Warnf("broadcast height: %v", err)
			}
			if err := dc.publishLedgerRoot(); err != nil {
				dc.log.Debugf("publish ledger root: %v", err)
			}
		}
	}
}

// publishLedgerRoot signs and STOREs a TagCreditLedgerRoot envelope for the
// current chain height, keyed by this node's own peer ID so SELECT always
// resolves to the freshest root this peer has published.
func (dc *Coordinator) publishLedgerRoot() error {
	if dc.dht == nil || dc.identity == nil || dc.led == nil {
		return nil
	}
	height := dc.led.LastHeight()
	root, err := dc.led.MerkleRootAt(height)
	if err != nil {
		return fmt.Errorf("coordinator: ledger root at %d: %w", height, err)
	}
	body, err := json.Marshal(CreditLedgerRootPayload{Height: height, MerkleRoot: root})
	if err != nil {
		return fmt.Errorf("coordinator: marshal ledger root: %w", err)
	}
	env := &Envelope{
		PeerID:      dc.identity.ID,
		Nonce:       dc.nonce(),
		TimestampMs: time.Now().UnixMilli(),
		Tag:         TagCreditLedgerRoot,
		Body:        body,
	}
	raw, err := env.Encode(dc.identity.Sign)
	if err != nil {
		return fmt.Errorf("coordinator: encode ledger root: %w", err)
	}
	return dc.dht.Store(creditLedgerRootKey(dc.identity.ID), raw, time.Now(), nil)
}

// refreshLoop checks for stale buckets every minute; actually probing each
// due bucket is throttled to bucketRefreshAge per bucket by BucketsDueForRefresh.
func (dc *Coordinator) refreshLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-dc.ctx.Done():
			return
		case now := <-ticker.C:
			dc.refreshDueBuckets(now)
		}
	}
}

func (dc *Coordinator) refreshDueBuckets(now time.Time) {
	if dc.rt == nil {
		return
	}
	for _, idx := range dc.rt.BucketsDueForRefresh(now) {
		dc.probeBucket(idx)
		dc.rt.MarkRefreshed(idx, now)
	}
}

// probeBucket samples a known peer and pings it via SendAsync to confirm
// liveness, standing in for a FIND_NODE probe against a random ID in the
// bucket's distance range.
func (dc *Coordinator) probeBucket(idx int) {
	if dc.pm == nil {
		return
	}
	sample := dc.pm.Sample(1)
	if len(sample) == 0 {
		return
	}
	if err := dc.pm.SendAsync(sample[0], "meshsearch-dht-ping/1", 0x00, nil); err != nil {
		dc.log.Debugf("bucket %d refresh probe failed: %v", idx, err)
	}
}

// BroadcastLedgerHeight sends the current block height to peers via the
// configured broadcaster.
func (dc *Coordinator) BroadcastLedgerHeight() error {
	if dc.bc == nil {
		return fmt.Errorf("coordinator: broadcaster not set")
	}
	if dc.led == nil {
		return fmt.Errorf("coordinator: ledger not available")
	}
	height := dc.led.LastHeight()
	msg := []byte(fmt.Sprintf("%d", height))
	return dc.bc("coord_height", msg)
}

// SyncOnce performs a single ledger synchronization step by broadcasting the
// current height and returning it to the caller.
func (dc *Coordinator) SyncOnce(ctx context.Context) (uint64, error) {
	if err := dc.BroadcastLedgerHeight(); err != nil {
		return 0, err
	}
	if dc.led == nil {
		return 0, fmt.Errorf("coordinator: ledger not available")
	}
	return dc.led.LastHeight(), nil
}
