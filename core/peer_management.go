package core

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"
)

// PeerProfile is spec.md's latency-routing entity — {peer_id,
// observed_latency_ema, last_seen} — kept here rather than a one-shot RTT
// sample so DHTResponderSelector's fan-out ranking survives a single slow
// or dropped stream instead of flapping on it.
type PeerProfile struct {
	LatencyEMA time.Duration
	Misses     int
	LastSeen   int64
}

// latencyEMAAlpha weights the newest RTT sample against the running
// average; 0.3 tracks genuine drift within a few samples without letting
// one outlier stream dominate the estimate.
const latencyEMAAlpha = 0.3

// PeerManagement implements PeerManager and provides discovery,
// connection and advertisement helpers built around Node.
type PeerManagement struct {
	node *Node
	mu   sync.RWMutex
	subs map[string]*pubsub.Subscription
	out  map[string]chan InboundMsg

	profMu   sync.RWMutex
	profiles map[NodeID]*PeerProfile
}

// NewPeerManagement wraps an existing Node to expose peer management functions.
func NewPeerManagement(n *Node) *PeerManagement {
	return &PeerManagement{
		node:     n,
		subs:     make(map[string]*pubsub.Subscription),
		out:      make(map[string]chan InboundMsg),
		profiles: make(map[NodeID]*PeerProfile),
	}
}

// recordRTT folds a fresh round-trip sample into id's latency EMA. Called
// from SendAsync on every successful send so DHTResponderSelector's
// trust-then-latency ranking reflects sustained behaviour, not one sample.
func (pm *PeerManagement) recordRTT(id NodeID, rtt time.Duration) {
	pm.profMu.Lock()
	defer pm.profMu.Unlock()
	p, ok := pm.profiles[id]
	if !ok {
		p = &PeerProfile{LatencyEMA: rtt}
		pm.profiles[id] = p
	} else {
		p.LatencyEMA = time.Duration(latencyEMAAlpha*float64(rtt) + (1-latencyEMAAlpha)*float64(p.LatencyEMA))
	}
	p.LastSeen = time.Now().Unix()
}

// recordMiss bumps id's miss count after a failed send, penalizing it in
// SelectResponders without evicting it outright — a transient network blip
// shouldn't cost a peer its trust-tier standing.
func (pm *PeerManagement) recordMiss(id NodeID) {
	pm.profMu.Lock()
	defer pm.profMu.Unlock()
	p, ok := pm.profiles[id]
	if !ok {
		p = &PeerProfile{}
		pm.profiles[id] = p
	}
	p.Misses++
}

func (pm *PeerManagement) profileOf(id NodeID) (PeerProfile, bool) {
	pm.profMu.RLock()
	defer pm.profMu.RUnlock()
	p, ok := pm.profiles[id]
	if !ok {
		return PeerProfile{}, false
	}
	return *p, true
}

// DiscoverPeers returns the currently known peers, annotated with the
// latency EMA and miss count tracked from SendAsync traffic. Discovery
// itself is handled via mDNS by the underlying Node.
func (pm *PeerManagement) DiscoverPeers() []PeerInfo {
	pm.node.peerLock.RLock()
	peers := make([]*Peer, 0, len(pm.node.peers))
	for _, p := range pm.node.peers {
		peers = append(peers, p)
	}
	pm.node.peerLock.RUnlock()

	infos := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		rtt := p.Latency
		var misses int
		if prof, ok := pm.profileOf(p.ID); ok {
			rtt = prof.LatencyEMA
			misses = prof.Misses
		}
		infos = append(infos, PeerInfo{ID: p.ID, RTT: float64(rtt.Milliseconds()), Misses: misses, Updated: time.Now().Unix()})
	}
	return infos
}

// Connect establishes a connection to the given multi-address.
func (pm *PeerManagement) Connect(addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if err := pm.node.host.Connect(pm.node.ctx, *pi); err != nil {
		return err
	}
	pm.node.peerLock.Lock()
	pm.node.peers[NodeID(pi.ID.String())] = &Peer{ID: NodeID(pi.ID.String()), Addr: addr}
	pm.node.peerLock.Unlock()
	return nil
}

// Disconnect closes the connection to the given peer ID.
func (pm *PeerManagement) Disconnect(id NodeID) error {
	pid, err := peer.Decode(string(id))
	if err != nil {
		return err
	}
	if err := pm.node.host.Network().ClosePeer(pid); err != nil {
		return err
	}
	pm.node.peerLock.Lock()
	delete(pm.node.peers, id)
	pm.node.peerLock.Unlock()
	pm.profMu.Lock()
	delete(pm.profiles, id)
	pm.profMu.Unlock()
	return nil
}

// AdvertiseSelf broadcasts this node's presence on the advertised topic.
func (pm *PeerManagement) AdvertiseSelf(topic string) error {
	return pm.node.Broadcast(topic, []byte(pm.node.host.ID()))
}

// Peers implements PeerManager and returns peer information.
func (pm *PeerManagement) Peers() []PeerInfo {
	return pm.DiscoverPeers()
}

// Sample returns up to n known peer IDs chosen uniformly at random.
func (pm *PeerManagement) Sample(n int) []string {
	pm.node.peerLock.RLock()
	ids := make([]string, 0, len(pm.node.peers))
	for id := range pm.node.peers {
		ids = append(ids, string(id))
	}
	pm.node.peerLock.RUnlock()

	if n > len(ids) {
		n = len(ids)
	}
	for i := len(ids) - 1; i > 0; i-- {
		r, err := crand.Int(crand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			break
		}
		j := int(r.Int64())
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids[:n]
}

// SendAsync opens a libp2p stream and sends the message code and payload,
// timing the round trip from dial to the first byte written so the caller's
// latency EMA (exposed through Peers/DiscoverPeers) reflects current
// conditions rather than the one RTT sample libp2p reports at connect time.
func (pm *PeerManagement) SendAsync(peerID, proto string, code byte, payload []byte) error {
	id := NodeID(peerID)
	pid, err := peer.Decode(peerID)
	if err != nil {
		pm.recordMiss(id)
		return err
	}
	ctx, cancel := context.WithTimeout(pm.node.ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	s, err := pm.node.host.NewStream(ctx, pid, protocol.ID(proto))
	if err != nil {
		pm.recordMiss(id)
		return err
	}
	defer s.Close()
	msg := append([]byte{code}, payload...)
	if _, err := s.Write(msg); err != nil {
		pm.recordMiss(id)
		return err
	}
	pm.recordRTT(id, time.Since(start))
	return nil
}

// Subscribe subscribes to a topic/protocol and returns a message channel.
func (pm *PeerManagement) Subscribe(proto string) <-chan InboundMsg {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if ch, ok := pm.out[proto]; ok {
		return ch
	}
	t, err := pm.node.pubsub.Join(proto)
	if err != nil {
		logrus.Warnf("subscribe join %s failed: %v", proto, err)
		ch := make(chan InboundMsg)
		close(ch)
		return ch
	}
	sub, err := t.Subscribe()
	if err != nil {
		logrus.Warnf("subscribe %s failed: %v", proto, err)
		ch := make(chan InboundMsg)
		close(ch)
		return ch
	}
	out := make(chan InboundMsg)
	pm.subs[proto] = sub
	pm.out[proto] = out
	go func() {
		for {
			msg, err := sub.Next(pm.node.ctx)
			if err != nil {
				close(out)
				return
			}
			out <- InboundMsg{PeerID: msg.GetFrom().String(), Payload: msg.Data, Topic: proto, Ts: time.Now().UnixMilli()}
		}
	}()
	return out
}

// Unsubscribe cancels a subscription created via Subscribe.
func (pm *PeerManagement) Unsubscribe(proto string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if sub, ok := pm.subs[proto]; ok {
		sub.Cancel()
		delete(pm.subs, proto)
	}
	if ch, ok := pm.out[proto]; ok {
		close(ch)
		delete(pm.out, proto)
	}
}

// Ensure PeerManagement implements PeerManager.
var _ PeerManager = (*PeerManagement)(nil)
