package core

import (
	"crypto/sha256"
	"math/big"
	"sort"
	"sync"
	"time"
)

// kademlia.go implements the DHT routing table: 160 XOR-distance k-buckets,
// each capped at k=20 entries with a /16-subnet diversity limit so a single
// operator flooding many peer IDs from one address range cannot dominate a
// bucket. Value storage and the STORE validator pipeline live in dht.go;
// this file only tracks routing state.

const (
	bucketSize        = 20
	maxPerSubnetInBkt = 3
	bucketRefreshAge  = 30 * time.Minute
)

type kademliaEntry struct {
	id      NodeID
	subnet  string // coarse /16-equivalent grouping key, supplied by the caller
	lastSeen time.Time
}

// Kademlia is the DHT routing table bound to a local node ID.
type Kademlia struct {
	id        NodeID
	buckets   [160][]kademliaEntry
	refreshed [160]time.Time
	store     map[[20]byte][]byte
	mu        sync.RWMutex
}

func hash160(data []byte) [20]byte {
	sum := sha256.Sum256(data)
	var h [20]byte
	copy(h[:], sum[:20])
	return h
}

// NewKademlia creates a new Kademlia instance bound to the given node ID.
func NewKademlia(id NodeID) *Kademlia {
	return &Kademlia{
		id:    id,
		store: make(map[[20]byte][]byte),
	}
}

// AddPeer inserts a peer into the appropriate distance bucket, subject to the
// k=20 capacity and per-subnet diversity caps. It returns false if the
// bucket was full and the peer was rejected.
func (k *Kademlia) AddPeer(id NodeID, subnet string) bool {
	if id == k.id {
		return false
	}
	idx := k.bucketIndex(id)
	k.mu.Lock()
	defer k.mu.Unlock()

	list := k.buckets[idx]
	subnetCount := 0
	for i, p := range list {
		if p.id == id {
			list[i].lastSeen = time.Now()
			return true
		}
		if p.subnet == subnet {
			subnetCount++
		}
	}
	if len(list) >= bucketSize {
		return false
	}
	if subnet != "" && subnetCount >= maxPerSubnetInBkt {
		return false
	}
	k.buckets[idx] = append(list, kademliaEntry{id: id, subnet: subnet, lastSeen: time.Now()})
	return true
}

// BucketsDueForRefresh returns the bucket indices that haven't been refreshed
// within bucketRefreshAge, for the periodic refresh loop to target.
func (k *Kademlia) BucketsDueForRefresh(now time.Time) []int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var due []int
	for i, t := range k.refreshed {
		if len(k.buckets[i]) == 0 {
			continue
		}
		if now.Sub(t) >= bucketRefreshAge {
			due = append(due, i)
		}
	}
	return due
}

// MarkRefreshed records that bucket idx was just refreshed.
func (k *Kademlia) MarkRefreshed(idx int, at time.Time) {
	k.mu.Lock()
	if idx >= 0 && idx < len(k.refreshed) {
		k.refreshed[idx] = at
	}
	k.mu.Unlock()
}

// Store saves a value under the given key, keyed by a SHA-256 digest
// truncated to 160 bits. Callers (dht.go) must run the STORE validator
// pipeline before calling this.
func (k *Kademlia) Store(key string, value []byte) {
	hash := hash160([]byte(key))
	k.mu.Lock()
	k.store[hash] = append([]byte(nil), value...)
	k.mu.Unlock()
}

// Lookup retrieves a value by key. It returns the value and true if present.
func (k *Kademlia) Lookup(key string) ([]byte, bool) {
	hash := hash160([]byte(key))
	k.mu.RLock()
	val, ok := k.store[hash]
	k.mu.RUnlock()
	if ok {
		cp := append([]byte(nil), val...)
		return cp, true
	}
	return nil, false
}

// Nearest returns up to count peer IDs with XOR distance closest to target.
func (k *Kademlia) Nearest(target NodeID, count int) []NodeID {
	idx := k.bucketIndex(target)
	k.mu.RLock()
	defer k.mu.RUnlock()
	peers := make([]NodeID, 0, count*2)
	for offset := 0; offset < len(k.buckets) && len(peers) < count*2; offset++ {
		for _, dir := range [2]int{idx - offset, idx + offset} {
			if dir < 0 || dir >= len(k.buckets) {
				continue
			}
			for _, e := range k.buckets[dir] {
				peers = append(peers, e.id)
			}
			if offset == 0 {
				break // idx-0 == idx+0, avoid double-counting the home bucket
			}
		}
	}
	sort.Slice(peers, func(i, j int) bool {
		di := k.distance(peers[i], target)
		dj := k.distance(peers[j], target)
		return di.Cmp(dj) < 0
	})
	if len(peers) > count {
		peers = peers[:count]
	}
	return peers
}

func (k *Kademlia) bucketIndex(id NodeID) int {
	a := hash160([]byte(k.id))
	b := hash160([]byte(id))
	var diff [20]byte
	for i := 0; i < len(diff); i++ {
		diff[i] = a[i] ^ b[i]
	}
	bn := new(big.Int).SetBytes(diff[:])
	if bn.Sign() == 0 {
		return 159
	}
	return 159 - bn.BitLen() + 1
}

func (k *Kademlia) distance(a NodeID, b NodeID) *big.Int {
	aa := hash160([]byte(a))
	bb := hash160([]byte(b))
	var diff [20]byte
	for i := 0; i < len(diff); i++ {
		diff[i] = aa[i] ^ bb[i]
	}
	return new(big.Int).SetBytes(diff[:])
}
