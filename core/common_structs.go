package core

// common_structs.go – centralised struct definitions shared across the core
// package: networking primitives, the credit-ledger block shape, and the
// minimal state-store contract the ledger implements for the zero-trust
// channels.

import (
	"context"
	"encoding/hex"
	"net"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	host "github.com/libp2p/go-libp2p/core/host"
)

//---------------------------------------------------------------------
// Identifiers
//---------------------------------------------------------------------

// Address is a 20-byte identifier, used for peer-derived addressing where a
// fixed-width handle is more convenient than the full 32-byte peer ID.
type Address [20]byte

// Hash is a 32-byte cryptographic hash.
type Hash [32]byte

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// Short returns a truncated hex form suitable for log lines.
func (h Hash) Short() string {
	s := h.Hex()
	if len(s) <= 8 {
		return s
	}
	return s[:4] + "…" + s[len(s)-4:]
}

//---------------------------------------------------------------------
// P2P structs
//---------------------------------------------------------------------

type NodeID string

type Peer struct {
	ID      NodeID
	Addr    string
	Latency time.Duration
	Conn    net.Conn
}

type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

type Node struct {
	host      host.Host
	pubsub    *pubsub.PubSub
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription
	topicLock sync.RWMutex
	subLock   sync.RWMutex
	peerLock  sync.RWMutex
	peers     map[NodeID]*Peer
	nat       *NATManager
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       Config
}

type PeerInfo struct {
	ID      NodeID  `json:"id"`
	RTT     float64 `json:"rtt_ms"`
	Misses  int     `json:"misses"`
	Updated int64   `json:"updated_unix"`
}

//---------------------------------------------------------------------
// Credit ledger block shape
//---------------------------------------------------------------------

// BlockHeader is the canonically RLP-encoded header of a ledger block: a
// batch of signed CreditEntry records closed over a Merkle root.
type BlockHeader struct {
	Height     uint64
	Timestamp  int64
	PrevHash   []byte
	MerkleRoot []byte
	Proposer   []byte // peer ID of the block's proposer
	Sig        []byte // Ed25519 signature of Proposer over the header
}

// BlockBody holds the ordered credit entries closed into a block.
type BlockBody struct {
	Entries []*CreditEntry `json:"entries"`
}

// Block is the unit gossiped and replicated between peers to converge the
// credit ledger.
type Block struct {
	Header BlockHeader `json:"header"`
	Body   BlockBody   `json:"body"`
}

//---------------------------------------------------------------------
// Ledger state interface – minimal read-write contract
//---------------------------------------------------------------------

type StateIterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
}

// StateRW is the minimal key/value contract the credit ledger implements over
// its State map; the zero-trust ChannelHub stores its channel and frame
// records through it.
type StateRW interface {
	GetState(key []byte) ([]byte, error)
	SetState(key, value []byte) error
	DeleteState(key []byte) error
	HasState(key []byte) (bool, error)
	PrefixIterator(prefix []byte) StateIterator
	Snapshot(func() error) error
}

//---------------------------------------------------------------------
// Replication configuration
//---------------------------------------------------------------------

type ReplicationConfig struct {
	MaxConcurrent  int
	ChunksPerSec   int
	RetryBackoff   time.Duration
	PeerThreshold  int
	Fanout         uint          // √N gossip fan-out
	RequestTimeout time.Duration // per-block fetch timeout
	SyncBatchSize  uint64        // number of blocks per sync request
}

// BlockReader is read-only access to the local ledger chain for replication.
type BlockReader interface {
	GetBlock(height uint64) (*Block, error)
	LastHeight() uint64
	HasBlock(hash Hash) bool
	BlockByHash(hash Hash) (*Block, error)
	DecodeBlockRLP(data []byte) (*Block, error)
	ImportBlock(b *Block) error
}

//---------------------------------------------------------------------
// Peer management abstraction (used by replication, DHT, orchestrator)
//---------------------------------------------------------------------

type PeerManager interface {
	Peers() []PeerInfo
	Connect(addr string) error
	Disconnect(id NodeID) error
	Sample(n int) []string
	SendAsync(peerID, proto string, code byte, payload []byte) error
	Subscribe(proto string) <-chan InboundMsg
	Unsubscribe(proto string)
}

type InboundMsg struct {
	PeerID  string `json:"peer_id"`
	Code    byte   `json:"code"`
	Payload []byte `json:"payload"`

	Topic string  `json:"topic,omitempty"`
	From  Address `json:"from,omitempty"`
	Ts    int64   `json:"ts"`
}

type NetworkMessage struct {
	Source    Address `json:"source"`
	Target    Address `json:"target"`
	MsgType   string  `json:"type"`
	Content   []byte  `json:"content"`
	Timestamp int64   `json:"timestamp"`
	Topic     string
}
