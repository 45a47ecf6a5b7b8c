package core

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"
)

// ledger.go implements the credit ledger: an append-only, Merkle-rooted,
// hash-chained record of every peer's contribution and spend, closed into
// blocks the way the teacher's chain closes transactions into blocks, but
// carrying CreditEntry records instead of transfers.

// Action weights (credits earned per unit of work), per the incentive model.
const (
	WeightCrawl    = 1.0
	WeightQuery    = 0.5
	WeightHosting  = 0.1 // per hour
	WeightUptime   = 0.5 // per hour
	WeightLLMOwn   = 1.5 // per page summarized for oneself
	WeightLLMServe = 2.0 // per summarization request served to another peer
)

// Time multipliers applied to earned credits.
const (
	TimeMultiplierBase      = 1.0
	TimeMultiplierOffPeak   = 1.5
	OffPeakGeoTolerance     = 2 * time.Hour
	OffPeakFallbackFraction = 1.3
)

// Search-cost tiers by a peer's cumulative lifetime contribution.
const (
	SearchCostTierLow    = 0.100 // cumulative contribution < 100
	SearchCostTierMid    = 0.050 // 100 <= cumulative < 1000
	SearchCostTierHigh   = 0.033 // cumulative >= 1000
	tierLowThreshold     = 100.0
	tierMidThreshold     = 1000.0
)

// LedgerState is the Grace/Debt admission state machine for a peer account.
type LedgerState string

const (
	StateNormal LedgerState = "NORMAL"
	StateGrace  LedgerState = "GRACE"
	StateDebt   LedgerState = "DEBT"
)

const graceWindow = 72 * time.Hour

// CreditEntry is a single signed, append-only ledger record.
type CreditEntry struct {
	PeerID       []byte      `json:"peer_id"`
	Action       string      `json:"action"`
	Amount       float64     `json:"amount"` // positive: earned, negative: spent
	Multiplier   float64     `json:"multiplier"`
	Timestamp    int64       `json:"timestamp_ms"`
	Nonce        uint64      `json:"nonce"`
	PrevEntry    []byte      `json:"prev_entry"` // hash of this peer's previous entry
	Hash         []byte      `json:"hash"`
	Sig          []byte      `json:"sig"`
}

// canonicalBytes returns the deterministic RLP encoding signed over.
func (e *CreditEntry) canonicalBytes() []byte {
	type wire struct {
		PeerID     []byte
		Action     string
		Amount     uint64 // fixed-point, 1e6 scale, two's complement (rlp has no signed ints)
		Multiplier uint64
		Timestamp  uint64
		Nonce      uint64
		PrevEntry  []byte
	}
	w := wire{
		PeerID:     e.PeerID,
		Action:     e.Action,
		Amount:     uint64(int64(e.Amount * 1e6)),
		Multiplier: uint64(int64(e.Multiplier * 1e6)),
		Timestamp:  uint64(e.Timestamp),
		Nonce:      e.Nonce,
		PrevEntry:  e.PrevEntry,
	}
	enc, _ := rlp.EncodeToBytes(w)
	return enc
}

// computeHash sets e.Hash to sha256 of the canonical encoding.
func (e *CreditEntry) computeHash() {
	h := sha256.Sum256(e.canonicalBytes())
	e.Hash = h[:]
}

// PeerAccount tracks a peer's running balance and admission state.
type PeerAccount struct {
	Balance                float64     `json:"balance"`
	CumulativeContribution float64     `json:"cumulative_contribution"`
	State                  LedgerState `json:"state"`
	GraceSince             int64       `json:"grace_since_ms"`
	LastEntryHash          []byte      `json:"last_entry_hash"`
	Nonce                  uint64      `json:"nonce"`
}

// LedgerConfig configures WAL/snapshot/archive paths and rotation.
type LedgerConfig struct {
	WALPath          string
	SnapshotPath     string
	ArchivePath      string
	SnapshotInterval int // blocks between snapshots
	PruneInterval    int // blocks kept in memory before archiving
	GenesisBlock     *Block
}

// Ledger is the credit ledger: a chain of blocks of CreditEntry records, plus
// a generic key/value store used by the zero-trust channels.
type Ledger struct {
	mu sync.RWMutex

	Blocks     []*Block
	blockIndex map[Hash]*Block
	Accounts   map[string]*PeerAccount // hex peer ID -> account
	State      map[string][]byte       // generic namespace, e.g. "ztdc:"

	walFile          *os.File
	snapshotPath     string
	snapshotInterval int
	archivePath      string
	pruneInterval    int

	onBlock func(*Block)
}

// NewLedger initialises a ledger, replaying an existing WAL and optionally
// applying a genesis block.
func NewLedger(cfg LedgerConfig) (l *Ledger, err error) {
	wal, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}
	defer func() {
		if err != nil {
			_ = wal.Close()
		}
	}()

	l = &Ledger{
		Blocks:           []*Block{},
		blockIndex:       make(map[Hash]*Block),
		Accounts:         make(map[string]*PeerAccount),
		State:            make(map[string][]byte),
		walFile:          wal,
		snapshotPath:     cfg.SnapshotPath,
		snapshotInterval: cfg.SnapshotInterval,
		archivePath:      cfg.ArchivePath,
		pruneInterval:    cfg.PruneInterval,
	}
	if cfg.GenesisBlock != nil {
		if err = l.applyBlock(cfg.GenesisBlock, false); err != nil {
			return nil, err
		}
		logrus.Infof("loaded genesis ledger block height %d", cfg.GenesisBlock.Header.Height)
	}

	scanner := bufio.NewScanner(wal)
	for scanner.Scan() {
		var blk Block
		if err = json.Unmarshal(scanner.Bytes(), &blk); err != nil {
			return nil, fmt.Errorf("WAL unmarshal: %w", err)
		}
		if err = l.applyBlock(&blk, false); err != nil {
			return nil, err
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("WAL scan: %w", err)
	}
	return l, nil
}

// OpenLedger loads an existing ledger snapshot and replays its WAL. path is
// a directory containing ledger.snap and ledger.wal.
func OpenLedger(path string) (*Ledger, error) {
	snap := filepath.Join(path, "ledger.snap")
	wal := filepath.Join(path, "ledger.wal")

	var restored *Ledger
	if f, err := os.Open(snap); err == nil {
		defer f.Close()
		restored = &Ledger{}
		if err := json.NewDecoder(f).Decode(restored); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}

	cfg := LedgerConfig{WALPath: wal, SnapshotPath: snap, ArchivePath: filepath.Join(path, "ledger.archive")}
	loaded, err := NewLedger(cfg)
	if err != nil {
		return nil, err
	}
	if restored != nil {
		loaded.Blocks = restored.Blocks
		loaded.Accounts = restored.Accounts
		loaded.State = restored.State
		loaded.blockIndex = make(map[Hash]*Block, len(loaded.Blocks))
		for _, b := range loaded.Blocks {
			loaded.blockIndex[b.Hash()] = b
		}
	}
	return loaded, nil
}

// applyBlock appends a block and folds its entries into account balances. If
// persist is true it also writes to the WAL and triggers snapshot/prune.
func (l *Ledger) applyBlock(block *Block, persist bool) error {
	expected := uint64(0)
	if n := len(l.Blocks); n > 0 {
		expected = l.Blocks[n-1].Header.Height + 1
	}
	if block.Header.Height != expected {
		return fmt.Errorf("invalid block height: expected %d, got %d", expected, block.Header.Height)
	}

	l.Blocks = append(l.Blocks, block)
	h := block.Hash()
	l.blockIndex[h] = block

	for _, entry := range block.Body.Entries {
		if err := l.foldEntry(entry); err != nil {
			return fmt.Errorf("fold entry: %w", err)
		}
	}

	if persist {
		data, err := json.Marshal(block)
		if err != nil {
			return fmt.Errorf("marshal block: %w", err)
		}
		if _, err := l.walFile.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write WAL: %w", err)
		}
		_ = l.walFile.Sync()

		if l.snapshotInterval > 0 && len(l.Blocks)%l.snapshotInterval == 0 {
			if err := l.snapshot(); err != nil {
				logrus.Errorf("snapshot error: %v", err)
			}
		}
		if err := l.prune(); err != nil {
			logrus.Errorf("prune error: %v", err)
		}
	}

	logrus.Infof("ledger block %d applied; total blocks %d", block.Header.Height, len(l.Blocks))
	return nil
}

func (l *Ledger) foldEntry(e *CreditEntry) error {
	key := hex.EncodeToString(e.PeerID)
	acct, ok := l.Accounts[key]
	if !ok {
		acct = &PeerAccount{State: StateNormal}
		l.Accounts[key] = acct
	}
	credited := e.Amount
	if credited > 0 && e.Multiplier > 0 {
		credited *= e.Multiplier
	}
	acct.Balance += credited
	if credited > 0 {
		acct.CumulativeContribution += credited
	}
	acct.LastEntryHash = e.Hash
	acct.Nonce = e.Nonce

	l.transitionState(acct, time.UnixMilli(e.Timestamp))
	return nil
}

func (l *Ledger) transitionState(acct *PeerAccount, now time.Time) {
	switch {
	case acct.Balance >= 0:
		acct.State = StateNormal
		acct.GraceSince = 0
	case acct.State == StateNormal:
		acct.State = StateGrace
		acct.GraceSince = now.UnixMilli()
	case acct.State == StateGrace:
		if now.Sub(time.UnixMilli(acct.GraceSince)) > graceWindow {
			acct.State = StateDebt
		}
	}
}

// SearchCostTier returns the per-query credit cost for a peer given its
// cumulative lifetime contribution, doubled while in DEBT state.
func SearchCostTier(cumulativeContribution float64, state LedgerState) float64 {
	var tier float64
	switch {
	case cumulativeContribution >= tierMidThreshold:
		tier = SearchCostTierHigh
	case cumulativeContribution >= tierLowThreshold:
		tier = SearchCostTierMid
	default:
		tier = SearchCostTierLow
	}
	if state == StateDebt {
		tier *= 2
	}
	return tier
}

// TimeMultiplier returns the credit multiplier for an action performed at ts.
// Inside the off-peak window (22:00-06:00 UTC) it returns TimeMultiplierOffPeak
// when geoConsistent is true and the conservative OffPeakFallbackFraction when
// it is false; outside the window it returns TimeMultiplierBase. The
// geolocation check itself is the caller's (GeoRegistry.Consistent);
// OffPeakGeoTolerance is not consulted here.
func TimeMultiplier(ts time.Time, geoConsistent bool) float64 {
	hour := ts.UTC().Hour()
	offPeak := hour < 6 || hour >= 22
	if !offPeak {
		return TimeMultiplierBase
	}
	if geoConsistent {
		return TimeMultiplierOffPeak
	}
	return OffPeakFallbackFraction
}

// SetBlockListener registers fn to be called with every block this node
// closes locally via AppendEntry (not blocks received from a peer via
// AddBlock/ImportBlock, which would otherwise echo straight back out).
// server.go wires this to the Replicator's ReplicateBlock so every
// self-closed credit entry is gossiped to a fanout of peers as soon as it
// commits.
func (l *Ledger) SetBlockListener(fn func(*Block)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onBlock = fn
}

// AppendEntry signs and folds a single CreditEntry into a new one-entry block
// proposed by this node.
func (l *Ledger) AppendEntry(e *CreditEntry, signer func([]byte) ([]byte, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := hex.EncodeToString(e.PeerID)
	if acct, ok := l.Accounts[key]; ok {
		e.PrevEntry = acct.LastEntryHash
		e.Nonce = acct.Nonce + 1
	}
	e.computeHash()
	sig, err := signer(e.Hash)
	if err != nil {
		return fmt.Errorf("sign entry: %w", err)
	}
	e.Sig = sig

	root, err := ComputeMerkleRoot([][]byte{e.Hash})
	if err != nil {
		return err
	}
	blk := &Block{
		Header: BlockHeader{
			Timestamp:  time.Now().UnixMilli(),
			MerkleRoot: root,
		},
		Body: BlockBody{Entries: []*CreditEntry{e}},
	}
	if len(l.Blocks) > 0 {
		last := l.Blocks[len(l.Blocks)-1]
		blk.Header.Height = last.Header.Height + 1
		h := last.Hash()
		blk.Header.PrevHash = h[:]
	}
	if err := l.applyBlock(blk, true); err != nil {
		return err
	}
	if l.onBlock != nil {
		l.onBlock(blk)
	}
	return nil
}

// AddBlock is the external entrypoint used by replication to append a
// verified block received from a peer.
func (l *Ledger) AddBlock(block *Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyBlock(block, true)
}

// ImportBlock satisfies BlockReader for the replication gossip path.
func (l *Ledger) ImportBlock(b *Block) error { return l.AddBlock(b) }

// GetBlock returns the block at height; blocks already archived by prune are
// not found.
func (l *Ledger) GetBlock(height uint64) (*Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.Blocks) == 0 || height < l.Blocks[0].Header.Height {
		return nil, fmt.Errorf("block %d not found", height)
	}
	i := height - l.Blocks[0].Header.Height
	if i >= uint64(len(l.Blocks)) {
		return nil, fmt.Errorf("block %d not found", height)
	}
	return l.Blocks[i], nil
}

// HasBlock returns true if the ledger contains a block with the given hash.
func (l *Ledger) HasBlock(h Hash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.blockIndex[h]
	return ok
}

// BlockByHash fetches a block by its hash.
func (l *Ledger) BlockByHash(h Hash) (*Block, error) {
	l.mu.RLock()
	blk, ok := l.blockIndex[h]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("block %x not found", h)
	}
	return blk, nil
}

// DecodeBlockRLP decodes a full block (header and body) from the RLP form
// that Block.EncodeRLP produces.
func (l *Ledger) DecodeBlockRLP(data []byte) (*Block, error) {
	var blk Block
	if err := rlp.DecodeBytes(data, &blk); err != nil {
		return nil, err
	}
	return &blk, nil
}

// LastHeight returns the height of the latest block.
func (l *Ledger) LastHeight() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.Blocks) == 0 {
		return 0
	}
	return l.Blocks[len(l.Blocks)-1].Header.Height
}

// Account returns a copy of a peer's account, or a fresh NORMAL-state zero
// account if the peer has never posted an entry.
func (l *Ledger) Account(peerID []byte) PeerAccount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acct, ok := l.Accounts[hex.EncodeToString(peerID)]; ok {
		return *acct
	}
	return PeerAccount{State: StateNormal}
}

// MerkleRootAt returns the Merkle root committed at block height, for the
// periodic DHT publication challenge.
func (l *Ledger) MerkleRootAt(height uint64) ([]byte, error) {
	blk, err := l.GetBlock(height)
	if err != nil {
		return nil, err
	}
	return blk.Header.MerkleRoot, nil
}

// snapshot writes full ledger state to JSON and truncates the WAL.
func (l *Ledger) snapshot() error {
	f, err := os.Create(l.snapshotPath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(l); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := l.walFile.Close(); err != nil {
		return err
	}
	wal, err := os.Create(l.walFile.Name())
	if err != nil {
		return err
	}
	l.walFile = wal
	logrus.Infof("ledger snapshot saved to %s; WAL truncated", l.snapshotPath)
	return nil
}

// prune archives old blocks and rewrites the WAL to keep memory bounded.
func (l *Ledger) prune() error {
	if l.pruneInterval <= 0 || len(l.Blocks) <= l.pruneInterval {
		return nil
	}
	toArchive := len(l.Blocks) - l.pruneInterval
	if l.archivePath != "" {
		f, err := os.OpenFile(l.archivePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		gz := gzip.NewWriter(f)
		for i := 0; i < toArchive; i++ {
			data, err := json.Marshal(l.Blocks[i])
			if err != nil {
				gz.Close()
				f.Close()
				return err
			}
			if _, err := gz.Write(append(data, '\n')); err != nil {
				gz.Close()
				f.Close()
				return err
			}
			delete(l.blockIndex, l.Blocks[i].Hash())
		}
		if err := gz.Close(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	l.Blocks = l.Blocks[toArchive:]
	return l.rewriteWAL()
}

func (l *Ledger) rewriteWAL() error {
	if err := l.walFile.Close(); err != nil {
		return err
	}
	wal, err := os.Create(l.walFile.Name())
	if err != nil {
		return err
	}
	l.walFile = wal
	for _, blk := range l.Blocks {
		data, err := json.Marshal(blk)
		if err != nil {
			return err
		}
		if _, err := l.walFile.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return l.walFile.Sync()
}

// StateRoot computes a deterministic hash of the generic State map,
// independent of the order in which keys were set.
func (l *Ledger) StateRoot() Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.State))
	for k := range l.State {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write(l.State[k])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

//---------------------------------------------------------------------
// StateRW implementation, backing the zero-trust channels
//---------------------------------------------------------------------

func (l *Ledger) GetState(key []byte) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	val, ok := l.State[string(key)]
	if !ok {
		return nil, fmt.Errorf("state key not found")
	}
	cpy := make([]byte, len(val))
	copy(cpy, val)
	return cpy, nil
}

func (l *Ledger) SetState(key, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cpy := make([]byte, len(value))
	copy(cpy, value)
	l.State[string(key)] = cpy
	return nil
}

func (l *Ledger) DeleteState(key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.State, string(key))
	return nil
}

func (l *Ledger) HasState(key []byte) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.State[string(key)]
	return ok, nil
}

type memIter struct {
	keys   [][]byte
	values [][]byte
	idx    int
	err    error
}

func (it *memIter) Next() bool { it.idx++; return it.idx < len(it.keys) }
func (it *memIter) Key() []byte {
	if it.idx < len(it.keys) {
		return it.keys[it.idx]
	}
	return nil
}
func (it *memIter) Value() []byte {
	if it.idx < len(it.values) {
		return it.values[it.idx]
	}
	return nil
}
func (it *memIter) Error() error { return it.err }

func (l *Ledger) PrefixIterator(prefix []byte) StateIterator {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var k, v [][]byte
	for key, val := range l.State {
		if bytes.HasPrefix([]byte(key), prefix) {
			k = append(k, []byte(key))
			v = append(v, val)
		}
	}
	return &memIter{keys: k, values: v, idx: -1}
}

// Snapshot runs fn inside a notional transaction boundary. The in-memory
// ledger has no separate transaction log beyond the WAL, so this simply
// invokes fn; it exists to satisfy StateRW for components written against
// a transactional store.
func (l *Ledger) Snapshot(fn func() error) error { return fn() }

// Close releases the underlying WAL file handle.
func (l *Ledger) Close() error {
	if l == nil || l.walFile == nil {
		return nil
	}
	return l.walFile.Close()
}
