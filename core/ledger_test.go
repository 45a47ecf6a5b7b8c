package core

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tmpLedgerConfig(t *testing.T, genesis *Block) LedgerConfig {
	dir := t.TempDir()
	return LedgerConfig{
		WALPath:          filepath.Join(dir, "wal.log"),
		SnapshotPath:     filepath.Join(dir, "snap.json"),
		ArchivePath:      filepath.Join(dir, "archive.gz"),
		SnapshotInterval: 1000, // large to avoid snapshot during tests
		GenesisBlock:     genesis,
	}
}

func TestNewLedgerInit(t *testing.T) {
	tests := []struct {
		name       string
		genesis    *Block
		wantBlocks int
	}{
		{"Empty", nil, 0},
		{"WithGenesis", &Block{Header: BlockHeader{Height: 0}}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			led, err := NewLedger(tmpLedgerConfig(t, tc.genesis))
			if err != nil {
				t.Fatalf("init err: %v", err)
			}
			if len(led.Blocks) != tc.wantBlocks {
				t.Fatalf("blocks=%d want %d", len(led.Blocks), tc.wantBlocks)
			}
		})
	}
}

func TestAddBlockHeightMismatch(t *testing.T) {
	genesis := &Block{Header: BlockHeader{Height: 0}}
	led, err := NewLedger(tmpLedgerConfig(t, genesis))
	if err != nil {
		t.Fatalf("init err: %v", err)
	}

	bad := &Block{Header: BlockHeader{Height: 2}}
	if err := led.AddBlock(bad); err == nil {
		t.Fatalf("expected height mismatch error")
	}
}

func TestAppendEntryUpdatesBalanceAndState(t *testing.T) {
	led, err := NewLedger(tmpLedgerConfig(t, nil))
	if err != nil {
		t.Fatalf("init err: %v", err)
	}
	signer := func(msg []byte) ([]byte, error) { return append([]byte(nil), msg...), nil }
	peer := []byte("peer-under-test-000000000000000")[:32]

	earn := &CreditEntry{PeerID: peer, Action: "crawl", Amount: WeightCrawl, Multiplier: TimeMultiplierBase, Timestamp: time.Now().UnixMilli()}
	if err := led.AppendEntry(earn, signer); err != nil {
		t.Fatalf("append earn: %v", err)
	}
	acct := led.Account(peer)
	if acct.Balance != WeightCrawl {
		t.Fatalf("balance=%v want %v", acct.Balance, WeightCrawl)
	}
	if acct.State != StateNormal {
		t.Fatalf("state=%v want NORMAL", acct.State)
	}

	spend := &CreditEntry{PeerID: peer, Action: "query", Amount: -2 * WeightCrawl, Multiplier: TimeMultiplierBase, Timestamp: time.Now().UnixMilli()}
	if err := led.AppendEntry(spend, signer); err != nil {
		t.Fatalf("append spend: %v", err)
	}
	acct = led.Account(peer)
	if acct.State != StateGrace {
		t.Fatalf("state=%v want GRACE after going negative", acct.State)
	}
}

func TestAppendEntryChainsHashes(t *testing.T) {
	led, err := NewLedger(tmpLedgerConfig(t, nil))
	if err != nil {
		t.Fatalf("init err: %v", err)
	}
	signer := func(msg []byte) ([]byte, error) { return append([]byte(nil), msg...), nil }
	peer := []byte("peer-chain-test-0000000000000000")[:32]

	first := &CreditEntry{PeerID: peer, Action: "crawl", Amount: 1, Timestamp: time.Now().UnixMilli()}
	if err := led.AppendEntry(first, signer); err != nil {
		t.Fatalf("append first: %v", err)
	}
	second := &CreditEntry{PeerID: peer, Action: "crawl", Amount: 1, Timestamp: time.Now().UnixMilli()}
	if err := led.AppendEntry(second, signer); err != nil {
		t.Fatalf("append second: %v", err)
	}
	if hex.EncodeToString(second.PrevEntry) != hex.EncodeToString(first.Hash) {
		t.Fatalf("second entry does not chain to first: prev=%x first=%x", second.PrevEntry, first.Hash)
	}
	if second.Nonce != first.Nonce+1 {
		t.Fatalf("nonce=%d want %d", second.Nonce, first.Nonce+1)
	}
}

func TestPruneArchivesBlocks(t *testing.T) {
	genesis := &Block{Header: BlockHeader{Height: 0}}
	cfg := tmpLedgerConfig(t, genesis)
	cfg.PruneInterval = 2
	led, err := NewLedger(cfg)
	if err != nil {
		t.Fatalf("ledger init: %v", err)
	}

	for i := 1; i <= 3; i++ {
		blk := &Block{Header: BlockHeader{Height: uint64(i)}}
		if err := led.AddBlock(blk); err != nil {
			t.Fatalf("add block %d: %v", i, err)
		}
	}

	if got := len(led.Blocks); got != 2 {
		t.Fatalf("expected 2 blocks after prune, got %d", got)
	}

	info, err := os.Stat(cfg.ArchivePath)
	if err != nil {
		t.Fatalf("archive stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("archive file empty")
	}
}

func TestStateRootDeterministic(t *testing.T) {
	ledA, err := NewLedger(tmpLedgerConfig(t, nil))
	if err != nil {
		t.Fatalf("init err: %v", err)
	}
	_ = ledA.SetState([]byte("a"), []byte("1"))
	_ = ledA.SetState([]byte("b"), []byte("2"))

	ledB, err := NewLedger(tmpLedgerConfig(t, nil))
	if err != nil {
		t.Fatalf("init err: %v", err)
	}
	_ = ledB.SetState([]byte("b"), []byte("2"))
	_ = ledB.SetState([]byte("a"), []byte("1"))

	if ledA.StateRoot() != ledB.StateRoot() {
		t.Fatalf("state roots mismatch")
	}
}

func TestSearchCostTierDoublesInDebt(t *testing.T) {
	normal := SearchCostTier(50, StateNormal)
	debt := SearchCostTier(50, StateDebt)
	if debt != normal*2 {
		t.Fatalf("debt tier=%v want %v", debt, normal*2)
	}
}

func TestTimeMultiplierOffPeakFallback(t *testing.T) {
	offPeak := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	if got := TimeMultiplier(offPeak, true); got != TimeMultiplierOffPeak {
		t.Fatalf("geo-consistent off-peak multiplier=%v want %v", got, TimeMultiplierOffPeak)
	}
	if got := TimeMultiplier(offPeak, false); got != OffPeakFallbackFraction {
		t.Fatalf("geo-mismatch off-peak multiplier=%v want %v", got, OffPeakFallbackFraction)
	}
	dayTime := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := TimeMultiplier(dayTime, true); got != TimeMultiplierBase {
		t.Fatalf("daytime multiplier=%v want %v", got, TimeMultiplierBase)
	}
}
