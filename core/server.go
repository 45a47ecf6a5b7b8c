package core

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// server.go assembles every component into one running node: it is the
// module's composition root, the way the teacher's replication.go wires a
// chain, network node and ledger together into one replicating process.
// Nothing here implements protocol logic of its own; it only constructs,
// connects, and runs a worker loop over the pieces defined elsewhere.

// ServerConfig is the external wiring handed in by cmd/meshsearchd/main.go.
type ServerConfig struct {
	Identity  *PeerIdentity
	Node      *Node
	Governor  *Governor
	DataDir   string
	AdminAddr string
	Location  Location // this node's claimed geolocation, for off-peak credit scoring

	CrawlWorkers    int // background crawl-worker goroutines, default 4
	CrawlQueueDepth int // JobQueue capacity, default 1000
}

const (
	defaultCrawlWorkers    = 4
	defaultCrawlQueueDepth = 1000
	peerPublicKeyTTL       = 10 * time.Minute
)

// Server owns every long-lived component and the background loops over
// them: the crawl-worker pool, the audit loop, the KeywordLookup responder,
// the governor's degradation feed, and the admin HTTP surface.
type Server struct {
	cfg ServerConfig
	log *logrus.Logger

	identity *PeerIdentity
	node     *Node
	governor *Governor

	firewall  *Firewall
	trust     *TrustKernel
	rt        *Kademlia
	dht       *DHT
	index     *Index
	linkGraph *LinkGraph
	dedup     *DedupPipeline
	extractor *HTMLExtractor
	crawler   *Crawler
	queue     *JobQueue
	ledger    *Ledger
	takedowns *TakedownStore
	loadGuard *LoadGuard
	geo       *GeoRegistry

	peerKeys *peerKeyRegistry
	hub      *ChannelHub
	peerMgmt *PeerManagement
	selector *DHTResponderSelector
	orch     *Orchestrator
	kwServer *KeywordLookupServer
	tools    *ToolSurface
	audit    *AuditLoop
	coord    *Coordinator
	initSvc  *InitService

	startedAt time.Time
	envNonce  atomic.Uint64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// peerKeyRegistry resolves a peer's Ed25519 public key from its advertised
// identity announcement for dht.go's STORE signature check. Peers announce
// their key once over the node's pubsub "identity" topic; a real deployment
// would fold this into the libp2p handshake itself.
type peerKeyRegistry struct {
	mu   sync.RWMutex
	keys map[[32]byte]ed25519.PublicKey
}

func newPeerKeyRegistry() *peerKeyRegistry {
	return &peerKeyRegistry{keys: make(map[[32]byte]ed25519.PublicKey)}
}

func (r *peerKeyRegistry) PublicKey(peerID [32]byte) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[peerID]
	return pub, ok
}

func (r *peerKeyRegistry) Announce(peerID [32]byte, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[peerID] = append(ed25519.PublicKey(nil), pub...)
}

// dhtAttestationSource adapts DHT.RecentByTag into audit.go's
// AttestationSource, unmarshaling each envelope's ContentAttestationPayload.
type dhtAttestationSource struct {
	dht    *DHT
	window time.Duration
}

func (s *dhtAttestationSource) RecentAttestations() []AttestedTarget {
	envs := s.dht.RecentByTag(TagContentAttestation, time.Now().Add(-s.window))
	out := make([]AttestedTarget, 0, len(envs))
	for _, env := range envs {
		var payload ContentAttestationPayload
		if err := json.Unmarshal(env.Body, &payload); err != nil {
			continue
		}
		out = append(out, AttestedTarget{PeerID: env.PeerID, URL: payload.URL, ContentHash: payload.ContentHash})
	}
	return out
}

// crawlerAuditor adapts Crawler into audit.go's Auditor: re-crawling a
// target URL independently and reporting the content hash observed.
type crawlerAuditor struct {
	crawler *Crawler
}

func (a *crawlerAuditor) Recrawl(ctx context.Context, url string) ([32]byte, error) {
	res, err := a.crawler.Crawl(ctx, CrawlJob{URL: url, Force: true})
	if err != nil {
		return [32]byte{}, err
	}
	return res.ContentHash, nil
}

// NewServer constructs every component in dependency order and wires them
// together, but starts no background loops — that happens in Run.
func NewServer(cfg ServerConfig, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.CrawlWorkers <= 0 {
		cfg.CrawlWorkers = defaultCrawlWorkers
	}
	if cfg.CrawlQueueDepth <= 0 {
		cfg.CrawlQueueDepth = defaultCrawlQueueDepth
	}

	dirs := []string{"index", "dht", "ledger", "takedowns", "audit"}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, d), 0o700); err != nil {
			return nil, fmt.Errorf("server: create %s dir: %w", d, err)
		}
	}

	s := &Server{cfg: cfg, log: log, identity: cfg.Identity, node: cfg.Node, governor: cfg.Governor, startedAt: time.Now()}
	// Seed the envelope nonce from wall-clock millis, not zero: a remote
	// peer's dht.go tracks our last-seen nonce across our own restarts, so
	// starting over at 0 would make every post-restart envelope look replayed.
	s.envNonce.Store(uint64(time.Now().UnixMilli()))

	s.firewall = NewFirewall()
	s.trust = NewTrustKernel(s.firewall)
	s.rt = NewKademlia(NodeID(s.identity.String()))
	s.peerKeys = newPeerKeyRegistry()
	s.peerKeys.Announce(s.identity.ID, s.identity.Public)
	s.dht = NewDHT(s.rt, s.peerKeys, s.trust)
	s.geo = NewGeoRegistry()
	s.geo.Consistent(NodeID(s.identity.String()), cfg.Location)

	idx, err := NewIndex(IndexConfig{
		WALPath:      filepath.Join(cfg.DataDir, "index", "index.wal"),
		SnapshotPath: filepath.Join(cfg.DataDir, "index", "index.snap"),
		Tokenizer:    TokenizerUnicode61,
	})
	if err != nil {
		return nil, fmt.Errorf("server: open index: %w", err)
	}
	s.index = idx
	s.linkGraph = NewLinkGraph()
	s.dedup = NewDedupPipeline(s.dht, s.index)
	s.extractor = NewHTMLExtractor()
	s.crawler = NewCrawler(s.identity, s.dht, s.dedup, s.extractor, s.governor, s.nextNonce)
	s.queue = NewJobQueue(cfg.CrawlQueueDepth)

	ledger, err := NewLedger(LedgerConfig{
		WALPath:          filepath.Join(cfg.DataDir, "ledger", "ledger.wal"),
		SnapshotPath:     filepath.Join(cfg.DataDir, "ledger", "ledger.snap"),
		ArchivePath:      filepath.Join(cfg.DataDir, "ledger", "ledger.archive"),
		SnapshotInterval: 1000,
		PruneInterval:    10000,
	})
	if err != nil {
		return nil, fmt.Errorf("server: open ledger: %w", err)
	}
	s.ledger = ledger

	takedowns, err := NewTakedownStore(filepath.Join(cfg.DataDir, "takedowns", "takedowns.wal"), s.index)
	if err != nil {
		return nil, fmt.Errorf("server: open takedown store: %w", err)
	}
	s.takedowns = takedowns

	limits := s.governor.Limits()
	s.loadGuard = NewLoadGuard(600, limits.MaxConcurrentCrawls, limits.UploadBitsPerSec, limits.DownloadBitsPerSec)

	s.peerMgmt = NewPeerManagement(s.node)
	s.hub = NewChannelHub(s.ledger, s.node.Broadcast)
	self := addressFromPeerKey(s.identity.ID)
	s.selector = NewDHTResponderSelector(s.peerMgmt, s.trust, s.hub, self)
	s.orch = NewOrchestrator(s.index, s.linkGraph, s.trust, s.selector, s.ledger, s.takedowns, s.governor)
	s.kwServer = NewKeywordLookupServer(s.peerMgmt, s.hub, s.index, self, s.identity, s.ledger, s.geo, cfg.Location)

	s.tools = NewToolSurface(s.orch, s.index, s.crawler, s, s.enqueueCrawl)

	source := &dhtAttestationSource{dht: s.dht, window: 7 * 24 * time.Hour}
	auditor := &crawlerAuditor{crawler: s.crawler}
	s.audit = NewAuditLoop(s.identity, s.rt, s.trust, source, auditor, s.dht, s.nextNonce)

	s.coord = NewCoordinator(s.ledger, s.rt, s.peerMgmt, s.node.Broadcast, s.log, s.dht, s.identity, s.nextNonce)

	s.initSvc = NewInitService(&ReplicationConfig{
		MaxConcurrent:  4,
		ChunksPerSec:   64,
		RetryBackoff:   2 * time.Second,
		PeerThreshold:  1,
		Fanout:         3,
		RequestTimeout: 10 * time.Second,
		SyncBatchSize:  256,
	}, s.log, s.ledger, s.peerMgmt, nil)
	s.ledger.SetBlockListener(s.initSvc.Replicator().ReplicateBlock)

	return s, nil
}

// enqueueCrawl hands an MCP-accepted crawl_url request to the job queue.
func (s *Server) enqueueCrawl(job CrawlJob) error {
	job.EnqueuedAt = time.Now()
	if !s.queue.Enqueue(job) {
		return NewError(ResourceExhausted, "server.enqueue_crawl", fmt.Errorf("crawl queue full"))
	}
	return nil
}

// Run starts every background loop and blocks until ctx is canceled,
// then tears everything down in reverse order.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	if err := s.initSvc.Start(ctx); err != nil {
		s.log.WithError(err).Warn("ledger bootstrap/replication start failed")
	}
	s.audit.Start(ctx)
	s.coord.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.kwServer.Serve(ctx)
	}()

	for i := 0; i < s.cfg.CrawlWorkers; i++ {
		s.wg.Add(1)
		go s.crawlWorker(ctx)
	}

	var adminSrv *adminHTTPServer
	if s.cfg.AdminAddr != "" {
		var err error
		adminSrv, err = newAdminHTTPServer(s.cfg.AdminAddr, NewAdminRouter(s, s.governor.Registry()))
		if err != nil {
			return fmt.Errorf("server: start admin surface: %w", err)
		}
		s.log.WithField("addr", s.cfg.AdminAddr).Info("admin surface listening")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			adminSrv.Serve()
		}()
	}

	<-ctx.Done()
	s.audit.Stop()
	s.coord.Stop()
	s.initSvc.Shutdown()
	if adminSrv != nil {
		_ = adminSrv.Shutdown()
	}
	s.wg.Wait()
	return s.close()
}

// crawlWorker pulls jobs off the queue, runs them through the crawl engine,
// and on success indexes the result, records its outbound links, and
// publishes a signed content attestation so other peers (and the audit
// loop) can reference it without re-fetching.
func (s *Server) crawlWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := s.queue.Dequeue()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		s.runCrawlJob(ctx, job)
	}
}

func (s *Server) runCrawlJob(ctx context.Context, job CrawlJob) {
	defer s.tools.CrawlCompleted(job.URL)

	release, err := s.loadGuard.Admit("crawl-worker")
	if err != nil {
		s.log.WithError(err).WithField("url", job.URL).Warn("crawl admission rejected")
		return
	}
	defer release()

	res, err := s.crawler.Crawl(ctx, job)
	if err != nil {
		s.log.WithError(err).WithField("url", job.URL).Debug("crawl did not complete")
		return
	}
	if res.State != StateIndexed {
		return
	}

	if err := s.index.Upsert(res.URL, res.NormalizedText, map[string]string{"url": res.URL}); err != nil {
		s.log.WithError(err).WithField("url", res.URL).Warn("index upsert failed")
		return
	}
	s.linkGraph.AddLinks(res.URL, res.OutLinks)
	s.publishAttestation(res.URL, res.ContentHash)
	s.publishKeywordPointers(res)
	s.creditContribution("crawl", WeightCrawl)
}

// publishKeywordPointers signs and stores one TagKeywordPointer envelope per
// extracted top-keyword, keyed by H(keyword), so a remote responder's
// KeywordLookup can find this document without it ever probing full text.
// dht.go's per-(peer,key) rate limit is the publish-side gate against this
// node flooding any single keyword; a Store rejected on rate-limit grounds
// (the same keyword published past its hourly quota) is simply dropped
// rather than retried.
func (s *Server) publishKeywordPointers(res CrawlResult) {
	docID := sha256Hex(res.URL)
	for _, kw := range res.Keywords {
		body, err := json.Marshal(KeywordPointerPayload{
			Keyword:     kw,
			DocID:       docID,
			URL:         res.URL,
			ContentHash: res.ContentHash,
			CrawlTimeMs: time.Now().UnixMilli(),
		})
		if err != nil {
			s.log.WithError(err).Warn("keyword pointer payload marshal failed")
			continue
		}
		env := &Envelope{
			PeerID:      s.identity.ID,
			Nonce:       s.nextNonce(),
			TimestampMs: time.Now().UnixMilli(),
			Tag:         TagKeywordPointer,
			Body:        body,
		}
		raw, err := env.Encode(s.identity.Sign)
		if err != nil {
			s.log.WithError(err).Warn("keyword pointer encode failed")
			continue
		}
		if err := s.dht.Store(keywordPointerKey(kw), raw, time.Now(), nil); err != nil {
			s.log.WithError(err).WithField("keyword", kw).Debug("keyword pointer store rejected")
		}
	}
}

// creditContribution appends a self-earned CreditEntry for completed work,
// scored against this node's own claimed-location consistency so an
// off-peak bonus only applies when the claim hasn't jumped around.
func (s *Server) creditContribution(action string, weight float64) {
	geoConsistent := s.geo.Consistent(NodeID(s.identity.String()), s.cfg.Location)
	entry := &CreditEntry{
		PeerID:     s.identity.ID[:],
		Action:     action,
		Amount:     weight,
		Multiplier: TimeMultiplier(time.Now(), geoConsistent),
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := s.ledger.AppendEntry(entry, s.identity.Sign); err != nil {
		s.log.WithError(err).WithField("action", action).Warn("credit entry append failed")
	}
}

// publishAttestation signs and stores a ContentAttestation envelope for a
// newly indexed document, so Classify's exact-dedup check and the audit
// loop's sampling both see it.
func (s *Server) publishAttestation(url string, contentHash [32]byte) {
	body, err := json.Marshal(ContentAttestationPayload{URL: url, ContentHash: contentHash})
	if err != nil {
		s.log.WithError(err).Warn("attestation payload marshal failed")
		return
	}
	env := &Envelope{
		PeerID:      s.identity.ID,
		Nonce:       s.nextNonce(),
		TimestampMs: time.Now().UnixMilli(),
		Tag:         TagContentAttestation,
		Body:        body,
	}
	raw, err := env.Encode(s.identity.Sign)
	if err != nil {
		s.log.WithError(err).Warn("attestation encode failed")
		return
	}
	if err := s.dht.Store(contentAttestationKey(contentHash), raw, time.Now(), nil); err != nil {
		s.log.WithError(err).Warn("attestation store failed")
	}
}

func (s *Server) nextNonce() uint64 {
	return s.envNonce.Add(1)
}

// StatusSnapshot implements StatusProvider for both the admin /status route
// and the MCP status tool.
func (s *Server) StatusSnapshot() StatusSnapshot {
	acct := s.ledger.Account(s.identity.ID[:])
	return StatusSnapshot{
		PeerID:           s.identity.String(),
		IndexSize:        len(s.index.IterRecent(time.Unix(0, 0))),
		PeerCount:        len(s.peerMgmt.Peers()),
		CreditBalance:    acct.Balance,
		TrustTier:        s.trust.Tier(s.identity.ID).String(),
		LedgerState:      string(acct.State),
		DegradationLevel: s.governor.Level().String(),
		ExternalAddr:     s.node.ExternalAddr(),
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
	}
}

// Tools exposes the MCP tool surface for an external adapter to bind.
func (s *Server) Tools() *ToolSurface { return s.tools }

func (s *Server) close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(s.index.Close())
	record(s.ledger.Close())
	record(s.takedowns.Close())
	return firstErr
}

// adminHTTPServer wraps net/http.Server so Run can start and stop the admin
// surface alongside the rest of the node's background loops.
type adminHTTPServer struct {
	srv *http.Server
}

func newAdminHTTPServer(addr string, handler http.Handler) (*adminHTTPServer, error) {
	return &adminHTTPServer{srv: &http.Server{Addr: addr, Handler: handler}}, nil
}

// Serve blocks until Shutdown is called. A closed-server error on clean
// shutdown is expected and swallowed.
func (a *adminHTTPServer) Serve() {
	if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Warn("admin surface exited")
	}
}

func (a *adminHTTPServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.srv.Shutdown(ctx)
}
