// Package protocol implements the gossip overlay: peer discovery and
// bookkeeping, content announcements, token transfer mirroring and like
// block propagation.
package protocol

import (
	"context"
	"crypto/ed25519"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarmfeed/internal/crypto"
	"swarmfeed/internal/ledger"
	"swarmfeed/internal/logger"
	"swarmfeed/internal/message"
	"swarmfeed/internal/network"
)

const (
	defaultPeerTTL        = 5 * time.Minute
	defaultPollInterval   = 10 * time.Second
	defaultGossipInterval = 15 * time.Second
	defaultSyncInterval   = 15 * time.Second
	defaultRefresh        = 3 * time.Second
)

// Transport is the connection layer the overlay sends through.
type Transport interface {
	Send(addr string, msg message.Message) error
	Broadcast(msg message.Message, except string)
	ConnsList() []string
	// Bind ties a connection to the peer that introduced itself on it and
	// returns the key of a duplicate connection it closed, if any.
	Bind(addr, peerID, listenAddr string, preferOutbound bool) string
}

// ContentCache is the part of the cache the overlay feeds.
type ContentCache interface {
	AddKnownContent(ctx context.Context, ref string) error
	KnownReferences() []string
}

// Wallet is the mirrored balance table.
type Wallet interface {
	TryDebit(peerID string, amount int64) (int64, error)
	Credit(peerID string, amount int64) int64
	Debit(peerID string, amount int64) int64
}

// Ledger is the block store likes are written to.
type Ledger interface {
	AppendProposal(ctx context.Context, typ string, tx map[string]string, key ed25519.PrivateKey) (ledger.Block, error)
	AppendAgreement(ctx context.Context, proposal ledger.Block, tx map[string]string, key ed25519.PrivateKey) (ledger.Block, error)
	Insert(ctx context.Context, b ledger.Block) (bool, error)
}

// Runtime aggregates the long-lived state and collaborators of one overlay
// node.
type Runtime struct {
	ctx       context.Context
	transport Transport
	incoming  <-chan network.Inbound
	identity  *crypto.Identity
	selfAddr  string
	cache     ContentCache
	wallet    Wallet
	ledger    Ledger
	directory *PeerDirectory
	blocklist *BlockList
	dialer    *DialScheduler
	metrics   *Metrics
	sink      Sink
	log       *zap.Logger
	http      *http.Client

	bootstrapURL   string
	pollInterval   time.Duration
	gossipInterval time.Duration
	syncInterval   time.Duration
	refresh        time.Duration
	peerTTL        time.Duration

	visitedMu sync.Mutex
	visited   map[string]struct{}

	pick func(n int) int
}

// RuntimeOptions describes the dependencies needed to construct Runtime.
type RuntimeOptions struct {
	Transport      Transport
	Incoming       <-chan network.Inbound
	Identity       *crypto.Identity
	SelfAddr       string
	Cache          ContentCache
	Wallet         Wallet
	Ledger         Ledger
	Directory      *PeerDirectory
	Blocklist      *BlockList
	Dialer         *DialScheduler
	Metrics        *Metrics
	Sink           Sink
	Logger         *zap.Logger
	HTTPClient     *http.Client
	BootstrapURL   string
	PollInterval   time.Duration
	GossipInterval time.Duration
	SyncInterval   time.Duration
	RefreshEvery   time.Duration
	PeerTTL        time.Duration
}

func NewRuntime(ctx context.Context, opts RuntimeOptions) *Runtime {
	rt := &Runtime{
		ctx:            ctx,
		transport:      opts.Transport,
		incoming:       opts.Incoming,
		identity:       opts.Identity,
		selfAddr:       opts.SelfAddr,
		cache:          opts.Cache,
		wallet:         opts.Wallet,
		ledger:         opts.Ledger,
		directory:      opts.Directory,
		blocklist:      opts.Blocklist,
		dialer:         opts.Dialer,
		metrics:        opts.Metrics,
		sink:           opts.Sink,
		log:            logger.OrNop(opts.Logger).Named("overlay"),
		http:           opts.HTTPClient,
		bootstrapURL:   opts.BootstrapURL,
		pollInterval:   orDefault(opts.PollInterval, defaultPollInterval),
		gossipInterval: orDefault(opts.GossipInterval, defaultGossipInterval),
		syncInterval:   orDefault(opts.SyncInterval, defaultSyncInterval),
		refresh:        orDefault(opts.RefreshEvery, defaultRefresh),
		peerTTL:        orDefault(opts.PeerTTL, defaultPeerTTL),
		visited:        make(map[string]struct{}),
		pick:           rand.IntN,
	}
	if rt.directory == nil {
		rt.directory = NewPeerDirectory()
	}
	if rt.blocklist == nil {
		rt.blocklist = NewBlockList()
	}
	if rt.metrics == nil {
		rt.metrics = NewMetrics()
	}
	if rt.sink == nil {
		rt.sink = nopSink{}
	}
	if rt.http == nil {
		rt.http = &http.Client{Timeout: 5 * time.Second}
	}
	return rt
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func (r *Runtime) Context() context.Context   { return r.ctx }
func (r *Runtime) SelfID() string             { return r.identity.ID }
func (r *Runtime) SelfAddr() string           { return r.selfAddr }
func (r *Runtime) Directory() *PeerDirectory  { return r.directory }
func (r *Runtime) Blocklist() *BlockList      { return r.blocklist }
func (r *Runtime) Dialer() *DialScheduler     { return r.dialer }
func (r *Runtime) Metrics() *Metrics          { return r.metrics }
func (r *Runtime) SetSink(s Sink)             { r.sink = s }
func (r *Runtime) Identity() *crypto.Identity { return r.identity }

// Visited reports whether peerID already received the welcome grant.
func (r *Runtime) Visited(peerID string) bool {
	r.visitedMu.Lock()
	defer r.visitedMu.Unlock()
	_, ok := r.visited[peerID]
	return ok
}

// Start launches the background loops. They stop when the runtime context ends.
func (r *Runtime) Start() {
	go r.HandleIncoming()
	if r.dialer != nil {
		go r.dialer.Run(r.ctx)
	}
	go r.BootstrapLoop()
	go r.PeerSyncLoop()
	go r.GossipLoop()
	go r.UpdatePeerListLoop()
}
