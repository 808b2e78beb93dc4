package peer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"swarmfeed/internal/api"
	"swarmfeed/internal/authutil"
	"swarmfeed/internal/cache"
	"swarmfeed/internal/crypto"
	"swarmfeed/internal/ledger"
	"swarmfeed/internal/likes"
	"swarmfeed/internal/logger"
	"swarmfeed/internal/network"
	"swarmfeed/internal/protocol"
	"swarmfeed/internal/storage"
	"swarmfeed/internal/swarm"
	"swarmfeed/internal/wallet"
)

// App encapsulates the node components.
type App struct {
	Cfg *Config
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	Identity *crypto.Identity
	ConnMgr  *network.ConnManager
	Engine   *swarm.TorrentEngine
	Catalog  *storage.Catalog
	Cache    *cache.Cache
	Wallets  *storage.WalletStore
	Wallet   *wallet.Ledger
	Ledger   *ledger.Store
	Likes    *likes.Index
	Dialer   *protocol.DialScheduler
	Runtime  *protocol.Runtime
	API      *api.Server

	closers []func() error
}

// NewApp wires all node dependencies according to cfg. On error every
// component opened so far is closed again.
func NewApp(cfg *Config, log *zap.Logger) (app *App, err error) {
	log = logger.OrNop(log)
	ctx, cancel := context.WithCancel(context.Background())
	app = &App{Cfg: cfg, log: log, ctx: ctx, cancel: cancel}
	defer func() {
		if err != nil {
			app.Shutdown()
			app = nil
		}
	}()

	if app.Identity, err = crypto.LoadOrCreateIdentity(cfg.IdentityPath); err != nil {
		return app, fmt.Errorf("identity: %w", err)
	}
	box, err := crypto.NewBox(cfg.Secret)
	if err != nil {
		return app, err
	}
	app.ConnMgr = network.NewConnManager(cfg.ListenAddr, box, log)
	app.closers = append(app.closers, func() error { app.ConnMgr.Stop(); return nil })

	if app.Engine, err = swarm.NewTorrentEngine(swarm.TorrentOptions{
		DataDir:    cfg.MediaDir,
		ListenPort: cfg.TorrentPort,
		Seed:       cfg.Seed,
	}, log); err != nil {
		return app, err
	}
	app.closers = append(app.closers, func() error { app.Engine.Close(); return nil })

	if app.Catalog, err = storage.OpenCatalog(ctx, cfg.CatalogPath); err != nil {
		return app, fmt.Errorf("content catalog: %w", err)
	}
	app.closers = append(app.closers, app.Catalog.Close)
	app.Cache = cache.New(app.Engine, cache.Options{
		Radius:       cfg.CacheRadius,
		PollInterval: cfg.CachePoll,
		Extensions:   cfg.Extensions,
		Catalog:      app.Catalog,
		Logger:       log,
	})

	if app.Wallets, err = storage.OpenWalletStore(cfg.WalletPath); err != nil {
		return app, fmt.Errorf("wallet store: %w", err)
	}
	app.closers = append(app.closers, app.Wallets.Close)
	if app.Wallet, err = wallet.New(app.Wallets, log); err != nil {
		return app, err
	}
	if app.Wallet.Seed(app.Identity.ID, cfg.InitialTokens) {
		log.Info("wallet created", zap.String("peer", app.Identity.ID), zap.Int64("balance", cfg.InitialTokens))
	}

	backend, err := ledger.Open(cfg.LedgerBackend, cfg.LedgerPath)
	if err != nil {
		return app, fmt.Errorf("ledger: %w", err)
	}
	if app.Ledger, err = ledger.NewStore(backend, log); err != nil {
		_ = backend.Close()
		return app, err
	}
	app.closers = append(app.closers, app.Ledger.Close)
	app.Likes = likes.New(app.Ledger)

	app.Dialer = protocol.NewDialSchedulerWithTimings(app.ConnMgr, cfg.ListenAddr, protocol.DialTimings{
		Backoff:    cfg.DialBackoff,
		MaxBackoff: cfg.DialMaxBackoff,
		Recheck:    cfg.DialRecheck,
	}, log)
	app.closers = append(app.closers, func() error { app.Dialer.Close(); return nil })
	app.Runtime = protocol.NewRuntime(ctx, protocol.RuntimeOptions{
		Transport:      app.ConnMgr,
		Incoming:       app.ConnMgr.Incoming,
		Identity:       app.Identity,
		SelfAddr:       cfg.ListenAddr,
		Cache:          app.Cache,
		Wallet:         app.Wallet,
		Ledger:         app.Ledger,
		Blocklist:      protocol.NewBlockList(cfg.Blocklist...),
		Dialer:         app.Dialer,
		Logger:         log,
		BootstrapURL:   cfg.BootstrapURL,
		PollInterval:   cfg.PollInterval,
		GossipInterval: cfg.GossipInterval,
		SyncInterval:   cfg.SyncInterval,
		RefreshEvery:   cfg.RefreshEvery,
		PeerTTL:        cfg.PeerTTL,
	})
	app.ConnMgr.OnConnect(app.Runtime.OnConnect)
	app.ConnMgr.OnDisconnect(app.Runtime.OnDisconnect)

	if cfg.APIEnabled {
		app.API = api.NewServer(api.Options{
			Addr:         cfg.APIAddr,
			Node:         app.Runtime,
			Content:      app.Cache,
			Wallets:      app.Wallet,
			Likes:        app.Likes,
			Publisher:    app,
			Issuer:       authutil.NewIssuer(cfg.APISecret, cfg.APITokenTTL),
			DecodeErrors: app.ConnMgr.DecodeErrors,
			Logger:       log,
		})
		app.Runtime.SetSink(app.API.Hub())
	}

	if err = app.ConnMgr.StartListen(); err != nil {
		return app, err
	}
	log.Info("peer listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("peer", app.Identity.ID),
		zap.Bool("encryption", app.ConnMgr.EncryptionEnabled()))
	return app, nil
}

// Publish seeds path, registers the result with the cache, and returns its
// magnet URI. Gossip picks the new reference up from the cache.
func (a *App) Publish(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	magnet, err := a.Engine.Publish(abs, a.Identity.ID, a.Cfg.TorrentDir)
	if err != nil {
		return "", err
	}
	if err := a.Catalog.RememberSource(ctx, abs, a.Identity.ID, magnet); err != nil {
		a.log.Warn("record published source", zap.String("path", abs), zap.Error(err))
	}
	if err := a.Cache.AddKnownContent(ctx, magnet); err != nil {
		return magnet, fmt.Errorf("index published content: %w", err)
	}
	return magnet, nil
}

// publisher seeds local content in place.
type publisher interface {
	Publish(root, creator, torrentDir string) (string, error)
}

// reseed publishes every recorded source that is still on disk so the node
// keeps seeding its own content after a restart. It returns the magnets
// now being seeded.
func reseed(sources []storage.PublishedSource, p publisher, log *zap.Logger) []string {
	var magnets []string
	for _, src := range sources {
		if _, err := os.Stat(src.Path); err != nil {
			log.Warn("published source unavailable", zap.String("path", src.Path), zap.Error(err))
			continue
		}
		magnet, err := p.Publish(src.Path, src.Creator, "")
		if err != nil {
			log.Warn("reseed published source", zap.String("path", src.Path), zap.Error(err))
			continue
		}
		if src.Magnet != "" && magnet != src.Magnet {
			log.Info("published source changed", zap.String("path", src.Path), zap.String("magnet", magnet))
		}
		magnets = append(magnets, magnet)
	}
	return magnets
}

// restoreContent resumes seeding published sources, then re-registers
// catalogued references and any .torrent files in the torrent directory.
// Metadata fetches can be slow, so this runs in the background.
func (a *App) restoreContent() {
	sources, err := a.Catalog.Sources(a.ctx)
	if err != nil {
		a.log.Warn("read published sources", zap.Error(err))
	}
	seeded := reseed(sources, a.Engine, a.log)
	for _, magnet := range seeded {
		if err := a.Cache.AddKnownContent(a.ctx, magnet); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("restore published content", zap.String("ref", magnet), zap.Error(err))
		}
	}
	entries, err := a.Catalog.References(a.ctx)
	if err != nil {
		a.log.Warn("read content catalog", zap.Error(err))
	}
	for _, e := range entries {
		if a.ctx.Err() != nil {
			return
		}
		if err := a.Cache.AddKnownContent(a.ctx, e.Ref); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("restore content", zap.String("ref", e.Ref), zap.Error(err))
		}
	}
	n, err := a.Cache.IndexDirectory(a.ctx, a.Cfg.TorrentDir)
	if err != nil {
		a.log.Warn("index torrent dir", zap.String("dir", a.Cfg.TorrentDir), zap.Error(err))
	}
	a.log.Info("content restored", zap.Int("seeding", len(seeded)), zap.Int("catalogued", len(entries)), zap.Int("torrent_files", n), zap.Int("items", a.Cache.Len()))
}

// IssueToken returns a control API token for the node configured by cfg.
func IssueToken(cfg *Config) (string, error) {
	id, err := crypto.LoadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		return "", err
	}
	return authutil.NewIssuer(cfg.APISecret, cfg.APITokenTTL).Issue(id.ID)
}
