// Package api serves the local control surface of a node: content, wallet
// and like queries, token sends, and a websocket stream of overlay events.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog"
	"go.uber.org/zap"

	"swarmfeed/internal/authutil"
	"swarmfeed/internal/cache"
	"swarmfeed/internal/ledger"
	"swarmfeed/internal/likes"
	"swarmfeed/internal/logger"
	"swarmfeed/internal/protocol"
	"swarmfeed/internal/wallet"
)

// Node is the overlay surface the API drives.
type Node interface {
	SelfID() string
	Directory() *protocol.PeerDirectory
	Metrics() *protocol.Metrics
	SendTokens(amount int64, recipientID string) bool
	BroadcastLike(ctx context.Context, video, torrent, creator string) (ledger.Block, error)
}

// Content is the cache surface the API drives.
type Content interface {
	AddKnownContent(ctx context.Context, ref string) error
	ProvideContent(ctx context.Context, index int, timeout time.Duration) (cache.MediaInfo, error)
	Describe(index int) cache.MediaInfo
	SetCurrentIndex(index int)
	Next()
	Previous()
	MarkWatched(index int) error
	Items() []cache.MediaInfo
	Len() int
	Current() int
	Stats() cache.Stats
}

// Wallets is the read side of the balance table.
type Wallets interface {
	Balance(peerID string) int64
	Balances() []wallet.Balance
}

// Likes answers like queries.
type Likes interface {
	GetLikes(ctx context.Context, video, torrent string) ([]likes.Like, error)
	UserLikedVideo(ctx context.Context, video, torrent, liker string) (bool, error)
	GetPostedVideos(ctx context.Context, author string) ([]likes.PostedVideo, error)
	ListLikedContent(ctx context.Context, liker string) ([]likes.Content, error)
	LikesReceived(ctx context.Context, author string) ([]likes.Like, error)
	Profile(ctx context.Context, author string) (likes.Profile, error)
}

// Publisher seeds a local file or directory and returns its magnet link.
type Publisher interface {
	Publish(ctx context.Context, path string) (string, error)
}

// Options wires a Server.
type Options struct {
	Addr         string
	Node         Node
	Content      Content
	Wallets      Wallets
	Likes        Likes
	Publisher    Publisher
	Issuer       *authutil.Issuer
	DecodeErrors func() uint64
	Logger       *zap.Logger
}

// Server is the control API.
type Server struct {
	opts Options
	log  *zap.Logger
	hub  *Hub
	srv  *http.Server
}

func NewServer(opts Options) *Server {
	log := logger.OrNop(opts.Logger)
	if opts.Issuer == nil {
		opts.Issuer = authutil.NewIssuer("", 0)
	}
	s := &Server{opts: opts, log: log, hub: NewHub(log)}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Hub returns the event hub; register it as the overlay's sink.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the request-logged router.
func (s *Server) Handler() http.Handler {
	reqLog := httplog.NewLogger("swarmfeed-api", httplog.Options{JSON: false})
	return httplog.RequestLogger(reqLog)(s.Router())
}

// Router wires routes and middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/peers", s.handlePeers)
	r.Get("/stats", s.handleStats)
	r.Get("/ws", s.handleWS)

	r.Route("/content", func(r chi.Router) {
		r.Get("/", s.handleListContent)
		r.With(s.authenticated).Post("/", s.handleAddContent)
		r.With(s.authenticated).Post("/current", s.handleSetCurrent)
		r.Get("/{index}", s.handleProvideContent)
		r.With(s.authenticated).Post("/{index}/watched", s.handleWatched)
	})

	r.Get("/wallets", s.handleWallets)
	r.Get("/wallets/{id}", s.handleWallet)
	r.With(s.authenticated).Post("/tokens", s.handleSendTokens)

	r.Get("/likes", s.handleGetLikes)
	r.With(s.authenticated).Post("/likes", s.handleLike)
	r.Get("/likes/check", s.handleLikeCheck)
	r.Get("/authors/{id}/videos", s.handlePostedVideos)
	r.Get("/authors/{id}/profile", s.handleProfile)
	r.Get("/authors/{id}/likes", s.handleLikesReceived)
	r.Get("/likers/{id}/likes", s.handleLikedContent)

	r.With(s.authenticated).Post("/publish", s.handlePublish)
	return r
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	s.log.Info("control api listening", zap.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the HTTP server and drops websocket clients.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
	s.hub.Close()
}
