package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"swarmfeed/internal/cache"
	"swarmfeed/internal/protocol"
)

const maxProvideWait = 2 * time.Minute

type addContentRequest struct {
	Ref string `json:"ref"`
}

type setCurrentRequest struct {
	Index *int   `json:"index,omitempty"`
	Step  string `json:"step,omitempty"`
}

type sendTokensRequest struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
}

type likeRequest struct {
	Index   *int   `json:"index,omitempty"`
	Video   string `json:"video,omitempty"`
	Torrent string `json:"torrent,omitempty"`
	Creator string `json:"creator,omitempty"`
}

type publishRequest struct {
	Path string `json:"path"`
}

type statsPayload struct {
	PeerID  string                   `json:"peer_id"`
	Overlay protocol.MetricsSnapshot `json:"overlay"`
	Cache   cache.Stats              `json:"cache"`
	Items   int                      `json:"items"`
	Current int                      `json:"current"`
	Clients int                      `json:"ws_clients"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Debug("json write", zap.Error(err))
	}
}

func decode(r *http.Request, v any) bool {
	return json.NewDecoder(r.Body).Decode(v) == nil
}

// peerParam resolves the {id} path value; "self" names this node.
func (s *Server) peerParam(r *http.Request) string {
	id := chi.URLParam(r, "id")
	if id == "self" {
		return s.opts.Node.SelfID()
	}
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "peer_id": s.opts.Node.SelfID()})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Node.Directory().Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Node.Metrics().Snapshot()
	if s.opts.DecodeErrors != nil {
		snap.DecodeErrors = s.opts.DecodeErrors()
	}
	s.writeJSON(w, http.StatusOK, statsPayload{
		PeerID:  s.opts.Node.SelfID(),
		Overlay: snap,
		Cache:   s.opts.Content.Stats(),
		Items:   s.opts.Content.Len(),
		Current: s.opts.Content.Current(),
		Clients: s.hub.Clients(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = parseTokenFromHeader(r.Header.Get("Authorization"))
	}
	if _, err := s.verify(token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	s.hub.serve(w, r)
}

func (s *Server) handleListContent(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Content.Items())
}

func (s *Server) handleAddContent(w http.ResponseWriter, r *http.Request) {
	var req addContentRequest
	if !decode(r, &req) || strings.TrimSpace(req.Ref) == "" {
		http.Error(w, "ref required", http.StatusBadRequest)
		return
	}
	if err := s.opts.Content.AddKnownContent(r.Context(), strings.TrimSpace(req.Ref)); err != nil {
		s.log.Warn("add content", zap.String("ref", req.Ref), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]int{"items": s.opts.Content.Len()})
}

func (s *Server) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	var req setCurrentRequest
	if !decode(r, &req) {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	switch {
	case req.Index != nil:
		s.opts.Content.SetCurrentIndex(*req.Index)
	case req.Step == "next":
		s.opts.Content.Next()
	case req.Step == "prev":
		s.opts.Content.Previous()
	default:
		http.Error(w, "index or step required", http.StatusBadRequest)
		return
	}
	if s.opts.Content.Len() == 0 {
		http.Error(w, cache.ErrContentNotFound.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Content.Describe(s.opts.Content.Current()))
}

func indexParam(r *http.Request) (int, bool) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	return i, err == nil
}

func (s *Server) handleProvideContent(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(r)
	if !ok {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			http.Error(w, "invalid timeout_ms", http.StatusBadRequest)
			return
		}
		timeout = min(time.Duration(ms)*time.Millisecond, maxProvideWait)
	}
	info, err := s.opts.Content.ProvideContent(r.Context(), index, timeout)
	if errors.Is(err, cache.ErrContentNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleWatched(w http.ResponseWriter, r *http.Request) {
	index, ok := indexParam(r)
	if !ok {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	if err := s.opts.Content.MarkWatched(index); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Wallets.Balances())
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	id := s.peerParam(r)
	s.writeJSON(w, http.StatusOK, map[string]any{"peer_id": id, "balance": s.opts.Wallets.Balance(id)})
}

func (s *Server) handleSendTokens(w http.ResponseWriter, r *http.Request) {
	var req sendTokensRequest
	if !decode(r, &req) || req.Recipient == "" {
		http.Error(w, "recipient required", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 || req.Amount > math.MaxInt32 {
		http.Error(w, "amount out of range", http.StatusBadRequest)
		return
	}
	if !s.opts.Node.SendTokens(req.Amount, req.Recipient) {
		http.Error(w, "insufficient funds", http.StatusPaymentRequired)
		return
	}
	self := s.opts.Node.SelfID()
	s.writeJSON(w, http.StatusOK, map[string]any{"peer_id": self, "balance": s.opts.Wallets.Balance(self)})
}

func (s *Server) handleGetLikes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.opts.Likes.GetLikes(r.Context(), q.Get("video"), q.Get("torrent"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	var req likeRequest
	if !decode(r, &req) {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Index != nil {
		if s.opts.Content.Len() == 0 {
			http.Error(w, cache.ErrContentNotFound.Error(), http.StatusNotFound)
			return
		}
		info := s.opts.Content.Describe(*req.Index)
		req.Video, req.Torrent, req.Creator = info.FileName, info.TorrentName, info.Creator
	}
	if req.Video == "" || req.Torrent == "" {
		http.Error(w, "video and torrent required", http.StatusBadRequest)
		return
	}
	block, err := s.opts.Node.BroadcastLike(r.Context(), req.Video, req.Torrent, req.Creator)
	if err != nil {
		s.log.Warn("like", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"hash": block.HashHex(), "sequence": block.Sequence})
}

func (s *Server) handleLikeCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	liker := q.Get("liker")
	if liker == "" || liker == "self" {
		liker = s.opts.Node.SelfID()
	}
	liked, err := s.opts.Likes.UserLikedVideo(r.Context(), q.Get("video"), q.Get("torrent"), liker)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"liker": liker, "liked": liked})
}

func (s *Server) handlePostedVideos(w http.ResponseWriter, r *http.Request) {
	out, err := s.opts.Likes.GetPostedVideos(r.Context(), s.peerParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	out, err := s.opts.Likes.Profile(r.Context(), s.peerParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLikesReceived(w http.ResponseWriter, r *http.Request) {
	out, err := s.opts.Likes.LikesReceived(r.Context(), s.peerParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLikedContent(w http.ResponseWriter, r *http.Request) {
	out, err := s.opts.Likes.ListLikedContent(r.Context(), s.peerParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.opts.Publisher == nil {
		http.Error(w, "publishing disabled", http.StatusServiceUnavailable)
		return
	}
	var req publishRequest
	if !decode(r, &req) || req.Path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}
	magnet, err := s.opts.Publisher.Publish(r.Context(), req.Path)
	if err != nil {
		s.log.Warn("publish", zap.String("path", req.Path), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"magnet": magnet})
}
