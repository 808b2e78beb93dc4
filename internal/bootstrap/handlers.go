package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

type registerRequest struct {
	Addr string `json:"addr"`
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	addr, err := dialableAddr(req.Addr, r.RemoteAddr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.Store.Register(r.Context(), addr); err != nil {
		a.log.Warn("register peer", zap.String("addr", addr), zap.Error(err))
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// dialableAddr validates a registered host:port. Peers listening on a
// wildcard address are recorded under the host the request came from.
func dialableAddr(addr, remote string) (string, error) {
	if addr == "" {
		return "", errors.New("missing addr")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid addr: %w", err)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("invalid port %q", port)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		remoteHost, _, err := net.SplitHostPort(remote)
		if err != nil {
			return "", errors.New("cannot infer host for wildcard addr")
		}
		host = remoteHost
	}
	return net.JoinHostPort(host, port), nil
}

func (a *App) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := a.Store.List(r.Context())
	if err != nil {
		a.log.Warn("list peers", zap.Error(err))
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}
	a.writeJSON(w, http.StatusOK, peers)
}

func (a *App) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.log.Debug("write json", zap.Error(err))
	}
}
