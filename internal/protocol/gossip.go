package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"swarmfeed/internal/message"
)

func (r *Runtime) bootstrapCall(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(r.bootstrapURL, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RegisterSelf announces this node's listen address to the bootstrap registry.
func (r *Runtime) RegisterSelf(ctx context.Context) error {
	if r.bootstrapURL == "" {
		return nil
	}
	return r.bootstrapCall(ctx, http.MethodPost, "/register", map[string]string{"addr": r.selfAddr}, nil)
}

// FetchPeers returns the addresses currently held by the bootstrap registry.
func (r *Runtime) FetchPeers(ctx context.Context) ([]string, error) {
	var peers []string
	if err := r.bootstrapCall(ctx, http.MethodGet, "/peers", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func (r *Runtime) pollBootstrap() {
	if err := r.RegisterSelf(r.ctx); err != nil {
		r.log.Warn("bootstrap register failed", zap.Error(err))
	}
	peers, err := r.FetchPeers(r.ctx)
	if err != nil {
		r.log.Warn("bootstrap poll failed", zap.Error(err))
		return
	}
	if r.dialer == nil {
		return
	}
	for _, peer := range peers {
		r.dialer.Add(peer)
	}
}

// every runs fn each interval until the runtime stops.
func (r *Runtime) every(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// BootstrapLoop re-registers with the bootstrap registry and feeds its peer
// list to the dialer every poll interval.
func (r *Runtime) BootstrapLoop() {
	if r.bootstrapURL == "" {
		return
	}
	r.pollBootstrap()
	r.every(r.pollInterval, r.pollBootstrap)
}

// PeerSyncLoop shares the desired dial set with every connection.
func (r *Runtime) PeerSyncLoop() {
	if r.dialer == nil {
		return
	}
	r.every(r.syncInterval, r.syncPeers)
}

// syncPeers broadcasts our own address followed by the dial set, truncated
// to what one PeerSync may carry.
func (r *Runtime) syncPeers() {
	var addrs []string
	if r.selfAddr != "" {
		addrs = append(addrs, r.selfAddr)
	}
	addrs = append(addrs, r.dialer.Desired()...)
	if len(addrs) == 0 {
		return
	}
	if len(addrs) > message.MaxPeerSyncAddrs {
		addrs = addrs[:message.MaxPeerSyncAddrs]
	}
	r.transport.Broadcast(message.PeerSync{Addrs: addrs}, "")
}

// GossipLoop periodically announces content to one random online peer.
func (r *Runtime) GossipLoop() {
	r.every(r.gossipInterval, func() {
		if online := r.directory.Online(); len(online) > 0 {
			r.OnPeerDiscovered(online[r.pick(len(online))])
		}
	})
}

// UpdatePeerListLoop refreshes presence from live connections and prunes
// peers that stayed offline past the TTL.
func (r *Runtime) UpdatePeerListLoop() {
	r.every(r.refresh, r.refreshPeers)
}

func (r *Runtime) refreshPeers() {
	r.directory.MarkActive(r.transport.ConnsList())
	for _, gone := range r.directory.Prune(r.peerTTL) {
		r.log.Info("pruned stale peer", zap.String("peer", gone.ID), zap.Time("last_seen", gone.LastSeen))
		if r.dialer != nil && gone.ListenAddr != "" {
			r.dialer.Remove(gone.ListenAddr)
		}
	}
	r.emit(EventPeers, r.directory.Snapshot())
}
