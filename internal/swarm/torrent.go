package swarm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/anacrolix/torrent/types"
	"go.uber.org/zap"

	"swarmfeed/internal/logger"
)

const publishPieceLength = 256 << 10

// TorrentOptions configures the anacrolix-backed engine.
type TorrentOptions struct {
	DataDir    string
	ListenPort int
	Seed       bool
	// Offline keeps the client off DHT, trackers and port mapping and
	// binds an ephemeral port.
	Offline bool
}

// TorrentEngine adapts an anacrolix/torrent client to Engine.
type TorrentEngine struct {
	client  *torrent.Client
	dataDir string
	log     *zap.Logger

	mu       sync.RWMutex
	torrents map[string]*torrent.Torrent
	// roots holds the storage directory of content this node published.
	// Such torrents are always seeded from their source and never pruned.
	roots map[string]string

	closeOnce sync.Once
}

// NewTorrentEngine starts a torrent client storing data under opts.DataDir.
func NewTorrentEngine(opts TorrentOptions, log *zap.Logger) (*TorrentEngine, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, err
	}
	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = opts.DataDir
	cfg.Seed = opts.Seed
	if opts.ListenPort > 0 {
		cfg.ListenPort = opts.ListenPort
	}
	if opts.Offline {
		cfg.NoDHT = true
		cfg.DisableTrackers = true
		cfg.NoDefaultPortForwarding = true
		cfg.ListenPort = 0
	}
	client, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("start torrent client: %w", err)
	}
	return &TorrentEngine{
		client:   client,
		dataDir:  opts.DataDir,
		log:      logger.OrNop(log).Named("swarm"),
		torrents: make(map[string]*torrent.Torrent),
		roots:    make(map[string]string),
	}, nil
}

// AddReference adds a magnet URI or .torrent path, waits for its metadata,
// and leaves every file at ignore priority with downloads paused. Content
// this node published keeps seeding untouched.
func (e *TorrentEngine) AddReference(ctx context.Context, ref string) ([]Handle, error) {
	var (
		t   *torrent.Torrent
		err error
	)
	if strings.HasPrefix(ref, "magnet:") {
		t, err = e.client.AddMagnet(ref)
	} else {
		t, err = e.client.AddTorrentFromFile(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("add reference: %w", err)
	}
	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		t.Drop()
		return nil, ctx.Err()
	}
	id := t.InfoHash().HexString()
	if _, own := e.root(id); !own {
		t.DisallowDataDownload()
		for _, f := range t.Files() {
			f.SetPriority(types.PiecePriorityNone)
		}
	}

	e.mu.Lock()
	e.torrents[id] = t
	e.mu.Unlock()

	mi := t.Metainfo()
	handle := Handle{ID: id, Name: t.Name(), Creator: mi.CreatedBy}
	if info := t.Info(); info != nil {
		handle.Magnet = mi.Magnet(nil, info).String()
	}
	for i, f := range t.Files() {
		handle.Files = append(handle.Files, File{Index: i, Path: f.Path(), Size: f.Length()})
	}
	e.log.Debug("reference added", zap.String("name", handle.Name), zap.Int("files", len(handle.Files)))
	return []Handle{handle}, nil
}

func (e *TorrentEngine) root(id string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	dir, ok := e.roots[id]
	return dir, ok
}

func (e *TorrentEngine) file(h Handle, fileIndex int) (*torrent.Torrent, *torrent.File, error) {
	e.mu.RLock()
	t, ok := e.torrents[h.ID]
	e.mu.RUnlock()
	if !ok {
		return nil, nil, ErrUnknownHandle
	}
	files := t.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return nil, nil, fmt.Errorf("file index %d out of range", fileIndex)
	}
	return t, files[fileIndex], nil
}

func (e *TorrentEngine) SetFilePriority(h Handle, fileIndex int, level Priority) error {
	_, f, err := e.file(h, fileIndex)
	if err != nil {
		return err
	}
	if _, own := e.root(h.ID); own {
		f.SetPriority(types.PiecePriorityNormal)
		return nil
	}
	switch level {
	case PriorityMaximum:
		f.SetPriority(types.PiecePriorityNow)
	case PriorityNormal:
		f.SetPriority(types.PiecePriorityNormal)
	default:
		f.SetPriority(types.PiecePriorityNone)
	}
	return nil
}

func (e *TorrentEngine) Pause(h Handle) error {
	e.mu.RLock()
	t, ok := e.torrents[h.ID]
	e.mu.RUnlock()
	if !ok {
		return ErrUnknownHandle
	}
	if _, own := e.root(h.ID); own {
		return nil
	}
	t.DisallowDataDownload()
	return nil
}

func (e *TorrentEngine) Resume(h Handle) error {
	e.mu.RLock()
	t, ok := e.torrents[h.ID]
	e.mu.RUnlock()
	if !ok {
		return ErrUnknownHandle
	}
	t.AllowDataDownload()
	return nil
}

func (e *TorrentEngine) FileProgress(h Handle, fileIndex int) int64 {
	_, f, err := e.file(h, fileIndex)
	if err != nil {
		return 0
	}
	return f.BytesCompleted()
}

func (e *TorrentEngine) FileSize(h Handle, fileIndex int) int64 {
	_, f, err := e.file(h, fileIndex)
	if err != nil {
		return 0
	}
	return f.Length()
}

func (e *TorrentEngine) LocalPath(h Handle, fileIndex int) string {
	_, f, err := e.file(h, fileIndex)
	if err != nil {
		return ""
	}
	dir, own := e.root(h.ID)
	if !own {
		dir = e.dataDir
	}
	return filepath.Join(dir, f.Path())
}

// DeleteLocalFile removes downloaded data. Published sources are left alone.
func (e *TorrentEngine) DeleteLocalFile(h Handle, fileIndex int) error {
	if _, own := e.root(h.ID); own {
		if _, _, err := e.file(h, fileIndex); err != nil {
			return err
		}
		return nil
	}
	path := e.LocalPath(h, fileIndex)
	if path == "" {
		return ErrUnknownHandle
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Publish builds a torrent over root, starts seeding it in place, writes the
// .torrent file into torrentDir when set, and returns its magnet URI.
// Publishing the same unchanged root again yields the same magnet, which is
// how a restarted node resumes seeding.
func (e *TorrentEngine) Publish(root, creator, torrentDir string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	info := metainfo.Info{PieceLength: publishPieceLength}
	if err := info.BuildFromFilePath(abs); err != nil {
		return "", fmt.Errorf("build torrent info: %w", err)
	}
	mi := metainfo.MetaInfo{CreatedBy: creator, CreationDate: time.Now().Unix()}
	mi.InfoBytes, err = bencode.Marshal(info)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(abs)
	id := mi.HashInfoBytes().HexString()
	e.mu.Lock()
	_, republished := e.roots[id]
	e.roots[id] = dir
	e.mu.Unlock()

	t, _ := e.client.AddTorrentOpt(torrent.AddTorrentOpts{
		InfoHash: mi.HashInfoBytes(),
		Storage:  storage.NewFile(dir),
	})
	if err := t.SetInfoBytes(mi.InfoBytes); err != nil {
		if !republished {
			e.mu.Lock()
			delete(e.roots, id)
			e.mu.Unlock()
		}
		return "", fmt.Errorf("seed published torrent: %w", err)
	}
	t.AllowDataDownload()
	t.DownloadAll()

	e.mu.Lock()
	e.torrents[id] = t
	e.mu.Unlock()

	if torrentDir != "" {
		if err := os.MkdirAll(torrentDir, 0o755); err != nil {
			return "", err
		}
		out, err := os.Create(filepath.Join(torrentDir, mi.HashInfoBytes().HexString()+".torrent"))
		if err != nil {
			return "", err
		}
		defer out.Close()
		if err := mi.Write(out); err != nil {
			return "", err
		}
	}
	magnet := mi.Magnet(nil, &info)
	return magnet.String(), nil
}

// Close stops the torrent client. Later calls are no-ops.
func (e *TorrentEngine) Close() {
	e.closeOnce.Do(func() { e.client.Close() })
}
