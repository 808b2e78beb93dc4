// Package cache keeps a bounded window of swarm media resident around the
// item currently being watched.
//
// Pool items are the playable files of every known reference, in
// registration order. Index arithmetic always wraps modulo the pool size, so
// the pool is logically circular. Items within W positions of the current
// index are kept downloading or downloaded; everything else is evicted.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarmfeed/internal/logger"
	"swarmfeed/internal/swarm"
)

const (
	defaultRadius       = 1
	defaultPollInterval = 100 * time.Millisecond
	playableRatio       = 0.8
)

var defaultExtensions = []string{".mp4", ".webm", ".mkv"}

// ErrContentNotFound is returned when the pool is empty or a reference is unknown.
var ErrContentNotFound = errors.New("content not found")

// State is the lifecycle position of one pool item.
type State int

const (
	StateIndexed State = iota + 1
	StateDownloading
	StateDownloaded
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateIndexed:
		return "indexed"
	case StateDownloading:
		return "downloading"
	case StateDownloaded:
		return "downloaded"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Resident reports whether the state counts toward the window.
func (s State) Resident() bool {
	return s == StateDownloading || s == StateDownloaded
}

// Catalog persists known references across restarts.
type Catalog interface {
	Remember(ctx context.Context, ref, name string, files int) error
}

// Options tunes the cache window and progress watcher.
type Options struct {
	Radius       int
	PollInterval time.Duration
	Extensions   []string
	Catalog      Catalog
	Logger       *zap.Logger
}

// MediaInfo is the descriptor handed to playback.
type MediaInfo struct {
	Index       int    `json:"index"`
	Ref         string `json:"ref"`
	Announce    string `json:"announce"`
	TorrentName string `json:"torrent_name"`
	FileName    string `json:"file_name"`
	FileIndex   int    `json:"file_index"`
	Path        string `json:"path"`
	Creator     string `json:"creator"`
	State       string `json:"state"`
	TotalSize   int64  `json:"total_size"`
	Downloaded  int64  `json:"downloaded_bytes"`
	Complete    bool   `json:"complete"`
	Watched     bool   `json:"watched"`
}

// Stats counts window transitions since the cache was created.
type Stats struct {
	Downloads int `json:"downloads"`
	Evictions int `json:"evictions"`
}

type content struct {
	ref      string
	announce string
	handle   swarm.Handle
	items    []int
}

// item is one playable file. Items of the same reference share content;
// handle is the swarm that holds file.
type item struct {
	content  *content
	handle   swarm.Handle
	file     swarm.File
	state    State
	priority swarm.Priority
	watched  bool
}

// Cache is the swarm cache manager. Window mutations are serialised by mu;
// readers take the read lock and never observe half of an evict/download pair.
type Cache struct {
	engine  swarm.Engine
	log     *zap.Logger
	radius  int
	poll    time.Duration
	exts    map[string]struct{}
	catalog Catalog

	mu       sync.RWMutex
	contents map[string]*content
	handles  map[string]struct{}
	pending  map[string]struct{}
	order    []string
	pool     []*item
	current  int
	stats    Stats

	notifyMu sync.Mutex
	notify   chan struct{}
}

// New creates an empty cache over engine.
func New(engine swarm.Engine, opts Options) *Cache {
	radius := opts.Radius
	if radius < 0 {
		radius = defaultRadius
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = defaultExtensions
	}
	extSet := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extSet[ext] = struct{}{}
	}
	return &Cache{
		engine:   engine,
		log:      logger.OrNop(opts.Logger).Named("cache"),
		radius:   radius,
		poll:     poll,
		exts:     extSet,
		catalog:  opts.Catalog,
		contents: make(map[string]*content),
		handles:  make(map[string]struct{}),
		pending:  make(map[string]struct{}),
		notify:   make(chan struct{}),
	}
}

// Playable reports whether name passes the media filter.
func (c *Cache) Playable(name string) bool {
	_, ok := c.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// AddKnownContent registers ref and its playable files. Registering a
// reference that is already known, or currently being added, is a no-op.
func (c *Cache) AddKnownContent(ctx context.Context, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("empty reference")
	}
	c.mu.Lock()
	_, known := c.contents[ref]
	_, inFlight := c.pending[ref]
	if known || inFlight {
		c.mu.Unlock()
		return nil
	}
	c.pending[ref] = struct{}{}
	c.mu.Unlock()

	handles, err := c.engine.AddReference(ctx, ref)

	c.mu.Lock()
	delete(c.pending, ref)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("index %s: %w", ref, err)
	}
	entry := &content{ref: ref}
	for _, h := range handles {
		// a magnet and a .torrent file can name the same swarm
		if _, dup := c.handles[h.ID]; dup {
			continue
		}
		c.handles[h.ID] = struct{}{}
		if entry.handle.ID == "" {
			entry.handle = h
		}
		for _, f := range h.Files {
			if !c.Playable(f.Path) {
				continue
			}
			c.pool = append(c.pool, &item{
				content: entry,
				handle:  h,
				file:    f,
				state:   StateIndexed,
			})
			entry.items = append(entry.items, len(c.pool)-1)
		}
	}
	entry.announce = ref
	if entry.handle.Magnet != "" {
		entry.announce = entry.handle.Magnet
	}
	c.contents[ref] = entry
	c.order = append(c.order, ref)
	c.reconcileLocked()
	added := len(entry.items)
	c.mu.Unlock()

	c.log.Info("content indexed", zap.String("ref", ref), zap.Int("playable", added))
	if c.catalog != nil && entry.handle.ID != "" {
		if err := c.catalog.Remember(ctx, ref, entry.handle.Name, added); err != nil {
			c.log.Warn("catalog remember failed", zap.String("ref", ref), zap.Error(err))
		}
	}
	c.broadcast()
	return nil
}

// IndexDirectory registers every .torrent file found in dir.
func (c *Cache) IndexDirectory(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".torrent") {
			continue
		}
		if err := c.AddKnownContent(ctx, filepath.Join(dir, e.Name())); err != nil {
			c.log.Warn("skip torrent file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// SetCurrentIndex moves the window to newIndex (wrapped). When the window
// covers the whole pool only the current marker and its priority move.
// Otherwise the items leaving the trailing edge are evicted and the items
// entering the leading edge start downloading; for a unit step forward that
// is cur-W out and new+W in, backward cur+W out and new-W in.
func (c *Cache) SetCurrentIndex(newIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pool)
	if n == 0 {
		c.log.Debug("set index on empty pool ignored")
		return
	}
	c.moveLocked(newIndex)
}

func (c *Cache) moveLocked(newIndex int) {
	newIndex = wrap(newIndex, len(c.pool))
	if newIndex == c.current {
		return
	}
	c.current = newIndex
	c.reconcileLocked()
}

// Next advances the window by one; wrapping to the front counts as forward.
func (c *Cache) Next() { c.step(1) }

// Previous moves the window back by one.
func (c *Cache) Previous() { c.step(-1) }

// step moves relative to the current index under a single lock hold so
// concurrent steps all land.
func (c *Cache) step(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pool)
	if n == 0 {
		c.log.Debug("step on empty pool ignored")
		return
	}
	c.moveLocked(c.current + delta)
}

// reconcileLocked brings the resident set and priorities in line with the
// window around current. Callers hold mu for writing.
func (c *Cache) reconcileLocked() {
	n := len(c.pool)
	if n == 0 {
		return
	}
	want := c.windowLocked()
	for i, it := range c.pool {
		_, inWindow := want[i]
		switch {
		case !inWindow && it.state.Resident():
			c.evictLocked(i)
		case inWindow && !it.state.Resident():
			c.downloadLocked(i)
		}
	}
	for i, it := range c.pool {
		if !it.state.Resident() {
			continue
		}
		level := swarm.PriorityNormal
		if i == c.current {
			level = swarm.PriorityMaximum
		}
		if it.priority != level {
			c.setPriorityLocked(it, level)
		}
	}
}

func (c *Cache) windowLocked() map[int]struct{} {
	n := len(c.pool)
	want := make(map[int]struct{}, 2*c.radius+1)
	if 2*c.radius+1 >= n {
		for i := 0; i < n; i++ {
			want[i] = struct{}{}
		}
		return want
	}
	for k := -c.radius; k <= c.radius; k++ {
		want[wrap(c.current+k, n)] = struct{}{}
	}
	return want
}

func (c *Cache) downloadLocked(i int) {
	it := c.pool[i]
	h := it.handle
	if err := c.engine.Resume(h); err != nil {
		c.log.Warn("resume failed", zap.String("file", it.file.Path), zap.Error(err))
	}
	level := swarm.PriorityNormal
	if i == c.current {
		level = swarm.PriorityMaximum
	}
	c.setPriorityLocked(it, level)
	it.state = StateDownloading
	if c.completeLocked(it) {
		it.state = StateDownloaded
	}
	c.stats.Downloads++
	c.log.Debug("download", zap.Int("index", i), zap.String("file", it.file.Path))
}

func (c *Cache) evictLocked(i int) {
	it := c.pool[i]
	c.setPriorityLocked(it, swarm.PriorityIgnore)
	if err := c.engine.DeleteLocalFile(it.handle, it.file.Index); err != nil {
		c.log.Warn("delete cached file failed", zap.String("file", it.file.Path), zap.Error(err))
	}
	it.state = StateEvicted
	c.stats.Evictions++
	c.log.Debug("evict", zap.Int("index", i), zap.String("file", it.file.Path))
}

func (c *Cache) setPriorityLocked(it *item, level swarm.Priority) {
	if err := c.engine.SetFilePriority(it.handle, it.file.Index, level); err != nil {
		c.log.Warn("set priority failed", zap.String("file", it.file.Path), zap.Stringer("level", level), zap.Error(err))
	}
	it.priority = level
}

func (c *Cache) progressLocked(it *item) (downloaded, total int64) {
	total = c.engine.FileSize(it.handle, it.file.Index)
	if total <= 0 {
		total = it.file.Size
	}
	downloaded = c.engine.FileProgress(it.handle, it.file.Index)
	if downloaded > total {
		downloaded = total
	}
	if downloaded < 0 {
		downloaded = 0
	}
	return downloaded, total
}

func (c *Cache) completeLocked(it *item) bool {
	downloaded, total := c.progressLocked(it)
	return total > 0 && downloaded == total
}

func (c *Cache) describeLocked(i int) MediaInfo {
	it := c.pool[i]
	downloaded, total := c.progressLocked(it)
	return MediaInfo{
		Index:       i,
		Ref:         it.content.ref,
		Announce:    it.content.announce,
		TorrentName: it.handle.Name,
		FileName:    filepath.Base(it.file.Path),
		FileIndex:   it.file.Index,
		Path:        c.engine.LocalPath(it.handle, it.file.Index),
		Creator:     it.handle.Creator,
		State:       it.state.String(),
		TotalSize:   total,
		Downloaded:  downloaded,
		Complete:    total > 0 && downloaded == total,
		Watched:     it.watched,
	}
}

// ProvideContent returns the descriptor for the item at index (wrapped). If
// the item is not fully downloaded the caller waits for progress until
// timeout or ctx ends, then gets the descriptor anyway. Only the wait is
// cancelled, never the download.
func (c *Cache) ProvideContent(ctx context.Context, index int, timeout time.Duration) (MediaInfo, error) {
	c.mu.RLock()
	n := len(c.pool)
	if n == 0 {
		c.mu.RUnlock()
		return MediaInfo{}, ErrContentNotFound
	}
	i := wrap(index, n)
	c.mu.RUnlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		changed := c.changed()
		c.mu.RLock()
		info := c.describeLocked(i)
		c.mu.RUnlock()
		if info.Complete || expired == nil {
			return info, nil
		}
		select {
		case <-changed:
		case <-expired:
			c.log.Debug("content wait timed out", zap.Int("index", i))
			return c.Describe(i), nil
		case <-ctx.Done():
			return c.Describe(i), nil
		}
	}
}

// Describe returns the current descriptor for index without waiting.
func (c *Cache) Describe(index int) MediaInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.pool) == 0 {
		return MediaInfo{}
	}
	return c.describeLocked(wrap(index, len(c.pool)))
}

// Run polls the engine for progress on downloading items and wakes waiters
// whenever an item completes. It returns when ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.refresh() {
				c.broadcast()
			}
		}
	}
}

func (c *Cache) refresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for i, it := range c.pool {
		if it.state != StateDownloading {
			continue
		}
		if c.completeLocked(it) {
			it.state = StateDownloaded
			changed = true
			c.log.Info("download complete", zap.Int("index", i), zap.String("file", it.file.Path))
		}
	}
	return changed
}

func (c *Cache) changed() <-chan struct{} {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	return c.notify
}

func (c *Cache) broadcast() {
	c.notifyMu.Lock()
	close(c.notify)
	c.notify = make(chan struct{})
	c.notifyMu.Unlock()
}

// IsDownloaded reports whether the item at index is fully fetched.
func (c *Cache) IsDownloaded(index int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.pool) == 0 {
		return false
	}
	return c.completeLocked(c.pool[wrap(index, len(c.pool))])
}

// IsPlayable reports whether enough of the item is present to start playback.
func (c *Cache) IsPlayable(index int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.pool) == 0 {
		return false
	}
	downloaded, total := c.progressLocked(c.pool[wrap(index, len(c.pool))])
	return total > 0 && float64(downloaded)/float64(total) > playableRatio
}

// MarkWatched records that playback of index crossed the watched threshold.
func (c *Cache) MarkWatched(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pool) == 0 {
		return ErrContentNotFound
	}
	c.pool[wrap(index, len(c.pool))].watched = true
	return nil
}

// State returns the lifecycle state of index.
func (c *Cache) State(index int) State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.pool) == 0 {
		return 0
	}
	return c.pool[wrap(index, len(c.pool))].state
}

// Items describes every pool item in index order.
func (c *Cache) Items() []MediaInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MediaInfo, 0, len(c.pool))
	for i := range c.pool {
		out = append(out, c.describeLocked(i))
	}
	return out
}

// Len is the number of pool items.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pool)
}

// Current is the index held at maximum priority.
func (c *Cache) Current() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Stats returns window transition counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// KnownReferences lists the shareable reference of every registered swarm
// in registration order. Aliases of an already known swarm are skipped.
func (c *Cache) KnownReferences() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.order))
	for _, ref := range c.order {
		if e := c.contents[ref]; e.handle.ID != "" {
			out = append(out, e.announce)
		}
	}
	return out
}

func wrap(index, n int) int {
	return ((index % n) + n) % n
}
