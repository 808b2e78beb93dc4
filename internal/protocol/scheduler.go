package protocol

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarmfeed/internal/logger"
)

const dialQueueSize = 128

const (
	// dialBackoff is the first retry delay after a failed dial; each further
	// failure doubles it up to dialMaxBackoff.
	dialBackoff     = 5 * time.Second
	dialMaxBackoff  = 2 * time.Minute
	dialRecheck     = 15 * time.Second
	dialJitterRange = 2 * time.Second
)

// DialTimings tunes a DialScheduler. Zero fields take the package defaults,
// except Jitter where a negative value disables jitter.
type DialTimings struct {
	Backoff    time.Duration
	MaxBackoff time.Duration
	Recheck    time.Duration
	Jitter     time.Duration
}

func (t DialTimings) withDefaults() DialTimings {
	t.Backoff = orDefault(t.Backoff, dialBackoff)
	t.MaxBackoff = orDefault(t.MaxBackoff, dialMaxBackoff)
	t.Recheck = orDefault(t.Recheck, dialRecheck)
	switch {
	case t.Jitter == 0:
		t.Jitter = dialJitterRange
	case t.Jitter < 0:
		t.Jitter = 0
	}
	return t
}

type peerConnector interface {
	ConnectToPeer(string) error
}

type dialState struct {
	failures  int
	connected time.Time
}

// DialScheduler keeps a connection to every desired overlay address.
// Failed dials back off exponentially with jitter; live addresses are
// re-checked every dialRecheck so dropped connections come back.
type DialScheduler struct {
	cm       peerConnector
	selfAddr string
	log      *zap.Logger
	timing   DialTimings

	mu      sync.RWMutex
	desired map[string]*dialState

	queue     chan string
	quit      chan struct{}
	closeOnce sync.Once
}

func NewDialScheduler(cm peerConnector, self string, log *zap.Logger) *DialScheduler {
	return NewDialSchedulerWithTimings(cm, self, DialTimings{}, log)
}

func NewDialSchedulerWithTimings(cm peerConnector, self string, timing DialTimings, log *zap.Logger) *DialScheduler {
	return &DialScheduler{
		cm:       cm,
		selfAddr: self,
		timing:   timing.withDefaults(),
		log:      logger.OrNop(log).Named("dialer"),
		desired:  make(map[string]*dialState),
		queue:    make(chan string, dialQueueSize),
		quit:     make(chan struct{}),
	}
}

// Add marks addr as desired and queues a first dial. Known addresses and
// our own listen address are ignored.
func (d *DialScheduler) Add(addr string) {
	if addr == "" || addr == d.selfAddr {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.desired[addr]; exists {
		return
	}
	d.desired[addr] = &dialState{}
	d.enqueue(addr)
}

// Desired lists the addresses being kept alive, sorted.
func (d *DialScheduler) Desired() []string {
	d.mu.RLock()
	list := make([]string, 0, len(d.desired))
	for addr := range d.desired {
		list = append(list, addr)
	}
	d.mu.RUnlock()
	sort.Strings(list)
	return list
}

// Failures returns the consecutive failed dials for addr.
func (d *DialScheduler) Failures(addr string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if st, ok := d.desired[addr]; ok {
		return st.failures
	}
	return 0
}

func (d *DialScheduler) enqueue(addr string) {
	select {
	case d.queue <- addr:
	default:
		d.log.Warn("dial queue full, dropping", zap.String("addr", addr))
	}
}

func (d *DialScheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.quit:
			return
		case addr := <-d.queue:
			d.tryDial(ctx, addr)
		}
	}
}

func (d *DialScheduler) tryDial(ctx context.Context, addr string) {
	d.mu.RLock()
	_, wanted := d.desired[addr]
	d.mu.RUnlock()
	if !wanted {
		return
	}
	err := d.cm.ConnectToPeer(addr)

	d.mu.Lock()
	st, wanted := d.desired[addr]
	if !wanted {
		d.mu.Unlock()
		return
	}
	var delay time.Duration
	if err != nil {
		st.failures++
		delay = d.retryDelay(st.failures)
	} else {
		if st.failures > 0 {
			d.log.Info("peer reachable again", zap.String("addr", addr), zap.Int("failures", st.failures))
		}
		st.failures = 0
		st.connected = time.Now()
		delay = d.timing.Recheck
	}
	failures := st.failures
	d.mu.Unlock()

	if err != nil {
		d.log.Debug("dial failed", zap.String("addr", addr), zap.Int("failures", failures), zap.Duration("retry_in", delay), zap.Error(err))
	}
	d.scheduleRetry(ctx, addr, delay)
}

// retryDelay is the back-off after the given number of consecutive failures.
func (d *DialScheduler) retryDelay(failures int) time.Duration {
	delay, ceiling := d.timing.Backoff, d.timing.MaxBackoff
	for i := 1; i < failures && delay < ceiling; i++ {
		delay *= 2
	}
	return min(delay, ceiling)
}

func (d *DialScheduler) scheduleRetry(ctx context.Context, addr string, delay time.Duration) {
	if d.timing.Jitter > 0 {
		delay += rand.N(d.timing.Jitter)
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-d.quit:
		case <-timer.C:
			d.enqueue(addr)
		}
	}()
}

// Remove stops retrying addr.
func (d *DialScheduler) Remove(addr string) {
	d.mu.Lock()
	delete(d.desired, addr)
	d.mu.Unlock()
}

func (d *DialScheduler) Close() {
	d.closeOnce.Do(func() { close(d.quit) })
}
