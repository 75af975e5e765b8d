// Package dedup coalesces concurrent identical relay requests onto one
// in-flight network call and suppresses calls during provider outages.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/lbds137/tzurot-sub005/internal/domain"
)

const (
	// DefaultPendingTTL bounds how long a pending entry may coalesce new
	// callers before it is considered abandoned.
	DefaultPendingTTL = 30 * time.Second

	// DefaultBlackout is how long a fingerprint stays suppressed after a
	// provider-side failure.
	DefaultBlackout = 60 * time.Second
)

// Key carries the identifiers that scope a fingerprint. Two requests
// with the same key and the same prompt content are duplicates. The
// model path is part of the key so identical prompts aimed at different
// models never coalesce.
type Key struct {
	PersonalityID  string
	UserID         string
	ConversationID string
	ModelPath      string
}

// KeyFor derives the fingerprint key from a request aggregate.
func KeyFor(r *domain.Request) Key {
	return Key{
		PersonalityID:  r.PersonalityID(),
		UserID:         r.UserID(),
		ConversationID: r.ConversationID(),
		ModelPath:      r.Model().Path,
	}
}

// Handle is the future shared by every caller coalesced onto one
// in-flight request. The owner settles it exactly once; any number of
// goroutines may Await the outcome.
type Handle struct {
	done    chan struct{}
	once    sync.Once
	content domain.Content
	err     error
}

// NewHandle creates an unsettled handle.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Resolve settles the handle with a successful response.
func (h *Handle) Resolve(content domain.Content) {
	h.once.Do(func() {
		h.content = content
		close(h.done)
	})
}

// Reject settles the handle with a failure.
func (h *Handle) Reject(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Await blocks until the handle is settled or ctx ends.
func (h *Handle) Await(ctx context.Context) (domain.Content, error) {
	select {
	case <-h.done:
		return h.content, h.err
	case <-ctx.Done():
		return domain.Content{}, domain.ClassifyTransport(ctx.Err())
	}
}

// Settled reports whether the handle already carries an outcome.
func (h *Handle) Settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

type pendingEntry struct {
	handle    *Handle
	expiresAt time.Time
}

// Stats is a point-in-time view of the deduplicator's tables and
// cumulative counters.
type Stats struct {
	Pending            int    `json:"pending"`
	Blackouts          int    `json:"blackouts"`
	Hits               uint64 `json:"hits"`
	Misses             uint64 `json:"misses"`
	BlackoutRejections uint64 `json:"blackout_rejections"`
}

// Options configure a Deduplicator.
type Options struct {
	// PendingTTL bounds pending entries; zero means DefaultPendingTTL.
	PendingTTL time.Duration

	// Blackout is the suppression window after a provider-side failure;
	// zero means DefaultBlackout.
	Blackout time.Duration

	// Logger receives sweep and blackout events; nil means slog.Default.
	Logger *slog.Logger
}

// Deduplicator owns the fingerprint→handle and fingerprint→blackout
// tables. Both are process-local; all access runs under one mutex
// because callers arrive on arbitrary goroutines.
type Deduplicator struct {
	mu        sync.Mutex
	pending   map[string]pendingEntry
	blackouts map[string]time.Time

	pendingTTL time.Duration
	blackout   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	hits               uint64
	misses             uint64
	blackoutRejections uint64
}

// New creates a Deduplicator with the given options.
func New(opts Options) *Deduplicator {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	if opts.Blackout <= 0 {
		opts.Blackout = DefaultBlackout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Deduplicator{
		pending:    make(map[string]pendingEntry),
		blackouts:  make(map[string]time.Time),
		pendingTTL: opts.PendingTTL,
		blackout:   opts.Blackout,
		logger:     opts.Logger,
		now:        time.Now,
	}
}

// fingerprint hashes the key and prompt content into a stable table key.
// Content marshals deterministically, so equal values hash equally.
func fingerprint(key Key, content domain.Content) string {
	h := sha256.New()
	h.Write([]byte(key.PersonalityID))
	h.Write([]byte{0x1f})
	h.Write([]byte(key.UserID))
	h.Write([]byte{0x1f})
	h.Write([]byte(key.ConversationID))
	h.Write([]byte{0x1f})
	h.Write([]byte(key.ModelPath))
	h.Write([]byte{0x1f})
	if data, err := json.Marshal(content); err == nil {
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CheckDuplicate looks up an in-flight handle for the fingerprint. It
// returns the handle on a hit, (nil, nil) on a miss, and a blackout
// error when the fingerprint is inside an active blackout window.
func (d *Deduplicator) CheckDuplicate(key Key, content domain.Content) (*Handle, error) {
	fp := fingerprint(key, content)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookupLocked(fp)
}

// RegisterPending records a fresh handle for the fingerprint and returns
// it. The caller that registers owns the handle and must settle it.
func (d *Deduplicator) RegisterPending(key Key, content domain.Content) *Handle {
	fp := fingerprint(key, content)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registerLocked(fp)
}

// CheckOrRegister runs the duplicate check and, on a miss, the pending
// registration in a single critical section. The second return reports
// ownership: true means the caller must perform the network call and
// settle the handle; false means the caller should await it.
func (d *Deduplicator) CheckOrRegister(key Key, content domain.Content) (*Handle, bool, error) {
	fp := fingerprint(key, content)
	d.mu.Lock()
	defer d.mu.Unlock()

	if h, err := d.lookupLocked(fp); err != nil {
		return nil, false, err
	} else if h != nil {
		return h, false, nil
	}
	return d.registerLocked(fp), true, nil
}

func (d *Deduplicator) lookupLocked(fp string) (*Handle, error) {
	now := d.now()

	if expiry, ok := d.blackouts[fp]; ok {
		if now.Before(expiry) {
			d.blackoutRejections++
			return nil, domain.ErrBlackout(expiry.Sub(now))
		}
		delete(d.blackouts, fp)
	}

	if entry, ok := d.pending[fp]; ok {
		if now.Before(entry.expiresAt) {
			d.hits++
			return entry.handle, nil
		}
		delete(d.pending, fp)
	}

	d.misses++
	return nil, nil
}

func (d *Deduplicator) registerLocked(fp string) *Handle {
	h := NewHandle()
	d.pending[fp] = pendingEntry{handle: h, expiresAt: d.now().Add(d.pendingTTL)}
	return h
}

// Release drops the pending entry for the fingerprint. The owning caller
// releases after settling the handle; callers already awaiting it still
// observe the settled outcome.
func (d *Deduplicator) Release(key Key, content domain.Content) {
	fp := fingerprint(key, content)
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, fp)
}

// MarkFailed starts a blackout window for the fingerprint. While the
// window is active, CheckDuplicate fails fast without reaching the
// network.
func (d *Deduplicator) MarkFailed(key Key, content domain.Content) {
	fp := fingerprint(key, content)
	d.mu.Lock()
	expiry := d.now().Add(d.blackout)
	d.blackouts[fp] = expiry
	d.mu.Unlock()

	d.logger.Warn("blackout window started",
		slog.String("fingerprint", fp[:12]),
		slog.String("personality_id", key.PersonalityID),
		slog.Duration("window", d.blackout))
}

// Stats reports table sizes (expired entries excluded) and cumulative
// counters.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	stats := Stats{
		Hits:               d.hits,
		Misses:             d.misses,
		BlackoutRejections: d.blackoutRejections,
	}
	for _, entry := range d.pending {
		if now.Before(entry.expiresAt) {
			stats.Pending++
		}
	}
	for _, expiry := range d.blackouts {
		if now.Before(expiry) {
			stats.Blackouts++
		}
	}
	return stats
}

// Sweep evicts expired pending entries and lapsed blackout windows in
// one pass, returning how many of each were removed.
func (d *Deduplicator) Sweep() (pendingRemoved, blackoutsRemoved int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for fp, entry := range d.pending {
		if !now.Before(entry.expiresAt) {
			delete(d.pending, fp)
			pendingRemoved++
		}
	}
	for fp, expiry := range d.blackouts {
		if !now.Before(expiry) {
			delete(d.blackouts, fp)
			blackoutsRemoved++
		}
	}
	return pendingRemoved, blackoutsRemoved
}

// RunSweeper periodically sweeps until ctx ends. The daemon runs this on
// its own goroutine.
func (d *Deduplicator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPendingTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, blackouts := d.Sweep()
			if pending > 0 || blackouts > 0 {
				d.logger.Debug("dedup sweep",
					slog.Int("pending_removed", pending),
					slog.Int("blackouts_removed", blackouts))
			}
		}
	}
}
