package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lbds137/tzurot-sub005/internal/domain"
)

func testContent(t *testing.T, text string) domain.Content {
	t.Helper()
	c, err := domain.FromText(text)
	if err != nil {
		t.Fatalf("FromText() error = %v", err)
	}
	return c
}

func testKey() Key {
	return Key{
		PersonalityID:  "sage",
		UserID:         "user-1",
		ConversationID: "chan-9",
		ModelPath:      "vendor/plain-1",
	}
}

// newFrozen returns a deduplicator on a manual clock plus a function to
// advance it.
func newFrozen(t *testing.T, opts Options) (*Deduplicator, func(time.Duration)) {
	t.Helper()
	d := New(opts)
	var mu sync.Mutex
	current := time.Now()
	d.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	advance := func(by time.Duration) {
		mu.Lock()
		current = current.Add(by)
		mu.Unlock()
	}
	return d, advance
}

func TestCheckDuplicate_MissThenHit(t *testing.T) {
	d := New(Options{})
	key := testKey()
	content := testContent(t, "hello")

	h, err := d.CheckDuplicate(key, content)
	if err != nil {
		t.Fatalf("CheckDuplicate() error = %v", err)
	}
	if h != nil {
		t.Fatalf("CheckDuplicate() = %v on an empty table, want nil", h)
	}

	registered := d.RegisterPending(key, content)
	got, err := d.CheckDuplicate(key, content)
	if err != nil {
		t.Fatalf("CheckDuplicate() error = %v", err)
	}
	if got != registered {
		t.Errorf("CheckDuplicate() returned a different handle than registered")
	}
}

func TestCheckDuplicate_DistinctFingerprints(t *testing.T) {
	d := New(Options{})
	content := testContent(t, "hello")
	d.RegisterPending(testKey(), content)

	tests := []struct {
		name   string
		mutate func(Key) Key
	}{
		{"different user", func(k Key) Key { k.UserID = "user-2"; return k }},
		{"different personality", func(k Key) Key { k.PersonalityID = "jester"; return k }},
		{"different conversation", func(k Key) Key { k.ConversationID = "chan-10"; return k }},
		{"different model", func(k Key) Key { k.ModelPath = "vendor/vision-1"; return k }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := d.CheckDuplicate(tt.mutate(testKey()), content)
			if err != nil {
				t.Fatalf("CheckDuplicate() error = %v", err)
			}
			if h != nil {
				t.Errorf("distinct fingerprint coalesced onto an existing handle")
			}
		})
	}

	t.Run("different content", func(t *testing.T) {
		h, err := d.CheckDuplicate(testKey(), testContent(t, "other"))
		if err != nil {
			t.Fatalf("CheckDuplicate() error = %v", err)
		}
		if h != nil {
			t.Errorf("distinct content coalesced onto an existing handle")
		}
	})
}

func TestCheckOrRegister_SingleOwner(t *testing.T) {
	d := New(Options{})
	key := testKey()
	content := testContent(t, "hello")
	response := testContent(t, "world")

	const callers = 16
	var (
		wg         sync.WaitGroup
		registered sync.WaitGroup
		owners     int64
		mu         sync.Mutex
		got        []domain.Content
		errs       []error
	)

	registered.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, owner, err := d.CheckOrRegister(key, content)
			registered.Done()
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			if owner {
				mu.Lock()
				owners++
				mu.Unlock()
				registered.Wait()
				h.Resolve(response)
				d.Release(key, content)
			}
			c, err := h.Await(context.Background())
			mu.Lock()
			got = append(got, c)
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if owners != 1 {
		t.Fatalf("owners = %d, want exactly 1", owners)
	}
	if len(got) != callers {
		t.Fatalf("settled callers = %d, want %d", len(got), callers)
	}
	for i, c := range got {
		if !c.Equal(response) {
			t.Errorf("caller %d observed a different response", i)
		}
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d error = %v", i, err)
		}
	}
}

func TestBlackout(t *testing.T) {
	d, advance := newFrozen(t, Options{Blackout: 60 * time.Second})
	key := testKey()
	content := testContent(t, "hello")

	d.MarkFailed(key, content)

	_, err := d.CheckDuplicate(key, content)
	if err == nil {
		t.Fatalf("CheckDuplicate() error = nil inside a blackout window")
	}
	if !domain.IsBlackout(err) {
		t.Errorf("error = %v, want a blackout error", err)
	}

	// Unrelated fingerprints proceed normally.
	other := testKey()
	other.UserID = "user-2"
	if _, err := d.CheckDuplicate(other, content); err != nil {
		t.Errorf("unrelated fingerprint rejected during blackout: %v", err)
	}

	advance(61 * time.Second)
	h, err := d.CheckDuplicate(key, content)
	if err != nil {
		t.Errorf("CheckDuplicate() error = %v after the window lapsed", err)
	}
	if h != nil {
		t.Errorf("CheckDuplicate() = %v after the window lapsed, want nil", h)
	}
}

func TestCheckOrRegister_BlackoutRejects(t *testing.T) {
	d := New(Options{})
	key := testKey()
	content := testContent(t, "hello")

	d.MarkFailed(key, content)
	h, owner, err := d.CheckOrRegister(key, content)
	if err == nil || !domain.IsBlackout(err) {
		t.Fatalf("CheckOrRegister() error = %v, want blackout", err)
	}
	if h != nil || owner {
		t.Errorf("CheckOrRegister() = (%v, %v) alongside a blackout error", h, owner)
	}
}

func TestPendingTTL(t *testing.T) {
	d, advance := newFrozen(t, Options{PendingTTL: 30 * time.Second})
	key := testKey()
	content := testContent(t, "hello")

	d.RegisterPending(key, content)
	advance(31 * time.Second)

	h, err := d.CheckDuplicate(key, content)
	if err != nil {
		t.Fatalf("CheckDuplicate() error = %v", err)
	}
	if h != nil {
		t.Errorf("expired pending entry still coalesces")
	}
}

func TestRelease(t *testing.T) {
	d := New(Options{})
	key := testKey()
	content := testContent(t, "hello")

	d.RegisterPending(key, content)
	d.Release(key, content)

	h, err := d.CheckDuplicate(key, content)
	if err != nil {
		t.Fatalf("CheckDuplicate() error = %v", err)
	}
	if h != nil {
		t.Errorf("released entry still coalesces")
	}
}

func TestSweep(t *testing.T) {
	d, advance := newFrozen(t, Options{PendingTTL: 30 * time.Second, Blackout: 60 * time.Second})
	content := testContent(t, "hello")

	d.RegisterPending(testKey(), content)
	stale := testKey()
	stale.UserID = "user-2"
	d.MarkFailed(stale, content)

	if p, b := d.Sweep(); p != 0 || b != 0 {
		t.Fatalf("Sweep() = (%d, %d) with nothing expired, want (0, 0)", p, b)
	}

	advance(61 * time.Second)
	p, b := d.Sweep()
	if p != 1 || b != 1 {
		t.Errorf("Sweep() = (%d, %d), want (1, 1)", p, b)
	}

	stats := d.Stats()
	if stats.Pending != 0 || stats.Blackouts != 0 {
		t.Errorf("Stats() after sweep = %+v, want empty tables", stats)
	}
}

func TestStats(t *testing.T) {
	d := New(Options{})
	key := testKey()
	content := testContent(t, "hello")

	if _, err := d.CheckDuplicate(key, content); err != nil {
		t.Fatalf("CheckDuplicate() error = %v", err)
	}
	d.RegisterPending(key, content)
	if _, err := d.CheckDuplicate(key, content); err != nil {
		t.Fatalf("CheckDuplicate() error = %v", err)
	}
	d.MarkFailed(key, content)
	if _, err := d.CheckDuplicate(key, content); err == nil {
		t.Fatalf("CheckDuplicate() error = nil inside a blackout window")
	}

	stats := d.Stats()
	if stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}
	if stats.Blackouts != 1 {
		t.Errorf("Blackouts = %d, want 1", stats.Blackouts)
	}
	if stats.Hits != 1 {
		t.Errorf("Hits = %d, want 1", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
	if stats.BlackoutRejections != 1 {
		t.Errorf("BlackoutRejections = %d, want 1", stats.BlackoutRejections)
	}
}

func TestHandle_SettlesOnce(t *testing.T) {
	h := NewHandle()
	first := domain.Content{}
	if h.Settled() {
		t.Fatalf("Settled() = true before settlement")
	}

	h.Resolve(first)
	h.Reject(errors.New("too late"))

	got, err := h.Await(context.Background())
	if err != nil {
		t.Errorf("Await() error = %v, want the first outcome", err)
	}
	if !got.Equal(first) {
		t.Errorf("Await() returned a different content than the first settlement")
	}
	if !h.Settled() {
		t.Errorf("Settled() = false after settlement")
	}
}

func TestHandle_AwaitHonorsContext(t *testing.T) {
	h := NewHandle()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Await(ctx)
	if err == nil {
		t.Fatalf("Await() error = nil with a cancelled context")
	}
	re, ok := domain.AsRelayError(err)
	if !ok || re.Code != domain.CodeRequestTimeout {
		t.Errorf("Await() error = %v, want a classified timeout", err)
	}
}
